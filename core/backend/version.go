package backend

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/logger"
)

var (
	// Version is the version of the curent build
	Version = "unset"
)

func (b *Backend) handleVersion(router *mux.Router) {
	b.log.Debugln("version")
	b.log.Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		b.versionWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) versionWithAuth(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
	if b.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole(access.RoleAdmin) {
			b.WriteError(w, r, "", "version", ErrUnauthorized)
			return
		}
	}
	b.WriteJSON(w, r, http.StatusOK, map[string]string{"version": Version})
}
