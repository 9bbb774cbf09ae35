package backend

import (
	"errors"
	"net/http"

	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/resource"
)

// ErrUnauthorized is written as 401
var ErrUnauthorized = errors.New("not authorized")

// ErrConflict is written as 409
var ErrConflict = errors.New("conflict")

type errorResponse struct {
	Message string              `json:"message"`
	Errors  []entity.FieldError `json:"errors,omitempty"`
}

// WriteError maps err to a status code and writes the JSON error envelope. Internal errors are
// logged with code and hidden from the client.
func (b *Backend) WriteError(w http.ResponseWriter, r *http.Request, code, name string, err error) {
	var verr *resource.ValidationError
	var qerr *resource.QueryError
	switch {
	case errors.Is(err, resource.ErrNotFound):
		b.WriteJSON(w, r, http.StatusNotFound, errorResponse{Message: name + " not found"})
	case errors.Is(err, resource.ErrAlreadyDeleted):
		b.WriteJSON(w, r, http.StatusNotFound, errorResponse{Message: name + " already deleted"})
	case errors.As(err, &verr):
		b.WriteJSON(w, r, http.StatusBadRequest, errorResponse{Message: verr.Error(), Errors: verr.Errors})
	case errors.As(err, &qerr):
		b.WriteJSON(w, r, http.StatusBadRequest, errorResponse{Message: qerr.Error()})
	case errors.Is(err, ErrUnauthorized):
		b.WriteJSON(w, r, http.StatusUnauthorized, errorResponse{Message: err.Error()})
	case errors.Is(err, ErrConflict):
		b.WriteJSON(w, r, http.StatusConflict, errorResponse{Message: err.Error()})
	default:
		if code == "" {
			code = "Error 4700"
		}
		logger.FromContext(r.Context(), b.log).WithError(err).Errorf("%s: %s", code, name)
		b.WriteJSON(w, r, http.StatusInternalServerError, errorResponse{Message: code})
	}
}
