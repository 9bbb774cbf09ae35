/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/sirupsen/logrus"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// the built-in roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	// RolePublic applies to every request, also to unauthenticated ones
	RolePublic = "public"
	// RoleEverybody applies to every authenticated request
	RoleEverybody = "everybody"
)

/*Authorization is a context object which stores authorization information
for an authenticated user.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by the JWT middleware, which accepts
a bearer token or a Docrest-JWT cookie.
*/
type Authorization struct {
	UserID   uuid.UUID `json:"userId"`
	Identity string    `json:"identity"`
	Roles    []string  `json:"roles"`
}

// Permit grants operations to a role
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsAuthorized returns true if the authorization is authorized for the requested
// operation according to the passed permits.
//
// The "admin" role is always authorized by default, unless specified otherwise in the permits.
// If a permit is given to "everybody", then this permit applies to all authenticated roles.
// A permit for "public" applies to all requests, even those without authorization.
func (a *Authorization) IsAuthorized(operation core.Operation, permits []Permit) bool {
	permissions := map[string][]core.Operation{}
	for _, p := range permits {
		permissions[p.Role] = append(permissions[p.Role], p.Operations...)
	}

	var roles []string
	if a != nil {
		roles = a.Roles
	}
	roles = append(roles, RolePublic)

	for _, role := range roles {
		rolePermissions, ok := permissions[role]
		if !ok && role != RolePublic {
			rolePermissions, ok = permissions[RoleEverybody]
		}
		if !ok && role == RoleAdmin {
			return true // admin by default is always authorized
		}
		for _, op := range rolePermissions {
			if op == operation {
				return true
			}
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens, so a token is
// parsed and verified only once until it expires.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]cachedAuthorization
}

type cachedAuthorization struct {
	auth      *Authorization
	expiresAt time.Time
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]cachedAuthorization)}
}

// Read returns an authorization from in-process cache. Expired entries are evicted.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		a.mutex.Lock()
		delete(a.cache, token)
		a.mutex.Unlock()
		return nil
	}
	return entry.auth
}

// Write stores an authorization in the in-memory cache until expiresAt.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expiresAt time.Time) {
	a.mutex.Lock()
	a.cache[token] = cachedAuthorization{auth: auth, expiresAt: expiresAt}
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router, log logrus.FieldLogger) {
	log.Debugln("authorization")
	log.Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), log).Debugln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(auth, "", " ")
			w.Header().Set("Content-Type", "application/json")
			w.Write(jsonData)
		}
	}).Methods(http.MethodGet)
}
