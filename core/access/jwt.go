package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/sirupsen/logrus"
)

// CookieName is the name of the cookie which may carry the token instead of the
// Authorization header
const CookieName = "Docrest-JWT"

// Claims are the claims of an access token
type Claims struct {
	Identity string   `json:"identity"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 signed access tokens
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token issuer. Tokens are valid for ttl.
func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must have at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for the authorization and its expiry time
func (t *Tokens) Issue(auth *Authorization) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		Identity: auth.Identity,
		Roles:    auth.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   auth.UserID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cannot sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses and verifies a token and returns the authorization it carries
func (t *Tokens) Verify(tokenString string) (*Authorization, time.Time, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, time.Time{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Issuer != t.issuer {
		return nil, time.Time{}, errors.New("invalid token issuer")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid token subject: %w", err)
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &Authorization{UserID: userID, Identity: claims.Identity, Roles: claims.Roles}, expiresAt, nil
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer token.
//
// Java-Web-Token (JWT) are accepted as "Authorization: Bearer" header or as
// "Docrest-JWT"-cookie.
//
// Requests without token pass unauthorized. This is a final handler with regards to
// the bearer token: it returns http.StatusUnauthorized when a token is available but invalid.
func NewJwtMiddleware(tokens *Tokens, log logrus.FieldLogger) mux.MiddlewareFunc {
	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else if cookie, _ := r.Cookie(CookieName); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				var expiresAt time.Time
				var err error
				auth, expiresAt, err = tokens.Verify(tokenString)
				if err != nil {
					logger.FromContext(r.Context(), log).WithError(err).Debugln("rejected token")
					writeUnauthorized(w, "invalid token")
					return
				}
				authCache.Write(tokenString, auth, expiresAt)
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), log, auth.Identity)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"message\":%q}\n", message)
}
