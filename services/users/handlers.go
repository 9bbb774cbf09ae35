package users

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/logger"
)

// MaxProfilePictureSize is the maximum size of an uploaded profile picture
const MaxProfilePictureSize = 5 << 20

// profilePictureURLValidity is the validity of the redirect to a stored profile picture
const profilePictureURLValidity = time.Hour

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type updateMeRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type updatePasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Service) handleRoutes() {
	router := s.backend.Router()
	s.log.Debugln("  handle routes: /auth/register POST")
	s.log.Debugln("  handle routes: /auth/login POST")
	s.log.Debugln("  handle routes: /users/me GET,PUT")
	s.log.Debugln("  handle routes: /users/me/password PUT")
	s.log.Debugln("  handle routes: /users/me/profile-picture POST")
	s.log.Debugln("  handle routes: /users/{id}/profile-picture GET")

	router.HandleFunc("/auth/register", s.register).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/auth/login", s.login).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/users/me", s.getMe).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/users/me", s.updateMe).Methods(http.MethodOptions, http.MethodPut, http.MethodPatch)
	router.HandleFunc("/users/me/password", s.updateMePassword).Methods(http.MethodOptions, http.MethodPut)
	router.HandleFunc("/users/me/profile-picture", s.updateMeProfilePicture).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/users/"+backend.IDPattern+"/profile-picture", s.profilePicture).Methods(http.MethodOptions, http.MethodGet)
}

// decodeBody decodes a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, backend.MaxBodySize))
	if err != nil {
		return entity.Invalid("body", fmt.Sprintf("cannot read body: %v", err))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return entity.Invalid("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.backend.WriteError(w, r, "Error 4771", "user", err)
		return
	}
	if req.Password != req.ConfirmPassword {
		s.backend.WriteError(w, r, "Error 4771", "user", entity.Invalid("confirmPassword", "passwords do not match"))
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"username":  req.Username,
		"email":     req.Email,
		"password":  req.Password,
		"firstName": req.FirstName,
		"lastName":  req.LastName,
		"role":      access.RoleUser,
		"isActive":  true,
	})
	if err != nil {
		s.backend.WriteError(w, r, "Error 4771", "user", err)
		return
	}
	if _, err := s.Users.Create(r.Context(), payload); err != nil {
		s.backend.WriteError(w, r, "Error 4771", "user", err)
		return
	}
	s.backend.WriteJSON(w, r, http.StatusCreated, messageResponse{Message: "User registered successfully"})
}

func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context(), s.log)
	rlog.Debugln("called route for", r.URL, r.Method)
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.backend.WriteError(w, r, "Error 4772", "user", err)
		return
	}
	user, err := s.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInactive) {
		s.metrics.RecordLogin("failure")
		rlog.Infof("login failed for %s: %v", req.Email, err)
		s.backend.WriteJSON(w, r, http.StatusUnauthorized, messageResponse{Message: err.Error()})
		return
	}
	if err != nil {
		s.metrics.RecordLogin("failure")
		s.backend.WriteError(w, r, "Error 4772", "user", err)
		return
	}

	token, expiresAt, err := s.tokens.Issue(&access.Authorization{
		UserID:   user.ID,
		Identity: user.Email,
		Roles:    []string{user.Role},
	})
	if err != nil {
		s.metrics.RecordLogin("failure")
		s.backend.WriteError(w, r, "Error 4773", "user", err)
		return
	}
	s.metrics.RecordLogin("success")
	http.SetCookie(w, &http.Cookie{
		Name:     access.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.backend.WriteJSON(w, r, http.StatusOK, loginResponse{Message: "Logged in successfully", Token: token, ExpiresAt: expiresAt})
}

// me returns the id of the authenticated user. It writes 401 and returns false for
// unauthenticated requests.
func (s *Service) me(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil || auth.UserID == uuid.Nil {
		s.backend.WriteError(w, r, "", "user", backend.ErrUnauthorized)
		return uuid.Nil, false
	}
	return auth.UserID, true
}

func (s *Service) getMe(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	id, ok := s.me(w, r)
	if !ok {
		return
	}
	user, err := s.Users.Get(r.Context(), id)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4774", "user", err)
		return
	}
	s.backend.WriteJSON(w, r, http.StatusOK, user)
}

func (s *Service) updateMe(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	id, ok := s.me(w, r)
	if !ok {
		return
	}
	var req updateMeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.backend.WriteError(w, r, "Error 4775", "user", err)
		return
	}
	// empty values keep the current ones
	changes := map[string]interface{}{}
	if req.Username != "" {
		changes["username"] = req.Username
	}
	if req.FirstName != "" {
		changes["firstName"] = req.FirstName
	}
	if req.LastName != "" {
		changes["lastName"] = req.LastName
	}
	s.update(w, r, id, changes, "Error 4775")
}

func (s *Service) updateMePassword(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	id, ok := s.me(w, r)
	if !ok {
		return
	}
	var req updatePasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.backend.WriteError(w, r, "Error 4776", "user", err)
		return
	}
	if req.NewPassword == "" {
		s.backend.WriteError(w, r, "Error 4776", "user", entity.Invalid("newPassword", "is required"))
		return
	}
	s.update(w, r, id, map[string]interface{}{"password": req.NewPassword}, "Error 4776")
}

func (s *Service) updateMeProfilePicture(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context(), s.log)
	rlog.Debugln("called route for", r.URL, r.Method)
	id, ok := s.me(w, r)
	if !ok {
		return
	}
	if s.kss == nil {
		s.backend.WriteError(w, r, "Error 4777", "user", errors.New("no key storage configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxProfilePictureSize+1024)
	file, header, err := r.FormFile("profilePicture")
	if err != nil {
		s.backend.WriteError(w, r, "Error 4777", "user", entity.Invalid("profilePicture", "Profile picture is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, MaxProfilePictureSize+1))
	if err != nil {
		s.backend.WriteError(w, r, "Error 4777", "user", entity.Invalid("profilePicture", "cannot read file"))
		return
	}
	if len(data) > MaxProfilePictureSize {
		s.backend.WriteError(w, r, "Error 4777", "user", entity.Invalid("profilePicture", "file is too large"))
		return
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		s.backend.WriteError(w, r, "Error 4777", "user", entity.Invalid("profilePicture", "must be an image"))
		return
	}

	key := "users/" + id.String() + "/profile-picture" + strings.ToLower(path.Ext(header.Filename))
	if err := s.kss.Put(r.Context(), key, contentType, bytes.NewReader(data)); err != nil {
		s.backend.WriteError(w, r, "Error 4778", "user", err)
		return
	}
	var previousKey string
	user, err := s.Users.Modify(r.Context(), id, func(u *User) error {
		previousKey = u.ProfilePictureKey
		u.ProfilePictureKey = key
		u.ProfilePicture = "/users/" + id.String() + "/profile-picture"
		return nil
	})
	if err != nil {
		s.backend.WriteError(w, r, "Error 4778", "user", err)
		return
	}
	if previousKey != "" && previousKey != key {
		if err := s.kss.Delete(r.Context(), previousKey); err != nil {
			rlog.WithError(err).Errorf("Error 4779: cannot delete previous profile picture %s", previousKey)
		}
	}
	s.backend.WriteJSON(w, r, http.StatusOK, user)
}

// profilePicture redirects to the current profile picture of a user
// profilePicture redirects to the picture of any user. Every logged in user may see it, not only
// those with read permits on users.
func (s *Service) profilePicture(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	if _, ok := s.me(w, r); !ok {
		return
	}
	id, _ := uuid.Parse(mux.Vars(r)["id"])
	user, err := s.Users.Lookup(r.Context(), idPredicate(id))
	if err != nil {
		s.backend.WriteError(w, r, "Error 4780", "user", err)
		return
	}
	if user.ProfilePictureKey == "" || s.kss == nil {
		target := user.ProfilePicture
		if target == "" || user.ProfilePictureKey != "" {
			target = identicon(user)
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}
	url, err := s.kss.GetURL(r.Context(), user.ProfilePictureKey, profilePictureURLValidity)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4780", "user", err)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func idPredicate(id uuid.UUID) filter.Predicate {
	return filter.Predicate{{Field: entity.FieldID, Op: filter.Eq, Value: id.String()}}
}

func (s *Service) update(w http.ResponseWriter, r *http.Request, id uuid.UUID, changes map[string]interface{}, code string) {
	payload, err := json.Marshal(changes)
	if err != nil {
		s.backend.WriteError(w, r, code, "user", err)
		return
	}
	user, err := s.Users.Update(r.Context(), id, payload)
	if err != nil {
		s.backend.WriteError(w, r, code, "user", err)
		return
	}
	s.backend.WriteJSON(w, r, http.StatusOK, user)
}
