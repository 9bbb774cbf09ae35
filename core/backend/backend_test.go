package backend_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/resource"
	"github.com/relabs-tech/docrest/core/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	entity.Meta
	Title    string  `json:"title"`
	Priority float64 `json:"priority,omitempty"`
	Owner    string  `json:"owner,omitempty"`
}

func (n *note) Validate() error {
	if n.Title == "" {
		return entity.Invalid("title", "is required")
	}
	return nil
}

type testService struct {
	router  *mux.Router
	backend *backend.Backend
	tokens  *access.Tokens
}

const testConfiguration = `{
  "resources": [
    {
      "resource": "notes",
      "permits": [
        {"role": "user", "operations": ["create", "read", "list"]},
        {"role": "public", "operations": ["read"]}
      ]
    }
  ]
}`

func newTestService(t *testing.T, authorizationEnabled bool, mutate ...func(*backend.Builder)) *testService {
	t.Helper()
	config, err := backend.ParseConfiguration([]byte(testConfiguration))
	require.NoError(t, err)
	tokens, err := access.NewTokens("0123456789abcdef0123", "docrest", time.Hour)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	router := mux.NewRouter()
	builder := &backend.Builder{
		Config:               config,
		Router:               router,
		Log:                  logger.Discard(),
		Tokens:               tokens,
		Metrics:              metrics.New(registry),
		Gatherer:             registry,
		AuthorizationEnabled: authorizationEnabled,
	}
	for _, f := range mutate {
		f(builder)
	}
	b := backend.New(builder)

	notes, err := resource.New(context.Background(), resource.Definition[note, *note]{
		Name:      "note",
		Queryable: filter.Fields{"title": filter.KindString, "priority": filter.KindNumber},
		MaxLimit:  50,
	}, resource.Options{Store: memory.New(), Log: logger.Discard()})
	require.NoError(t, err)
	backend.Handle(b, notes)

	return &testService{router: router, backend: b, tokens: tokens}
}

func (s *testService) token(t *testing.T, roles ...string) string {
	token, _, err := s.tokens.Issue(&access.Authorization{UserID: uuid.New(), Identity: "test", Roles: roles})
	require.NoError(t, err)
	return token
}

func (s *testService) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		r.Header[key] = values
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func (s *testService) get(t *testing.T, path string, result interface{}) int {
	t.Helper()
	w := s.do(t, http.MethodGet, path, nil, nil)
	if result != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), result))
	}
	return w.Code
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var result T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result), w.Body.String())
	return result
}

type errorBody struct {
	Message string              `json:"message"`
	Errors  []entity.FieldError `json:"errors"`
}

type notePage struct {
	TotalDocs   int     `json:"totalDocs"`
	TotalPages  int     `json:"totalPages"`
	CurrentPage int     `json:"currentPage"`
	Docs        []*note `json:"docs"`
}

func TestLifecycle(t *testing.T) {
	s := newTestService(t, false)

	w := s.do(t, http.MethodPost, "/notes", map[string]interface{}{"title": "first", "priority": 2}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[note](t, w)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.False(t, created.IsDeleted)
	itemPath := "/notes/" + created.ID.String()

	var got note
	require.Equal(t, http.StatusOK, s.get(t, itemPath, &got))
	assert.Equal(t, "first", got.Title)

	w = s.do(t, http.MethodPatch, itemPath, `{"priority":5}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5.0, decode[note](t, w).Priority)
	assert.Equal(t, "first", decode[note](t, w).Title)

	w = s.do(t, http.MethodGet, itemPath+"/remove", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "note removed successfully", decode[errorBody](t, w).Message)

	assert.Equal(t, http.StatusNotFound, s.get(t, itemPath, nil))
	w = s.do(t, http.MethodGet, itemPath+"/remove", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var page notePage
	require.Equal(t, http.StatusOK, s.get(t, "/notes", &page))
	assert.Equal(t, 0, page.TotalDocs)
	assert.NotNil(t, page.Docs)

	w = s.do(t, http.MethodGet, itemPath+"/restore", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	restored := decode[note](t, w)
	assert.False(t, restored.IsDeleted)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, 5.0, restored.Priority)

	w = s.do(t, http.MethodDelete, itemPath, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, s.get(t, itemPath, nil))
	w = s.do(t, http.MethodGet, itemPath+"/restore", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "note not found", decode[errorBody](t, w).Message)
	w = s.do(t, http.MethodDelete, itemPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidation(t *testing.T) {
	s := newTestService(t, false)

	w := s.do(t, http.MethodPost, "/notes", `{"priority":1}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorBody](t, w)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "title", body.Errors[0].Field)

	w = s.do(t, http.MethodPost, "/notes", `{"title":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/notes", `{"title":"x"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[note](t, w).ID
	w = s.do(t, http.MethodPut, "/notes/"+id.String(), `{"title":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// not an id, no route
	w = s.do(t, http.MethodGet, "/notes/not-an-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decode[errorBody](t, w).Message)
}

func TestList(t *testing.T) {
	s := newTestService(t, false)
	for i := 1; i <= 25; i++ {
		w := s.do(t, http.MethodPost, "/notes", map[string]interface{}{"title": "note", "priority": i}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := s.do(t, http.MethodGet, "/notes?page=3&limit=10&sort=priority", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("Pagination-Limit"))
	assert.Equal(t, "25", w.Header().Get("Pagination-Total-Count"))
	assert.Equal(t, "3", w.Header().Get("Pagination-Page-Count"))
	assert.Equal(t, "3", w.Header().Get("Pagination-Current-Page"))
	page := decode[notePage](t, w)
	assert.Equal(t, 25, page.TotalDocs)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Docs, 5)
	assert.Equal(t, 21.0, page.Docs[0].Priority)

	w = s.do(t, http.MethodGet, "/notes?page=4", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[notePage](t, w).Docs)

	w = s.do(t, http.MethodGet, "/notes?filter="+escape("{priority=gte:20,owner=nobody}")+"&limit=50", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[notePage](t, w)
	assert.Equal(t, 6, page.TotalDocs)
	assert.Equal(t, 25.0, page.Docs[0].Priority) // default -createdAt

	for _, query := range []string{"page=0", "page=x", "limit=-1", "limit=51", "filter=" + escape("{priority=gte:high}")} {
		w = s.do(t, http.MethodGet, "/notes?"+query, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
		assert.NotEmpty(t, decode[errorBody](t, w).Message)
	}
}

func escape(s string) string {
	r := strings.NewReplacer("{", "%7B", "}", "%7D", "=", "%3D", ",", "%2C", ":", "%3A")
	return r.Replace(s)
}

func TestEtag(t *testing.T) {
	s := newTestService(t, false)
	w := s.do(t, http.MethodPost, "/notes", `{"title":"cached"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	itemPath := "/notes/" + decode[note](t, w).ID.String()

	for _, path := range []string{"/notes", itemPath} {
		w = s.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		etag := w.Header().Get("Etag")
		require.NotEmpty(t, etag)

		w = s.do(t, http.MethodGet, path, nil, http.Header{"If-None-Match": {etag}})
		assert.Equal(t, http.StatusNotModified, w.Code, path)
		assert.Empty(t, w.Body.String())

		w = s.do(t, http.MethodGet, path, nil, http.Header{"If-None-Match": {`"other"`}})
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestAuthorization(t *testing.T) {
	s := newTestService(t, true)
	user := http.Header{"Authorization": {"Bearer " + s.token(t, access.RoleUser)}}
	admin := http.Header{"Authorization": {"Bearer " + s.token(t, access.RoleAdmin)}}

	w := s.do(t, http.MethodPost, "/notes", `{"title":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/notes", `{"title":"x"}`, user)
	require.Equal(t, http.StatusCreated, w.Code)
	itemPath := "/notes/" + decode[note](t, w).ID.String()

	// public may read, but not list
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, itemPath, nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/notes", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/notes", nil, user).Code)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodDelete, itemPath, nil, user).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, itemPath, nil, admin).Code)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/version", nil, user).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/version", nil, admin).Code)

	w = s.do(t, http.MethodGet, "/notes", nil, http.Header{"Authorization": {"Bearer broken"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestService(t, false, func(b *backend.Builder) {
		b.RateLimit = 0.001
		b.RateBurst = 2
	})
	header := http.Header{"X-Forwarded-For": {"10.0.0.1"}}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/notes", nil, header).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/notes", nil, header).Code)
	w := s.do(t, http.MethodGet, "/notes", nil, header)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// other clients have their own budget
	other := http.Header{"X-Forwarded-For": {"10.0.0.2"}}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/notes", nil, other).Code)

	w = s.do(t, http.MethodGet, "/metrics", nil, http.Header{"X-Forwarded-For": {"10.0.0.3"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_rate_limit_hits_total 1")
}

func TestCORS(t *testing.T) {
	s := newTestService(t, false, func(b *backend.Builder) { b.CORSOrigin = "https://app.example.com" })
	w := s.do(t, http.MethodOptions, "/notes", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Pagination-Total-Count")

	w = s.do(t, http.MethodGet, "/notes", nil, nil)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestService(t, false)
	var health map[string]string
	assert.Equal(t, http.StatusOK, s.get(t, "/health", &health))
	assert.Equal(t, "ok", health["status"])

	s.do(t, http.MethodPost, "/notes", `{"title":"x"}`, nil)
	w := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="POST",route="/notes",status_code="201"} 1`)

	s = newTestService(t, false, func(b *backend.Builder) {
		b.Health = func(ctx context.Context) error { return errors.New("database down") }
	})
	w = s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConfiguration(t *testing.T) {
	config, err := backend.ParseConfiguration([]byte(testConfiguration))
	require.NoError(t, err)
	permits := config.Permits("notes")
	require.Len(t, permits, 2)
	assert.Equal(t, []core.Operation{core.OperationCreate, core.OperationRead, core.OperationList}, permits[0].Operations)
	assert.Nil(t, config.Permits("unknown"))

	_, err = backend.ParseConfiguration([]byte(`{"resources":[{"resource":"notes","permits":[{"role":"user","operations":["fly"]}]}]}`))
	assert.Error(t, err)
	_, err = backend.ParseConfiguration([]byte(`{"resources":[{"resource":"notes"},{"resource":"notes"}]}`))
	assert.Error(t, err)
}
