package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextWithLogger(t *testing.T) {
	base := Discard()

	ctx, rlog := ContextWithLogger(context.Background(), base)
	assert.NotNil(t, rlog)
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)

	// a context which already has a logger keeps it
	ctx2, rlog2 := ContextWithLogger(ctx, base)
	assert.Equal(t, id, RequestIDFromContext(ctx2))
	assert.Equal(t, rlog, rlog2)

	ctx3, rlog3 := ContextWithLoggerIdentity(ctx, base, "admin")
	assert.Equal(t, id, RequestIDFromContext(ctx3))
	assert.Equal(t, "admin", rlog3.Data[identityLoggerKey])
}

func TestFromContextFallback(t *testing.T) {
	base := Discard()
	assert.Equal(t, logrus.FieldLogger(base), FromContext(context.Background(), base))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(Middleware(Discard()))
	var requestID string
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		requestID = RequestIDFromContext(r.Context())
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, requestID)
}
