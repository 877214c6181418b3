package logging_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_FileOutput(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.Format = "json"
	cfg.Output = filepath.Join(t.TempDir(), "engine.log")

	logger, err := logging.New(cfg)
	require.NoError(t, err)
	logger.Info("hello")
	assert.NoError(t, logger.Sync())
}

func TestFromContext(t *testing.T) {
	base := zap.NewExample()
	assert.Same(t, base, logging.FromContext(context.Background(), base))

	attached := zap.NewNop()
	ctx := logging.WithContext(context.Background(), attached)
	assert.Same(t, attached, logging.FromContext(ctx, base))

	assert.NotNil(t, logging.FromContext(context.Background(), nil))
}

func TestMiddleware_LogsRequests(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(zap.New(core)))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context(), nil).Info("inside handler")
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "inside handler", entries[0].Message)
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.EqualValues(t, http.StatusNotFound, entries[2].ContextMap()["status"])
}
