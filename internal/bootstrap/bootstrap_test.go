package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/videogen-api/internal/config"
	"github.com/maauso/videogen-api/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RunwayAPIKey:        "runway-key",
		RunPodAPIKey:        "runpod-key",
		RunPodEndpointID:    "endpoint",
		PollInterval:        30 * time.Second,
		ClaimTTL:            2 * time.Minute,
		MaxRetries:          3,
		TextMaxProcessing:   5 * time.Minute,
		AvatarMaxProcessing: 30 * time.Minute,
		TempDir:             t.TempDir(),
		AuthTokens:          "tok:alice",
	}
}

func TestNewDependencies_InMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, err := NewDependencies(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	assert.Equal(t, []string{"runway", "runpod"}, deps.Providers.Names())
	assert.NotNil(t, deps.Jobs)
	assert.NotNil(t, deps.Poller)

	userID, err := deps.Auth.Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestNewDependencies_SQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "videogen.db")
	cfg.StripeWebhookSecret = "whsec_test"

	deps, err := NewDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	_, err = deps.Ledger.AddPurchased(context.Background(), "alice", 10, "ref-1")
	require.NoError(t, err)
	bal, err := deps.Ledger.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Available)

	router := server.NewRouter(deps.Handlers, deps.Auth, logger, server.DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":10`)
}

func TestNewDependencies_NATSUnreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	cfg.NATSURL = "nats://127.0.0.1:1"

	_, err := NewDependencies(context.Background(), cfg, logger)
	assert.Error(t, err)
}
