package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/ledger"
	"github.com/maauso/videogen-api/internal/provider"
	"github.com/maauso/videogen-api/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu       sync.Mutex
	content  string
	fetchErr error
	fetches  int
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Submit(_ context.Context, req provider.Request) (string, error) {
	return "task-" + req.JobID, nil
}

func (a *fakeAdapter) PollStatus(context.Context, string) (provider.Result, error) {
	return provider.Running(), nil
}

func (a *fakeAdapter) FetchArtifact(_ context.Context, location string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return io.NopCloser(strings.NewReader(a.content)), nil
}

// flakyStore fails the first n uploads and can run a hook before each upload.
type flakyStore struct {
	*storage.LocalStorage
	mu       sync.Mutex
	failures int
	uploads  []string
	deleted  []string
	before   func()
}

func (s *flakyStore) Upload(ctx context.Context, key string, data io.Reader, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	hook := s.before
	s.before = nil
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return "", errors.New("bucket unreachable")
	}
	s.uploads = append(s.uploads, key)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.LocalStorage.Upload(ctx, key, data, meta)
}

func (s *flakyStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, url)
	s.mu.Unlock()
	return s.LocalStorage.Delete(ctx, url)
}

type fakeMedia struct {
	duration float64
	thumbErr error
}

func (m *fakeMedia) ExtractThumbnail(_ context.Context, _, dst string, _ float64) error {
	if m.thumbErr != nil {
		return m.thumbErr
	}
	return os.WriteFile(dst, []byte("jpeg"), 0600)
}

func (m *fakeMedia) GetMediaDuration(context.Context, string) (float64, error) {
	return m.duration, nil
}

type testEnv struct {
	handler *Handler
	svc     *job.Service
	repo    *job.MemoryRepository
	ledger  *ledger.Ledger
	adapter *fakeAdapter
	store   *flakyStore
	media   *fakeMedia
	now     time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		repo:    job.NewMemoryRepository(),
		adapter: &fakeAdapter{content: "mp4 bytes"},
		store:   &flakyStore{LocalStorage: local},
		media:   &fakeMedia{duration: 7.5},
		now:     t0,
	}
	clock := func() time.Time { return env.now }
	env.ledger = ledger.New(ledger.NewMemoryStore(), logger, ledger.WithClock(clock))

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Registration{
		Adapter: env.adapter,
		Policy:  provider.Policy{MaxProcessing: 30 * time.Minute},
		Kinds:   []provider.Kind{provider.KindText, provider.KindAvatar},
	}))

	env.svc = job.NewService(env.repo, env.ledger, registry, logger, job.WithClock(clock))
	opts = append([]Option{WithClock(clock), WithMediaProcessor(env.media)}, opts...)
	env.handler = NewHandler(env.repo, env.svc, env.ledger, registry, env.store, logger, opts...)
	return env
}

// processingJob funds the user with 100 credits and submits a job costing 40.
func (e *testEnv) processingJob(t *testing.T) *job.Job {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.AddPurchased(ctx, "user-1", 100, "seed")
	require.NoError(t, err)

	j, err := e.svc.CreateAndSubmit(ctx, job.CreateInput{
		UserID:     "user-1",
		Kind:       provider.KindText,
		Prompt:     "a cat surfing",
		CreditCost: 40,
	})
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, j.Status)
	return j
}

func (e *testEnv) balance(t *testing.T) ledger.Balance {
	t.Helper()
	bal, err := e.ledger.Status(context.Background(), "user-1")
	require.NoError(t, err)
	return bal
}

func TestHandler_Complete(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)

	err := env.handler.Complete(context.Background(), j, provider.Succeeded("loc-1", 0))
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 7.5, j.ActualDuration, "duration probed when the provider reports none")
	assert.Equal(t, int64(len("mp4 bytes")), j.FileSizeBytes)
	assert.True(t, strings.HasSuffix(j.ArtifactURL, "/user-1/"+j.ID+".mp4"), j.ArtifactURL)
	assert.True(t, strings.HasSuffix(j.ThumbnailURL, "/user-1/"+j.ID+".jpg"), j.ThumbnailURL)
	assert.Equal(t, t0, j.ProcessingCompletedAt)

	stored, err := env.repo.FindByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)

	assert.Equal(t, ledger.Balance{Available: 60, TotalUsed: 40, TotalPurchased: 100}, env.balance(t))

	artifact := strings.TrimPrefix(j.ArtifactURL, "file://")
	content, err := os.ReadFile(filepath.FromSlash(artifact))
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(content))

	leftovers, err := filepath.Glob(filepath.Join(env.store.TempDir(), j.ID+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "spooled files are cleaned up")
}

func TestHandler_Complete_ProviderDurationWins(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)

	require.NoError(t, env.handler.Complete(context.Background(), j, provider.Succeeded("loc-1", 12)))
	assert.Equal(t, 12.0, j.ActualDuration)
}

func TestHandler_Complete_ThumbnailIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.media.thumbErr = errors.New("ffmpeg missing")
	j := env.processingJob(t)

	require.NoError(t, env.handler.Complete(context.Background(), j, provider.Succeeded("loc-1", 5)))
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Empty(t, j.ThumbnailURL)
}

func TestHandler_Complete_TwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)
	ctx := context.Background()

	require.NoError(t, env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5)))
	uploads := len(env.store.uploads)

	err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Len(t, env.store.uploads, uploads, "no re-upload")
	assert.Equal(t, 1, env.adapter.fetches, "no re-fetch")
	assert.Equal(t, ledger.Balance{Available: 60, TotalUsed: 40, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_ConcurrentCallsChargeOnce(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.handler.Complete(context.Background(), j.Clone(), provider.Succeeded("loc-1", 5)) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, ledger.Balance{Available: 60, TotalUsed: 40, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_UploadFailureRetriesUntilCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.store.failures = 100
	j := env.processingJob(t)
	ctx := context.Background()

	for i, elapsed := range []time.Duration{30 * time.Second, time.Minute, 90 * time.Second, 29 * time.Minute} {
		env.now = t0.Add(elapsed)
		err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
		require.ErrorIs(t, err, ErrArtifactPersist)

		stored, err := env.repo.FindByID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, stored.Status, "still processing at %s", elapsed)
		assert.Equal(t, i+1, stored.UploadAttempts)
		assert.Equal(t, ledger.Balance{Available: 60, Reserved: 40, TotalPurchased: 100}, env.balance(t))
	}

	env.now = t0.Add(31 * time.Minute)
	err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	require.ErrorIs(t, err, ErrArtifactPersist)

	stored, err := env.repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, job.ErrTimeoutExceeded.Error())
	assert.Equal(t, ledger.Balance{Available: 100, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_StoresPastCeilingWhenUploadSucceeds(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)

	env.now = t0.Add(45 * time.Minute)
	require.NoError(t, env.handler.Complete(context.Background(), j, provider.Succeeded("loc-1", 5)))
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, ledger.Balance{Available: 60, TotalUsed: 40, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_UploadRecovers(t *testing.T) {
	env := newTestEnv(t)
	env.store.failures = 1
	j := env.processingJob(t)
	ctx := context.Background()

	require.ErrorIs(t, env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5)), ErrArtifactPersist)
	require.NoError(t, env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5)))

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, ledger.Balance{Available: 60, TotalUsed: 40, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_ArtifactUnavailableFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fetchErr = provider.ErrArtifactUnavailable
	j := env.processingJob(t)
	ctx := context.Background()

	err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	require.ErrorIs(t, err, ErrArtifactPersist)

	stored, err := env.repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, ledger.Balance{Available: 100, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_TransientFetchKeepsProcessing(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fetchErr = provider.ErrTransient
	j := env.processingJob(t)
	ctx := context.Background()

	err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	require.ErrorIs(t, err, ErrArtifactPersist)
	assert.ErrorIs(t, err, provider.ErrTransient)

	stored, err := env.repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, stored.Status)
}

func TestHandler_Complete_CancelledBeforeCompletion(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)
	ctx := context.Background()

	_, err := env.svc.Cancel(ctx, j.ID, "user-1")
	require.NoError(t, err)

	err = env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	assert.ErrorIs(t, err, ErrJobCancelled)
	assert.Equal(t, 0, env.adapter.fetches)
	assert.Equal(t, ledger.Balance{Available: 100, TotalPurchased: 100}, env.balance(t))
}

func TestHandler_Complete_CancelRacesUpload(t *testing.T) {
	env := newTestEnv(t)
	j := env.processingJob(t)
	ctx := context.Background()

	env.store.before = func() {
		_, err := env.svc.Cancel(ctx, j.ID, "user-1")
		assert.NoError(t, err)
	}

	err := env.handler.Complete(ctx, j, provider.Succeeded("loc-1", 5))
	assert.ErrorIs(t, err, ErrJobCancelled)

	stored, err := env.repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.True(t, stored.CancelRequested)
	assert.Empty(t, stored.ArtifactURL)
	assert.Len(t, env.store.deleted, 2, "artifact and thumbnail are discarded")
	assert.Equal(t, ledger.Balance{Available: 100, TotalPurchased: 100}, env.balance(t), "never charged")
}
