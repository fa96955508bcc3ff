package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// stubProvider serves cards from a map. Unknown participants fail with
// a retryable network error.
type stubProvider struct {
	mu    sync.Mutex
	cards map[string]*store.BusinessCard
}

func newStubProvider(cards ...*store.BusinessCard) *stubProvider {
	p := &stubProvider{cards: make(map[string]*store.BusinessCard)}
	for _, c := range cards {
		p.cards[c.ParticipantID] = c
	}
	return p
}

func (p *stubProvider) Fetch(_ context.Context, participantID string) (*store.BusinessCard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	card, ok := p.cards[participantID]
	if !ok {
		return nil, cierrors.NetworkError("registry unreachable", nil)
	}
	return card, nil
}

func acmeCard(id string) *store.BusinessCard {
	return &store.BusinessCard{
		ParticipantID: id,
		Entities: []store.Entity{{
			Names:       []store.Name{{Name: "Acme Trading GmbH"}},
			CountryCode: "AT",
		}},
	}
}

func testDaemonConfig(t *testing.T, dataDir string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketPath = testSocketPath(t)
	cfg.DataDir = dataDir
	cfg.PIDPath = filepath.Join(dataDir, "cardindex.pid")
	cfg.ShutdownGracePeriod = 5 * time.Second
	cfg.Timeout = 5 * time.Second
	return cfg
}

func memStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.New(store.Options{Backend: store.BackendBleve})
	require.NoError(t, err)
	return s
}

// runDaemon starts d and returns a stop func that cancels it and
// returns Start's error.
func runDaemon(t *testing.T, d *Daemon) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-errCh:
			case <-time.After(10 * time.Second):
				t.Error("daemon did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""

	_, err := NewDaemon(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestDaemon_StartRequiresStoreAndProvider(t *testing.T) {
	d, err := NewDaemon(testDaemonConfig(t, t.TempDir()))
	require.NoError(t, err)

	err = d.Start(context.Background())
	assert.Equal(t, cierrors.ErrCodeConfigInvalid, cierrors.GetCode(err))
}

func TestDaemon_IndexesAndSearches(t *testing.T) {
	// Given: a running daemon whose registry knows one participant
	dataDir := t.TempDir()
	cfg := testDaemonConfig(t, dataDir)
	d, err := NewDaemon(cfg,
		WithStore(memStore(t)),
		WithProvider(newStubProvider(acmeCard("0088:111"))))
	require.NoError(t, err)
	stop := runDaemon(t, d)
	client := NewClient(cfg)
	ctx := context.Background()

	// Then: the pid file names this process
	pid, err := NewPIDFile(cfg.PIDPath).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// When: the participant is enqueued
	res, err := client.Enqueue(ctx, EnqueueParams{ParticipantID: "0088:111", OwnerID: "owner-1", RequestingHost: "ap.example"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Queued, res.Result)

	// Then: the card becomes retrievable and searchable
	require.Eventually(t, func() bool {
		_, err := client.Card(ctx, "0088:111")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	doc, err := client.Card(ctx, "0088:111")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", doc.Metadata.OwnerID)
	assert.Equal(t, "ap.example", doc.Metadata.RequestingHost)

	results, err := client.Search(ctx, SearchParams{Query: "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "0088:111", results[0].ParticipantID)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Documents)
	assert.Equal(t, dataDir, status.DataDir)
	assert.True(t, status.Pipeline.Provider)

	// When: the daemon stops
	assert.ErrorIs(t, stop(), context.Canceled)

	// Then: the pid file and socket are gone
	_, err = os.Stat(cfg.PIDPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_RetryAndDeadListAdmin(t *testing.T) {
	cfg := testDaemonConfig(t, t.TempDir())
	d, err := NewDaemon(cfg, WithStore(memStore(t)), WithProvider(newStubProvider()))
	require.NoError(t, err)
	runDaemon(t, d)
	client := NewClient(cfg)
	ctx := context.Background()

	// Given: a participant the registry cannot serve
	_, err = client.Enqueue(ctx, EnqueueParams{ParticipantID: "0088:404"})
	require.NoError(t, err)

	// Then: it lands on the retry list
	var entries []pipeline.RetryEntry
	require.Eventually(t, func() bool {
		entries, err = client.RetryList(ctx)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "0088:404", entries[0].WorkItem.ParticipantID)
	assert.Zero(t, entries[0].RetryCount)

	// And: a second enqueue is deduplicated while it is retrying
	res, err := client.Enqueue(ctx, EnqueueParams{ParticipantID: "0088:404"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.AlreadyQueued, res.Result)

	// Nothing is due yet and nothing has expired.
	sum, err := client.RetryRun(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	expired, err := client.ExpireRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	dead, err := client.DeadList(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// When: the operator deletes the retry entry
	deleted, err := client.RetryDelete(ctx, IdentityParams{ParticipantID: "0088:404", Action: "CREATE_OR_UPDATE"})
	require.NoError(t, err)
	assert.True(t, deleted)

	// Then: the identity is free again
	res, err = client.Enqueue(ctx, EnqueueParams{ParticipantID: "0088:404"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Queued, res.Result)

	deleted, err = client.DeadDelete(ctx, IdentityParams{ParticipantID: "0088:404", Action: "CREATE_OR_UPDATE"})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDaemon_RetryListSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()

	// Given: a daemon that stops with a failed item on its retry list
	cfg := testDaemonConfig(t, dataDir)
	d, err := NewDaemon(cfg, WithStore(memStore(t)), WithProvider(newStubProvider()))
	require.NoError(t, err)
	stop := runDaemon(t, d)
	client := NewClient(cfg)

	_, err = client.Enqueue(context.Background(), EnqueueParams{ParticipantID: "0088:500", Action: "DELETE"})
	require.NoError(t, err)
	_, err = client.Enqueue(context.Background(), EnqueueParams{ParticipantID: "0088:501"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entries, err := client.RetryList(context.Background())
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)

	_, err = os.Stat(filepath.Join(dataDir, pipeline.RetryFile))
	require.NoError(t, err)

	// When: a new daemon starts on the same data directory
	cfg2 := testDaemonConfig(t, dataDir)
	d2, err := NewDaemon(cfg2, WithStore(memStore(t)), WithProvider(newStubProvider()))
	require.NoError(t, err)
	runDaemon(t, d2)

	// Then: the retry entry is back with its count intact
	entries, err := NewClient(cfg2).RetryList(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0088:501", entries[0].WorkItem.ParticipantID)
	assert.Zero(t, entries[0].RetryCount)
}

func TestDaemon_WriterLockConflict(t *testing.T) {
	// Given: another writer owns the data directory
	dataDir := t.TempDir()
	other := NewWriterLock(dataDir)
	require.NoError(t, other.Acquire())
	defer other.Release()

	d, err := NewDaemon(testDaemonConfig(t, dataDir), WithStore(memStore(t)), WithProvider(newStubProvider()))
	require.NoError(t, err)

	// When/Then: start refuses to run
	err = d.Start(context.Background())
	assert.Equal(t, cierrors.ErrCodeWriterLocked, cierrors.GetCode(err))
}

func TestDaemon_StalePIDFile(t *testing.T) {
	// Given: a pid file left by a process that no longer exists
	dataDir := t.TempDir()
	cfg := testDaemonConfig(t, dataDir)
	require.NoError(t, os.WriteFile(cfg.PIDPath, []byte(strconv.Itoa(stalePID)), 0644))

	d, err := NewDaemon(cfg, WithStore(memStore(t)), WithProvider(newStubProvider()))
	require.NoError(t, err)

	// When: the daemon starts
	runDaemon(t, d)

	// Then: it takes over the pid file
	pid, err := NewPIDFile(cfg.PIDPath).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
