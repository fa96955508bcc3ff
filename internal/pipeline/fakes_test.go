package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is safe for use from the consumer goroutine.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProvider returns cards unless told otherwise per participant.
type fakeProvider struct {
	mu       sync.Mutex
	missing  map[string]bool
	panicOn  map[string]bool
	fetches  map[string]int
	fetchErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		missing: make(map[string]bool),
		panicOn: make(map[string]bool),
		fetches: make(map[string]int),
	}
}

func (p *fakeProvider) Fetch(_ context.Context, id string) (*store.BusinessCard, error) {
	p.mu.Lock()
	p.fetches[id]++
	missing, panics, fetchErr := p.missing[id], p.panicOn[id], p.fetchErr
	p.mu.Unlock()

	if panics {
		panic("registry exploded")
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if missing {
		return nil, cierrors.New(cierrors.ErrCodeCardNotFound, "no card for "+id, nil)
	}
	return &store.BusinessCard{
		ParticipantID: id,
		Entities: []store.Entity{{
			Names:       []store.Name{{Name: "Card " + id}},
			CountryCode: "AT",
		}},
	}, nil
}

func (p *fakeProvider) SetMissing(id string, missing bool) {
	p.mu.Lock()
	p.missing[id] = missing
	p.mu.Unlock()
}

func (p *fakeProvider) SetPanic(id string, v bool) {
	p.mu.Lock()
	p.panicOn[id] = v
	p.mu.Unlock()
}

func (p *fakeProvider) Fetches(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[id]
}

// fakeStore records every write in order. Writes for the participant in
// block wait on release after signalling entered.
type fakeStore struct {
	mu         sync.Mutex
	docs       map[string]store.Document
	calls      []string
	failDelete bool
	closed     bool

	block   string
	entered chan struct{}
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]store.Document)}
}

// Block makes the next write for id wait until Release.
func (s *fakeStore) Block(id string) {
	s.mu.Lock()
	s.block = id
	s.entered = make(chan struct{})
	s.release = make(chan struct{})
	s.mu.Unlock()
}

func (s *fakeStore) Entered() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered
}

func (s *fakeStore) Release() {
	s.mu.Lock()
	ch := s.release
	s.mu.Unlock()
	close(ch)
}

func (s *fakeStore) wait(id string) {
	s.mu.Lock()
	if s.block != id {
		s.mu.Unlock()
		return
	}
	s.block = ""
	entered, release := s.entered, s.release
	s.mu.Unlock()

	close(entered)
	<-release
}

func (s *fakeStore) CreateOrUpdate(_ context.Context, card *store.BusinessCard, meta store.Metadata) error {
	s.wait(card.ParticipantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, card.ParticipantID+"/"+string(ActionCreateOrUpdate))
	s.docs[card.ParticipantID] = store.Document{Card: *card, Metadata: meta}
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.wait(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id+"/"+string(ActionDelete))
	if s.failDelete {
		return cierrors.New(cierrors.ErrCodeStorageFailed, "index is read-only", nil)
	}
	delete(s.docs, id)
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, cierrors.New(cierrors.ErrCodeCardNotFound, "not indexed", nil)
	}
	return &d, nil
}

func (s *fakeStore) Search(context.Context, string, int) ([]store.SearchResult, error) {
	return nil, errors.New("not supported")
}

func (s *fakeStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs), nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeScheduler records hooks instead of running them.
type fakeScheduler struct {
	mu        sync.Mutex
	hooks     map[string]func(context.Context)
	intervals map[string]time.Duration
	cancelled map[string]bool
	failOn    string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		hooks:     make(map[string]func(context.Context)),
		intervals: make(map[string]time.Duration),
		cancelled: make(map[string]bool),
	}
}

func (s *fakeScheduler) Every(name string, interval time.Duration, fn func(context.Context)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.failOn {
		return nil, errors.New("scheduler refused " + name)
	}
	s.hooks[name] = fn
	s.intervals[name] = interval
	return func() {
		s.mu.Lock()
		s.cancelled[name] = true
		s.mu.Unlock()
	}, nil
}

func (s *fakeScheduler) Fire(name string) {
	s.mu.Lock()
	fn := s.hooks[name]
	s.mu.Unlock()
	fn(context.Background())
}

func (s *fakeScheduler) Cancelled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[name]
}

type harness struct {
	m        *Manager
	clock    *fakeClock
	provider *fakeProvider
	store    *fakeStore
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		provider: newFakeProvider(),
		store:    newFakeStore(),
		dir:      t.TempDir(),
	}
	h.m = h.start(t)
	return h
}

// start builds a manager over the harness collaborators.
func (h *harness) start(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Options{
		Provider: h.provider,
		Store:    h.store,
		DataDir:  h.dir,
		Clock:    h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// waitReleased waits until id is no longer owned by the pipeline.
func (h *harness) waitReleased(t *testing.T, id Identity) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.m.InFlight(id) },
		2*time.Second, 5*time.Millisecond, "identity %s still in flight", id)
}

// waitRetrying waits until the retry list holds n entries.
func (h *harness) waitRetrying(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Stats().Retrying == n },
		2*time.Second, 5*time.Millisecond, "expected %d retry entries", n)
}
