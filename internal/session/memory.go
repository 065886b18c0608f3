package session

import (
	"context"
	"sync"
	"time"

	"github.com/stouder/mechanic/internal/safego"
	"github.com/stouder/mechanic/internal/telemetry"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryBackend keeps sessions in process memory. Sessions are lost on
// restart and are not shared between replicas.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewMemoryBackend creates a backend whose expired entries are swept every
// sweepInterval.
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		cancel:  cancel,
	}
	b.done = safego.Every(ctx, "session-sweep", sweepInterval, b.sweep)
	return b
}

func (b *MemoryBackend) Get(_ context.Context, id string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return "", ErrNotFound
	}
	now := b.now()
	if !now.Before(e.expiresAt) {
		delete(b.entries, id)
		b.reportSize()
		return "", ErrNotFound
	}
	e.expiresAt = now.Add(ttl)
	b.entries[id] = e
	return e.value, nil
}

func (b *MemoryBackend) Set(_ context.Context, id, value string, ttl time.Duration) error {
	b.mu.Lock()
	b.entries[id] = memoryEntry{value: value, expiresAt: b.now().Add(ttl)}
	b.reportSize()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.entries, id)
	b.reportSize()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }

// Close stops the sweep goroutine.
func (b *MemoryBackend) Close() error {
	b.cancel()
	<-b.done
	return nil
}

func (b *MemoryBackend) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, id)
		}
	}
	b.reportSize()
}

// reportSize must be called with mu held.
func (b *MemoryBackend) reportSize() {
	telemetry.ActiveSessions.Set(float64(len(b.entries)))
}
