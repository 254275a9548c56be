package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

const (
	defaultFlushDebounce = 2 * time.Second
	defaultEvictGrace    = 30 * time.Second
	flushRetryAttempts   = 3
	flushRetryBase       = 100 * time.Millisecond
	flushTimeout         = 10 * time.Second
)

var (
	// ErrBridgeClosed indicates the bridge has drained and refuses new work.
	ErrBridgeClosed = errors.New("document: bridge closed")

	errMissingStore = errors.New("document: store required")
)

// SaveNotifier receives a coarse notification after a durable save completes.
// Consumers re-fetch through the CRUD layer rather than receiving a diff.
type SaveNotifier interface {
	DocumentSaved(name string, actorID string)
}

// BridgeConfig describes the dependencies and tuning for a Bridge.
type BridgeConfig struct {
	Store         Store
	Logger        *zap.Logger
	Notifier      SaveNotifier
	FlushDebounce time.Duration
	EvictGrace    time.Duration
}

// Bridge owns the authoritative live instance per document name, bridging
// between the connection layer and durable storage. It is created once at
// process start and torn down with a full flush at shutdown; handlers receive
// it by injection rather than through ambient globals.
type Bridge struct {
	store    Store
	logger   *zap.Logger
	notifier SaveNotifier
	debounce time.Duration
	grace    time.Duration

	mu     sync.Mutex
	closed bool
	docs   map[string]*liveEntry
}

type liveEntry struct {
	live       *Live
	refs       int
	evictTimer *time.Timer
}

// NewBridge constructs the bridge registry.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.FlushDebounce
	if debounce <= 0 {
		debounce = defaultFlushDebounce
	}
	grace := cfg.EvictGrace
	if grace < 0 {
		grace = defaultEvictGrace
	}
	return &Bridge{
		store:    cfg.Store,
		logger:   logger,
		notifier: cfg.Notifier,
		debounce: debounce,
		grace:    grace,
		docs:     make(map[string]*liveEntry),
	}, nil
}

// Acquire returns the live instance for the name, loading it from storage on
// first access. It is idempotent: concurrent calls for the same name always
// share a single instance, which keeps the merge path single-writer despite
// many concurrent senders. Each Acquire must be paired with a Release.
//
// A transient storage failure surfaces as an error so a live document is
// never silently replaced by a fresh empty one; only a definitive not-found
// seeds a new document.
func (b *Bridge) Acquire(ctx context.Context, name string) (*Live, error) {
	if name == "" {
		return nil, fmt.Errorf("document: name required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBridgeClosed
	}

	if entry, ok := b.docs[name]; ok {
		entry.refs++
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
			entry.evictTimer = nil
		}
		return entry.live, nil
	}

	doc, err := b.loadDoc(ctx, name)
	if err != nil {
		return nil, err
	}

	live := newLive(name, doc)
	live.task = newDeferredTask(b.debounce, func() {
		if err := b.flush(context.Background(), live); err != nil {
			b.logger.Warn("debounced flush failed",
				zap.String("document", name), zap.Error(err))
		}
	})
	b.docs[name] = &liveEntry{live: live, refs: 1}
	b.logger.Info("document loaded", zap.String("document", name))
	return live, nil
}

func (b *Bridge) loadDoc(ctx context.Context, name string) (*automerge.Doc, error) {
	state, err := b.store.Fetch(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return automerge.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("document: load %s: %w", name, err)
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("document: load %s: %w", name, err)
	}
	return doc, nil
}

// Merge applies a fragment to the live instance and schedules a debounced
// flush. Rejected fragments leave the state and the flush schedule untouched.
func (b *Bridge) Merge(live *Live, fragment []byte, actorID string) error {
	if err := live.ApplyFragment(fragment, actorID); err != nil {
		return err
	}
	live.task.Schedule()
	return nil
}

// Release drops one reference to the document. When the last reference goes,
// eviction of the live instance is deferred by the idle grace period so quick
// reconnects avoid a reload; a zero grace evicts synchronously.
func (b *Bridge) Release(name string) {
	b.mu.Lock()
	entry, ok := b.docs[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		b.mu.Unlock()
		return
	}
	if b.grace == 0 {
		b.mu.Unlock()
		b.evict(name)
		return
	}
	entry.evictTimer = time.AfterFunc(b.grace, func() { b.evict(name) })
	b.mu.Unlock()
}

// evict drops the live instance once it is idle. Flush-before-evict ordering
// is mandatory: an unflushed merge racing the eviction decision is persisted
// before the instance is dropped, so a reload always observes it.
func (b *Bridge) evict(name string) {
	b.mu.Lock()
	entry, ok := b.docs[name]
	if !ok || entry.refs > 0 {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	// The entry stays registered during the flush so an Acquire racing the
	// eviction keeps sharing this instance instead of reloading a snapshot
	// that does not cover the unflushed merges yet.
	entry.live.task.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	flushErr := b.flush(ctx, entry.live)
	if flushErr != nil {
		b.logger.Error("flush before evict failed",
			zap.String("document", name), zap.Error(flushErr))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.docs[name]
	if !ok || current != entry || current.refs > 0 {
		return
	}
	if flushErr != nil || entry.live.Dirty() {
		// Either the write failed or a session merged and released again
		// while the flush was in flight; the flushed snapshot does not cover
		// the current state. Keep the instance resident and evict later, so
		// the next Acquire keeps sharing it instead of loading a stale
		// snapshot into a second instance.
		entry.evictTimer = time.AfterFunc(b.grace, func() { b.evict(name) })
		return
	}
	delete(b.docs, name)
	b.logger.Info("document evicted", zap.String("document", name))
}

// FlushNow forces a synchronous flush of the live instance, bypassing the
// debounce window.
func (b *Bridge) FlushNow(ctx context.Context, live *Live) error {
	live.task.Cancel()
	return b.flush(ctx, live)
}

// flush persists the current merged state if dirty, retrying with backoff.
// On failure the instance stays dirty and another attempt is scheduled, so a
// later flush carries the full current state rather than losing the delta.
func (b *Bridge) flush(ctx context.Context, live *Live) error {
	live.flushMu.Lock()
	defer live.flushMu.Unlock()

	state, gen, actor, dirty := live.snapshotForFlush()
	if !dirty {
		return nil
	}

	var err error
	backoff := flushRetryBase
	for attempt := 1; attempt <= flushRetryAttempts; attempt++ {
		if err = b.store.Save(ctx, live.name, state); err == nil {
			break
		}
		b.logger.Warn("document flush attempt failed",
			zap.String("document", live.name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == flushRetryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			live.task.Schedule()
			return ctx.Err()
		}
		backoff *= 2
	}
	if err != nil {
		live.task.Schedule()
		return err
	}

	live.markSaved(gen)
	if b.notifier != nil {
		b.notifier.DocumentSaved(live.name, actor)
	}
	return nil
}

// Close drains the bridge: pending debounce timers are cancelled and every
// dirty live instance is flushed synchronously before the process exits.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remaining := make([]*liveEntry, 0, len(b.docs))
	for _, entry := range b.docs {
		remaining = append(remaining, entry)
	}
	b.docs = make(map[string]*liveEntry)
	b.mu.Unlock()

	var errs []error
	for _, entry := range remaining {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		entry.live.task.Cancel()
		if err := b.flush(ctx, entry.live); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", entry.live.name, err))
		}
	}
	return errors.Join(errs...)
}
