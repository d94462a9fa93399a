// Package persist debounces document saves. Each document gets at most one
// armed timer; every Schedule call pushes the save back by the quiet period.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docsync/internal/config"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/utils"
)

const defaultRetryInterval = 200 * time.Millisecond

// Target is something whose state can be saved, normally a room.
type Target interface {
	DocumentID() string
	// Snapshot returns the current revision together with the encoded state.
	// The revision grows with every change and starts at zero for state that
	// already matches the store.
	Snapshot() (rev uint64, data []byte)
}

type Config struct {
	QuietPeriod   time.Duration
	SaveTimeout   time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// ConfigFrom maps process configuration onto scheduler settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		QuietPeriod: c.SaveQuietPeriod,
		SaveTimeout: c.SaveTimeout,
		MaxRetries:  c.SaveMaxRetries,
	}
}

type docState struct {
	target Target
	timer  *time.Timer
	gen    uint64

	// saveMu serializes saves of one document.
	saveMu   sync.Mutex
	savedRev uint64
}

type Scheduler struct {
	store   store.DocumentStore
	cfg     Config
	log     *utils.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	docs   map[string]*docState
	closed bool
}

func New(st store.DocumentStore, cfg Config, log *utils.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Scheduler{
		store:   st,
		cfg:     cfg,
		log:     log,
		metrics: m,
		docs:    make(map[string]*docState),
	}
}

// stateFor returns the state for t, resetting it when t replaces an older
// target for the same document. Caller holds s.mu.
func (s *Scheduler) stateFor(t Target) *docState {
	id := t.DocumentID()
	st, ok := s.docs[id]
	if ok && st.target == t {
		return st
	}
	if ok && st.timer != nil {
		st.timer.Stop()
	}
	st = &docState{target: t}
	s.docs[id] = st
	return st
}

// Schedule arms, or re-arms, the save timer for t.
func (s *Scheduler) Schedule(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn("save scheduled after shutdown", "documentId", t.DocumentID())
		return
	}

	st := s.stateFor(t)
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
	}
	gen := st.gen
	st.timer = time.AfterFunc(s.cfg.QuietPeriod, func() { s.fire(st, gen) })
}

func (s *Scheduler) fire(st *docState, gen uint64) {
	id := st.target.DocumentID()
	s.mu.Lock()
	if s.docs[id] != st || st.gen != gen {
		// Cancelled, re-armed or forgotten in the meantime.
		s.mu.Unlock()
		return
	}
	st.timer = nil
	t := st.target
	s.mu.Unlock()

	if err := s.save(context.Background(), st, t); err != nil {
		s.log.Error("scheduled save failed; state kept in memory and re-armed", "documentId", id, "error", err)
		s.Schedule(t)
	}
}

// FlushNow cancels any armed timer for t and saves synchronously.
func (s *Scheduler) FlushNow(ctx context.Context, t Target) error {
	s.mu.Lock()
	st := s.stateFor(t)
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	s.mu.Unlock()

	if err := s.save(ctx, st, t); err != nil {
		return models.NewSyncError(models.CodePersistenceFailed, t.DocumentID(), err)
	}
	return nil
}

// Pending reports whether a save is armed for documentID.
func (s *Scheduler) Pending(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.docs[documentID]
	return ok && st.timer != nil
}

// Forget drops the state held for t, cancelling any armed timer. State that
// already belongs to a newer target for the same document is left alone.
func (s *Scheduler) Forget(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := t.DocumentID()
	st, ok := s.docs[id]
	if !ok || st.target != t {
		return
	}
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(s.docs, id)
}

// Close stops accepting schedules and saves every document that still has
// an armed timer.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var pending []*docState
	for _, st := range s.docs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
			st.gen++
			pending = append(pending, st)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, st := range pending {
		if err := s.save(ctx, st, st.target); err != nil {
			errs = append(errs, models.NewSyncError(models.CodePersistenceFailed, st.target.DocumentID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) save(ctx context.Context, st *docState, t Target) error {
	st.saveMu.Lock()
	defer st.saveMu.Unlock()

	id := t.DocumentID()
	rev, data := t.Snapshot()
	if rev <= st.savedRev {
		s.metrics.Saves.WithLabelValues(metrics.SaveSkipped).Inc()
		return nil
	}
	if err := s.saveWithRetry(ctx, id, data); err != nil {
		return err
	}
	st.savedRev = rev
	s.log.Debug("snapshot saved", "documentId", id, "revision", rev, "bytes", len(data))
	return nil
}

func (s *Scheduler) saveWithRetry(ctx context.Context, id string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)

	op := func() error {
		saveCtx := ctx
		if s.cfg.SaveTimeout > 0 {
			var cancel context.CancelFunc
			saveCtx, cancel = context.WithTimeout(ctx, s.cfg.SaveTimeout)
			defer cancel()
		}
		start := time.Now()
		if err := s.store.Save(saveCtx, id, data); err != nil {
			return err
		}
		s.metrics.SaveDuration.Observe(time.Since(start).Seconds())
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.Saves.WithLabelValues(metrics.SaveRetry).Inc()
		s.log.Warn("snapshot save failed, retrying", "documentId", id, "error", err, "backoff", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.metrics.Saves.WithLabelValues(metrics.SaveFailed).Inc()
		return err
	}
	s.metrics.Saves.WithLabelValues(metrics.SaveOK).Inc()
	return nil
}
