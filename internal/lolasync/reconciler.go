package lolasync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrNoSession is returned by a SessionResolver when no authenticated
// session is available. The drain attempt aborts and the queue is kept.
var ErrNoSession = errors.New("no resolvable session")

// Applier applies one queued action against the backend.
type Applier interface {
	Apply(ctx context.Context, a QueuedAction) error
}

// SessionResolver resolves the session the queued actions belong to.
type SessionResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// SyncState is the reconciler's explicit state: idle or syncing.
type SyncState int32

const (
	SyncIdle SyncState = iota
	SyncSyncing
)

func (s SyncState) String() string {
	if s == SyncSyncing {
		return "syncing"
	}
	return "idle"
}

// Reconciler drains the action queue when a connectivity or sync signal
// arrives. Exactly one drain runs at a time; a trigger while syncing is a
// no-op. Each applied action is removed and re-persisted individually, so
// a crash mid-drain loses nothing but already-confirmed work.
type Reconciler struct {
	queue    *ActionQueue
	applier  Applier
	sessions SessionResolver
	stats    *statsCollector

	mu     sync.Mutex
	state  SyncState
	online bool
}

func NewReconciler(queue *ActionQueue, applier Applier, sessions SessionResolver, stats *statsCollector) *Reconciler {
	return &Reconciler{
		queue:    queue,
		applier:  applier,
		sessions: sessions,
		stats:    stats,
		online:   true,
	}
}

// SetOnline records the client's connectivity belief. Triggers are ignored
// while offline.
func (r *Reconciler) SetOnline(online bool) {
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
}

func (r *Reconciler) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Trigger attempts one drain. Returns without doing anything when a drain
// is already running, the queue is empty, or the client is offline.
func (r *Reconciler) Trigger(ctx context.Context) error {
	r.mu.Lock()
	if r.state == SyncSyncing || !r.online || r.queue.IsEmpty() {
		r.mu.Unlock()
		return nil
	}
	r.state = SyncSyncing
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = SyncIdle
		r.mu.Unlock()
	}()

	return r.drain(ctx)
}

func (r *Reconciler) drain(ctx context.Context) error {
	// No session, no drain. The queue stays intact for a later attempt.
	if _, err := r.sessions.Resolve(ctx); err != nil {
		return fmt.Errorf("sync aborted: %w", err)
	}

	for _, a := range r.queue.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.applier.Apply(ctx, a); err != nil {
			// Kept for the next attempt. No user is necessarily
			// present during background sync, so just log.
			log.Printf("sync: apply %s %s failed: %v", a.Kind, a.ID, err)
			continue
		}
		if err := r.queue.remove(a.ID); err != nil {
			return err
		}
		r.stats.ObserveDrained()
	}
	return nil
}
