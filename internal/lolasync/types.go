package lolasync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CacheEntry is a stored snapshot of an upstream response. Entries are
// value types: handing one copy to the caller and another to the cache
// never aliases a shared body.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// ActionKind enumerates the pet interactions that may be queued offline.
type ActionKind string

const (
	ActionFeed  ActionKind = "feed"
	ActionWater ActionKind = "water"
	ActionPlay  ActionKind = "play"
	ActionNap   ActionKind = "nap"
	ActionClean ActionKind = "clean"
)

// ParseActionKind validates a raw kind string.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionFeed, ActionWater, ActionPlay, ActionNap, ActionClean:
		return k, nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// QueuedAction is one user interaction recorded while offline (or while a
// write was still in flight). It stays queued until its effect has been
// confirmed against the backend.
type QueuedAction struct {
	ID        uuid.UUID       `json:"id"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncMessage is the typed broadcast sent to attached clients when queued
// work should be retried or a new generation has claimed them.
type SyncMessage struct {
	Tag  string `json:"tag"`
	Type string `json:"type"` // "sync" | "claim"
}
