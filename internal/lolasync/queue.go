package lolasync

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
)

// queueKey is the single fixed key holding the JSON-serialized action list.
// Absence of the key is an empty queue.
const queueKey = "q:actions"

// ActionQueue is the durable FIFO of pet actions taken while offline.
// Every mutation re-serializes the whole list to leveldb before returning,
// so the stored value is always an exact mirror of the in-memory queue.
type ActionQueue struct {
	db *leveldb.DB

	mu      sync.Mutex
	actions []QueuedAction
}

// OpenActionQueue rehydrates the queue from storage. A corrupt stored value
// is discarded and the queue starts empty; startup never fails on it.
func OpenActionQueue(db *leveldb.DB) *ActionQueue {
	q := &ActionQueue{db: db}
	b, err := db.Get([]byte(queueKey), nil)
	if err != nil {
		return q
	}
	var actions []QueuedAction
	if err := json.Unmarshal(b, &actions); err != nil {
		log.Printf("action queue: discarding corrupt stored queue: %v", err)
		_ = db.Delete([]byte(queueKey), nil)
		return q
	}
	q.actions = actions
	return q
}

// Enqueue records one action and persists the queue. It never touches the
// network; the returned id is handed back to the caller immediately.
func (q *ActionQueue) Enqueue(kind ActionKind, payload json.RawMessage) (uuid.UUID, error) {
	a := QueuedAction{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, a)
	if err := q.persistLocked(); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		return uuid.Nil, err
	}
	return a.ID, nil
}

// List returns a snapshot of queued actions, oldest first.
func (q *ActionQueue) List() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedAction, len(q.actions))
	copy(out, q.actions)
	return out
}

func (q *ActionQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions) == 0
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// remove deletes one action by id and persists. Called by the reconciler
// right after that action has been applied against the backend.
func (q *ActionQueue) remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return q.persistLocked()
		}
	}
	return fmt.Errorf("action %s not queued", id)
}

// persistLocked writes the queue under queueKey, or deletes the key when
// the queue is empty. Callers hold q.mu.
func (q *ActionQueue) persistLocked() error {
	if len(q.actions) == 0 {
		return q.db.Delete([]byte(queueKey), nil)
	}
	b, err := json.Marshal(q.actions)
	if err != nil {
		return err
	}
	return q.db.Put([]byte(queueKey), b, nil)
}
