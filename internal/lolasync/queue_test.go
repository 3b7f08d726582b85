package lolasync

import (
	"encoding/json"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
)

func newTestQueueDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueEnqueueOrder(t *testing.T) {
	db := newTestQueueDB(t)
	q := OpenActionQueue(db)

	for _, kind := range []ActionKind{ActionFeed, ActionWater, ActionPlay} {
		if _, err := q.Enqueue(kind, nil); err != nil {
			t.Fatalf("enqueue %s: %v", kind, err)
		}
	}

	actions := q.List()
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	want := []ActionKind{ActionFeed, ActionWater, ActionPlay}
	for i, a := range actions {
		if a.Kind != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], a.Kind)
		}
	}
}

func TestQueueUniqueIDs(t *testing.T) {
	db := newTestQueueDB(t)
	q := OpenActionQueue(db)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id, err := q.Enqueue(ActionPlay, nil)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if seen[id.String()] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id.String()] = true
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	db := newTestQueueDB(t)

	q := OpenActionQueue(db)
	payload := json.RawMessage(`{"toy":"ball"}`)
	ids := make([]string, 0, 3)
	for _, kind := range []ActionKind{ActionFeed, ActionNap, ActionClean} {
		id, err := q.Enqueue(kind, payload)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id.String())
	}

	// Simulate a reload: rehydrate from the same storage.
	q = OpenActionQueue(db)
	actions := q.List()
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions after restart, got %d", len(actions))
	}
	for i, a := range actions {
		if a.ID.String() != ids[i] {
			t.Fatalf("position %d: expected id %s, got %s", i, ids[i], a.ID)
		}
	}
	if string(actions[0].Payload) != `{"toy":"ball"}` {
		t.Fatalf("payload lost: %s", actions[0].Payload)
	}
}

func TestQueueEmptyRemovesStorageKey(t *testing.T) {
	db := newTestQueueDB(t)
	q := OpenActionQueue(db)

	id, err := q.Enqueue(ActionFeed, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := db.Get([]byte(queueKey), nil); err != nil {
		t.Fatalf("storage key should exist while queue is non-empty: %v", err)
	}

	if err := q.remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty")
	}
	if _, err := db.Get([]byte(queueKey), nil); err != leveldb.ErrNotFound {
		t.Fatalf("storage key should be absent, got err=%v", err)
	}
}

func TestQueueCorruptStorageRecovers(t *testing.T) {
	db := newTestQueueDB(t)

	if err := db.Put([]byte(queueKey), []byte("{not json"), nil); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}

	q := OpenActionQueue(db)
	if !q.IsEmpty() {
		t.Fatal("corrupt storage should yield an empty queue")
	}
	if _, err := db.Get([]byte(queueKey), nil); err != leveldb.ErrNotFound {
		t.Fatalf("corrupt value should be discarded, got err=%v", err)
	}
}

func TestQueueRemoveUnknown(t *testing.T) {
	db := newTestQueueDB(t)
	q := OpenActionQueue(db)

	id, _ := q.Enqueue(ActionWater, nil)
	if err := q.remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.remove(id); err == nil {
		t.Fatal("removing a missing action should fail")
	}
}

func TestParseActionKind(t *testing.T) {
	for _, s := range []string{"feed", "water", "play", "nap", "clean"} {
		if _, err := ParseActionKind(s); err != nil {
			t.Fatalf("%s should parse: %v", s, err)
		}
	}
	if _, err := ParseActionKind("tickle"); err == nil {
		t.Fatal("unknown kind should not parse")
	}
}
