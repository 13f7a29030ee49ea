package coordinator

import (
	"sort"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Observer is notified about sync activity. Methods are called
// synchronously after the pass has committed and must not call back into
// the coordinator's passes.
type Observer interface {
	// OnSyncCompleted is called after every successful pass.
	OnSyncCompleted(entry schema.SyncHistoryEntry)

	// OnSyncError is called after every failed pass.
	OnSyncError(entry schema.SyncHistoryEntry, err error)

	// OnConflict is called for every conflict detected by a pass.
	OnConflict(c *conflict.Conflict)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	Completed   func(entry schema.SyncHistoryEntry)
	Failed      func(entry schema.SyncHistoryEntry, err error)
	ConflictFor func(c *conflict.Conflict)
}

func (f ObserverFuncs) OnSyncCompleted(entry schema.SyncHistoryEntry) {
	if f.Completed != nil {
		f.Completed(entry)
	}
}

func (f ObserverFuncs) OnSyncError(entry schema.SyncHistoryEntry, err error) {
	if f.Failed != nil {
		f.Failed(entry, err)
	}
}

func (f ObserverFuncs) OnConflict(c *conflict.Conflict) {
	if f.ConflictFor != nil {
		f.ConflictFor(c)
	}
}

// Subscribe registers o and returns a function that removes it.
func (c *Coordinator) Subscribe(o Observer) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = o

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.observers[id])
	}
	return out
}

func (c *Coordinator) notifyCompleted(entry schema.SyncHistoryEntry, conflicts []*conflict.Conflict) {
	for _, o := range c.snapshotObservers() {
		for _, cf := range conflicts {
			o.OnConflict(cf)
		}
		o.OnSyncCompleted(entry)
	}
}

func (c *Coordinator) notifyFailed(entry schema.SyncHistoryEntry, err error) {
	for _, o := range c.snapshotObservers() {
		o.OnSyncError(entry, err)
	}
}
