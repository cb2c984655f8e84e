package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sketchboard-server/core"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Room owns one drawing session: its logical clock, the log of edits not yet
// folded into the snapshot image, the snapshot itself, and the set of parked
// long-poll readers. All state transitions happen under a single mutex, so a
// mutation is atomic with respect to every other operation on the same room.
type Room struct {
	ID string

	store core.BlobStore

	loadOnce sync.Once
	loaded   chan struct{}

	mu            sync.Mutex
	logicalTime   int64
	editLog       []core.Edit
	snapshotImage []byte
	lastSaveTime  int64
	lastAccess    time.Time
	waiters       []chan struct{}
}

func newRoom(id string, store core.BlobStore) *Room {
	return &Room{
		ID:         id,
		store:      store,
		loaded:     make(chan struct{}),
		lastAccess: time.Now(),
	}
}

// startLoad kicks off the single load attempt for this room instance. Every
// operation waits on the same outcome; a second load is never started.
func (r *Room) startLoad() {
	r.loadOnce.Do(func() {
		go r.load()
	})
}

func (r *Room) load() {
	defer close(r.loaded)

	log := logrus.WithField("room_id", r.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := r.store.Load(ctx, r.ID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Debug("No persisted state, starting empty room")
		} else {
			log.WithError(err).Warn("Failed to load room state, starting empty")
		}
		return
	}

	var state core.RoomState
	if err := json.Unmarshal(data, &state); err != nil {
		log.WithError(err).Warn("Persisted room state is corrupt, starting empty")
		return
	}

	r.mu.Lock()
	r.snapshotImage = state.Image
	r.logicalTime = state.LogicalTime
	r.editLog = state.Edits
	r.lastSaveTime = state.LogicalTime
	r.mu.Unlock()

	log.WithFields(logrus.Fields{
		"logical_time": state.LogicalTime,
		"pending":      len(state.Edits),
	}).Info("Room state loaded")
}

// ensureLoaded blocks until the room's one-shot load attempt has finished.
func (r *Room) ensureLoaded(ctx context.Context) error {
	r.startLoad()
	select {
	case <-r.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply appends edits to the log in order and advances the logical clock by
// len(edits). The returned logical time is the client's delivery receipt.
// Parked readers are woken after the mutation completes.
func (r *Room) Apply(ctx context.Context, edits []core.Edit) (int64, error) {
	if len(edits) == 0 {
		return 0, core.ErrEmptyBatch
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.editLog = append(r.editLog, edits...)
	r.logicalTime += int64(len(edits))
	r.lastAccess = time.Now()
	now := r.logicalTime
	r.wakeWaitersLocked()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":      r.ID,
		"batch_size":   len(edits),
		"logical_time": now,
	}).Debug("Edits applied")

	return now, nil
}

// Updates returns the edits applied strictly after the given logical time.
// A fully caught-up caller parks until the next mutation or until the
// maintenance cycle dismisses it; dismissal yields an empty, non-error
// result that tells the client to re-issue the poll.
func (r *Room) Updates(ctx context.Context, from int64) ([]core.Edit, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.lastAccess = time.Now()

	if from < r.logicalTime-int64(len(r.editLog)) {
		r.mu.Unlock()
		return nil, core.ErrOutOfRange
	}

	if from >= r.logicalTime {
		wait := r.addWaiterLocked()
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		r.mu.Lock()

		// Re-evaluate after the wake-up: a snapshot may have advanced
		// the horizon past this cursor while the waiter was scheduled.
		if from < r.logicalTime-int64(len(r.editLog)) {
			r.mu.Unlock()
			return nil, core.ErrOutOfRange
		}
	}

	edits := r.suffixLocked(from)
	r.mu.Unlock()
	return edits, nil
}

// suffixLocked copies the tail of the log after the given logical time.
// An empty slice (never nil) means "nothing new since from".
func (r *Room) suffixLocked(from int64) []core.Edit {
	n := r.logicalTime - from
	if n <= 0 {
		return []core.Edit{}
	}
	tail := r.editLog[int64(len(r.editLog))-n:]
	out := make([]core.Edit, len(tail))
	copy(out, tail)
	return out
}

// SnapshotTime is the logical time represented by the current snapshot
// image; edits after it are still held individually in the log.
func (r *Room) SnapshotTime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logicalTime - int64(len(r.editLog))
}

// Snapshot installs a client-rendered image compacting the log up to the
// given logical time. Stale or duplicate compactions (upTo at or before the
// current snapshot time) leave the log untouched; the snapshot never moves
// backward. A persistence attempt is always made afterward because clients
// use this call as a durability point.
func (r *Room) Snapshot(ctx context.Context, upTo int64, image []byte) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if upTo > r.logicalTime {
		upTo = r.logicalTime
	}
	snapTime := r.logicalTime - int64(len(r.editLog))
	if upTo > snapTime {
		r.snapshotImage = image
		r.editLog = append([]core.Edit(nil), r.editLog[upTo-snapTime:]...)
	}
	r.lastAccess = time.Now()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":       r.ID,
		"snapshot_time": upTo,
		"image_size":    len(image),
	}).Debug("Snapshot submitted")

	return r.save(ctx, true)
}

// ReadSnapshot returns the current snapshot image and the logical time it
// represents, or core.ErrNoSnapshot when the room was never snapshotted.
func (r *Room) ReadSnapshot(ctx context.Context) (int64, []byte, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return 0, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastAccess = time.Now()
	if r.snapshotImage == nil {
		return 0, nil, core.ErrNoSnapshot
	}
	return r.logicalTime - int64(len(r.editLog)), r.snapshotImage, nil
}

// Save persists the room's durable state if anything changed since the last
// successful save. Used by the maintenance cycle; failures are retried on
// the next period.
func (r *Room) Save(ctx context.Context) error {
	return r.save(ctx, false)
}

func (r *Room) save(ctx context.Context, force bool) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if !force && r.logicalTime == r.lastSaveTime {
		r.mu.Unlock()
		return nil
	}
	state := core.RoomState{
		Image:       r.snapshotImage,
		LogicalTime: r.logicalTime,
		Edits:       append([]core.Edit{}, r.editLog...),
	}
	r.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"room_id":      r.ID,
		"logical_time": state.LogicalTime,
	})

	if err := r.store.Save(ctx, r.ID, data); err != nil {
		log.WithError(err).Error("Failed to persist room state")
		return err
	}

	r.mu.Lock()
	if state.LogicalTime > r.lastSaveTime {
		r.lastSaveTime = state.LogicalTime
	}
	r.mu.Unlock()

	log.Debug("Room state persisted")
	return nil
}

// LogicalTime is the count of edits ever applied to this room.
func (r *Room) LogicalTime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logicalTime
}

// LastAccess is the wall-clock time of the last externally observable
// operation on this room.
func (r *Room) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

// Touch records external activity (e.g. realtime presence traffic) so the
// room is not considered idle by the maintenance cycle.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastAccess = time.Now()
	r.mu.Unlock()
}
