package rooms

import (
	"context"
	"sketchboard-server/core"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultSaveInterval is how often each resident room runs its
	// maintenance cycle (waiter dismissal, save, idle check).
	DefaultSaveInterval = 30 * time.Second

	// DefaultIdleTimeout is how long a room must go without externally
	// observable activity before the maintenance cycle evicts it.
	DefaultIdleTimeout = 5 * time.Minute
)

type (
	// Options configures a Registry.
	Options struct {
		Store        core.BlobStore
		SaveInterval time.Duration
		IdleTimeout  time.Duration
	}

	// Registry is the process-wide map from room id to resident Room. It
	// guarantees at most one in-memory Room per id; a room leaves the map
	// only through idle eviction or Close. Get and eviction are the two
	// mutation sites and both serialize on the registry mutex.
	Registry struct {
		store        core.BlobStore
		saveInterval time.Duration
		idleTimeout  time.Duration

		mu       sync.Mutex
		resident map[string]*resident
		closed   bool

		wg sync.WaitGroup
	}

	resident struct {
		room *Room
		stop chan struct{}
	}

	// RoomInfo is a point-in-time view of a resident room, served by the
	// room listing endpoint.
	RoomInfo struct {
		ID          string `json:"id"`
		LogicalTime int64  `json:"logicalTime"`
		LastActive  int64  `json:"lastActive"`
	}
)

// NewRegistry creates an empty registry backed by the given blob store.
// Zero durations fall back to the defaults.
func NewRegistry(opts Options) *Registry {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		store:        opts.Store,
		saveInterval: opts.SaveInterval,
		idleTimeout:  opts.IdleTimeout,
		resident:     make(map[string]*resident),
	}
}

// Get returns the resident Room for id, creating it if absent. A created
// room has its one-shot disk load and its maintenance loop started before
// any caller can observe it; callers racing on the same id all receive the
// same pointer and wait on the same load.
func (g *Registry) Get(ctx context.Context, id string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if res, ok := g.resident[id]; ok {
		g.mu.Unlock()
		return res.room, nil
	}

	room := newRoom(id, g.store)
	room.startLoad()

	res := &resident{room: room, stop: make(chan struct{})}
	g.resident[id] = res

	if !g.closed {
		g.wg.Add(1)
		go g.maintain(res)
	}
	g.mu.Unlock()

	logrus.WithField("room_id", id).Info("Room created")
	return room, nil
}

// Rooms lists the currently resident rooms; ordering is left to callers.
func (g *Registry) Rooms() []RoomInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	infos := make([]RoomInfo, 0, len(g.resident))
	for id, res := range g.resident {
		infos = append(infos, RoomInfo{
			ID:          id,
			LogicalTime: res.room.LogicalTime(),
			LastActive:  res.room.LastAccess().UnixMilli(),
		})
	}
	return infos
}

// Touch marks a room as active if it is resident. Used by the presence
// relay so realtime traffic counts toward the idle check.
func (g *Registry) Touch(id string) {
	g.mu.Lock()
	res, ok := g.resident[id]
	g.mu.Unlock()

	if ok {
		res.room.Touch()
	}
}

// maintain runs one room's periodic cycle: dismiss parked readers, persist
// dirty state, and evict the room once it has been idle for the configured
// threshold. Save failures are logged and retried on the next period; they
// never take the room out of service.
func (g *Registry) maintain(res *resident) {
	defer g.wg.Done()

	room := res.room
	ticker := time.NewTicker(g.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-res.stop:
			g.finalSave(room)
			return
		case <-ticker.C:
			room.DismissWaiters()

			before := room.LastAccess()

			ctx, cancel := context.WithTimeout(context.Background(), g.saveInterval)
			err := room.Save(ctx)
			cancel()
			if err != nil {
				logrus.WithField("room_id", room.ID).WithError(err).Warn("Periodic save failed, will retry")
				continue
			}

			// Re-read after the save: activity that arrived while the
			// write was in flight vetoes eviction this cycle.
			if time.Since(before) >= g.idleTimeout && room.LastAccess().Equal(before) {
				g.evict(res)
				return
			}
		}
	}
}

func (g *Registry) evict(res *resident) {
	g.mu.Lock()
	if current, ok := g.resident[res.room.ID]; ok && current == res {
		delete(g.resident, res.room.ID)
	}
	g.mu.Unlock()

	// Anything still parked on this instance belongs to a dead room;
	// wake it so the client re-polls and lands on a fresh instance.
	res.room.DismissWaiters()

	logrus.WithField("room_id", res.room.ID).Info("Idle room evicted")
}

func (g *Registry) finalSave(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := room.Save(ctx); err != nil {
		logrus.WithField("room_id", room.ID).WithError(err).Error("Final save on shutdown failed")
	}
}

// Close stops every maintenance loop, persists dirty rooms, and empties the
// registry. The registry must not be used afterward.
func (g *Registry) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	stops := make([]chan struct{}, 0, len(g.resident))
	for _, res := range g.resident {
		stops = append(stops, res.stop)
	}
	g.resident = make(map[string]*resident)
	g.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	g.wg.Wait()
}
