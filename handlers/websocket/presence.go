package websocket

import (
	"regexp"
	"sync"

	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"github.com/sirupsen/logrus"
)

// Toucher marks a room as active so realtime presence traffic counts toward
// the registry's idle check. Satisfied by *rooms.Registry.
type Toucher interface {
	Touch(id string)
}

var (
	occupancy   = make(map[string]int)
	occupancyMu sync.RWMutex
)

// Occupancy reports the number of connected sockets per room.
func Occupancy() map[string]int {
	occupancyMu.RLock()
	defer occupancyMu.RUnlock()

	out := make(map[string]int, len(occupancy))
	for id, n := range occupancy {
		out[id] = n
	}
	return out
}

func setOccupancy(roomID string, n int) {
	occupancyMu.Lock()
	if n <= 0 {
		delete(occupancy, roomID)
	} else {
		occupancy[roomID] = n
	}
	occupancyMu.Unlock()
}

// SetupSocketIO wires the presence relay: clients join a room, learn who
// else is present, and exchange volatile pointer/cursor traffic that never
// touches the edit log. Every join and broadcast refreshes the room's
// activity clock via the Toucher.
func SetupSocketIO(toucher Toucher) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin: []any{
			localhostOrigin,
		},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		me := socket.Id()
		_ = srv.To(socketio.Room(me)).Emit("init-room")

		socket.On("join-room", func(datas ...any) {
			if len(datas) == 0 {
				return
			}
			roomID, ok := datas[0].(string)
			if !ok || roomID == "" {
				return
			}

			room := socketio.Room(roomID)
			socket.Join(room)
			if toucher != nil {
				toucher.Touch(roomID)
			}
			logrus.WithFields(logrus.Fields{
				"socket_id": me,
				"room_id":   roomID,
			}).Debug("Socket joined room")

			srv.In(room).FetchSockets()(func(users []*socketio.RemoteSocket, fetchErr error) {
				if fetchErr != nil {
					logrus.WithError(fetchErr).Warn("Failed to fetch room sockets")
					return
				}

				setOccupancy(roomID, len(users))

				if len(users) <= 1 {
					_ = srv.To(socketio.Room(me)).Emit("first-in-room")
				} else {
					_ = socket.Broadcast().To(room).Emit("new-user", me)
				}

				present := make([]socketio.SocketId, 0, len(users))
				for _, user := range users {
					present = append(present, user.Id())
				}
				srv.In(room).Emit("room-user-change", present)
			})
		})

		socket.On("cursor-broadcast", func(datas ...any) {
			relay(srv, socket, toucher, datas, true)
		})

		socket.On("presence-broadcast", func(datas ...any) {
			relay(srv, socket, toucher, datas, false)
		})

		socket.On("disconnecting", func(datas ...any) {
			for _, current := range socket.Rooms().Keys() {
				roomID := string(current)
				srv.In(current).FetchSockets()(func(users []*socketio.RemoteSocket, _ error) {
					remaining := make([]socketio.SocketId, 0, len(users))
					for _, user := range users {
						if user.Id() != me {
							remaining = append(remaining, user.Id())
						}
					}

					setOccupancy(roomID, len(remaining))

					if len(remaining) > 0 {
						srv.In(current).Emit("room-user-change", remaining)
					}
				})
			}
		})

		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}

// relay forwards a payload to everyone else in the sender's room. Volatile
// delivery drops frames under pressure, which is fine for cursor traffic.
func relay(srv *socketio.Server, socket *socketio.Socket, toucher Toucher, datas []any, volatile bool) {
	if len(datas) < 2 {
		return
	}
	roomID, ok := datas[0].(string)
	if !ok || roomID == "" {
		return
	}

	if toucher != nil {
		toucher.Touch(roomID)
	}

	if volatile {
		_ = socket.Volatile().Broadcast().To(socketio.Room(roomID)).Emit("room-broadcast", datas[1:]...)
	} else {
		_ = socket.Broadcast().To(socketio.Room(roomID)).Emit("room-broadcast", datas[1:]...)
	}
}
