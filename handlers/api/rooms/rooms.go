package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sketchboard-server/core"
	roomsvc "sketchboard-server/rooms"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	CreateRoomResponse struct {
		ID string `json:"id"`
	}

	AppendEditsResponse struct {
		LogicalTime int64 `json:"logicalTime"`
	}

	SnapshotPayload struct {
		LogicalTime int64  `json:"logicalTime"`
		Image       []byte `json:"image"`
	}

	// Provider hands out resident rooms and lists them. Satisfied by
	// *rooms.Registry.
	Provider interface {
		Get(ctx context.Context, id string) (*roomsvc.Room, error)
		Rooms() []roomsvc.RoomInfo
	}
)

// HandleCreateRoom mints a fresh room id and makes the room resident.
func HandleCreateRoom(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()

		if _, err := provider.Get(r.Context(), id); err != nil {
			logrus.WithError(err).Error("Failed to create room")
			http.Error(w, "Failed to create room", http.StatusInternalServerError)
			return
		}

		logrus.WithField("room_id", id).Info("Room id issued")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateRoomResponse{ID: id})
	}
}

// HandleListRooms reports the rooms currently resident in memory.
func HandleListRooms(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := provider.Rooms()
		if list == nil {
			list = []roomsvc.RoomInfo{}
		}
		render.JSON(w, r, list)
	}
}

// HandleAppendEdits appends a batch of edits to the room's log and returns
// the new logical time as the delivery receipt.
func HandleAppendEdits(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		var edits []core.Edit
		if err := json.NewDecoder(r.Body).Decode(&edits); err != nil {
			log.WithError(err).Warn("Failed to decode edit batch")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		room, err := provider.Get(r.Context(), roomID)
		if err != nil {
			log.WithError(err).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusInternalServerError)
			return
		}

		logicalTime, err := room.Apply(r.Context(), edits)
		if err != nil {
			if errors.Is(err, core.ErrEmptyBatch) {
				http.Error(w, "Edit batch must not be empty", http.StatusBadRequest)
				return
			}
			log.WithError(err).Error("Failed to apply edits")
			http.Error(w, "Failed to apply edits", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, AppendEditsResponse{LogicalTime: logicalTime})
	}
}

// HandleGetUpdates is the long-poll catch-up read. A caught-up client's
// request parks until new edits arrive or the maintenance cycle dismisses
// it; dismissal produces an empty array, telling the client to re-poll.
// A client whose cursor predates the snapshot horizon gets 409 and must
// refetch the snapshot.
func HandleGetUpdates(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		if err != nil || from < 0 {
			http.Error(w, "Query parameter 'from' must be a non-negative integer", http.StatusBadRequest)
			return
		}

		room, err := provider.Get(r.Context(), roomID)
		if err != nil {
			log.WithError(err).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusInternalServerError)
			return
		}

		edits, err := room.Updates(r.Context(), from)
		if err != nil {
			switch {
			case errors.Is(err, core.ErrOutOfRange):
				http.Error(w, "Cursor precedes snapshot, fetch the snapshot first", http.StatusConflict)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// Client went away while parked; nothing to write.
			default:
				log.WithError(err).Error("Failed to read updates")
				http.Error(w, "Failed to read updates", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, r, edits)
	}
}

// HandleGetSnapshot returns the latest snapshot image and its logical time.
func HandleGetSnapshot(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		room, err := provider.Get(r.Context(), roomID)
		if err != nil {
			log.WithError(err).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusInternalServerError)
			return
		}

		logicalTime, image, err := room.ReadSnapshot(r.Context())
		if err != nil {
			if errors.Is(err, core.ErrNoSnapshot) {
				http.Error(w, "Room has no snapshot", http.StatusNotFound)
				return
			}
			log.WithError(err).Error("Failed to read snapshot")
			http.Error(w, "Failed to read snapshot", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, SnapshotPayload{LogicalTime: logicalTime, Image: image})
	}
}

// HandlePutSnapshot accepts a client-rendered compaction of the log. Stale
// submissions are silently ignored and a persistence failure is logged, not
// surfaced: durability here is eventually consistent and the client may
// retry at a later snapshot boundary.
func HandlePutSnapshot(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		var req SnapshotPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.WithError(err).Warn("Failed to decode snapshot payload")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		room, err := provider.Get(r.Context(), roomID)
		if err != nil {
			log.WithError(err).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusInternalServerError)
			return
		}

		if err := room.Snapshot(r.Context(), req.LogicalTime, req.Image); err != nil {
			log.WithError(err).Warn("Snapshot accepted but not yet persisted")
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
