package core

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Edit is one atomic drawing operation (endpoints, color, stroke width)
	// appended to a room's log. The server never inspects its contents.
	Edit json.RawMessage

	// RoomState is the durable record for a room: the last rendered
	// snapshot image (if any), the logical clock, and the edits applied
	// after the snapshot. Edits folded into the image are never persisted.
	RoomState struct {
		Image       []byte `json:"image,omitempty"`
		LogicalTime int64  `json:"logicalTime"`
		Edits       []Edit `json:"edits"`
	}

	// BlobStore reads and writes a room's durable state as an opaque blob
	// keyed by room id. Save overwrites the previous record; last-writer-wins
	// is acceptable because a room has exactly one writer at a time.
	BlobStore interface {
		Load(ctx context.Context, roomID string) ([]byte, error)
		Save(ctx context.Context, roomID string, data []byte) error
	}
)

var (
	// ErrEmptyBatch is returned when a client submits no edits.
	ErrEmptyBatch = errors.New("edit batch is empty")

	// ErrOutOfRange is returned when a catch-up read predates the snapshot
	// horizon; the caller must refetch the snapshot instead of retrying.
	ErrOutOfRange = errors.New("requested logical time precedes snapshot")

	// ErrNoSnapshot is returned when a room has never been snapshotted.
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrNotFound is returned by BlobStore.Load when no record exists for
	// the room id. Rooms treat it as "start empty", never as a failure.
	ErrNotFound = errors.New("room record not found")
)

// MarshalJSON keeps Edit values as raw JSON on the wire.
func (e Edit) MarshalJSON() ([]byte, error) {
	return json.RawMessage(e).MarshalJSON()
}

// UnmarshalJSON stores the raw JSON bytes of the edit.
func (e *Edit) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(e).UnmarshalJSON(data)
}
