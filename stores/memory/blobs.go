package memory

import (
	"context"
	"sketchboard-server/core"
	"sync"

	"github.com/sirupsen/logrus"
)

type blobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewBlobStore returns a volatile, map-backed blob store. Room state is
// lost on process exit; intended for development and tests.
func NewBlobStore() core.BlobStore {
	return &blobStore{
		blobs: make(map[string][]byte),
	}
}

func (s *blobStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[roomID]
	s.mu.RUnlock()

	log := logrus.WithField("room_id", roomID)
	if !ok {
		log.Debug("No record for room")
		return nil, core.ErrNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	log.WithField("data_length", len(out)).Debug("Room record loaded")
	return out, nil
}

func (s *blobStore) Save(ctx context.Context, roomID string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.blobs[roomID] = stored
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(data),
	}).Debug("Room record saved")
	return nil
}
