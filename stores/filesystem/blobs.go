package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sketchboard-server/core"
	"strings"

	"github.com/sirupsen/logrus"
)

type blobStore struct {
	basePath string
}

// NewBlobStore returns a blob store keeping one file per room under
// basePath. The directory is created on first use.
func NewBlobStore(basePath string) (core.BlobStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &blobStore{basePath: basePath}, nil
}

// roomPath rejects ids that would escape the base directory.
func (s *blobStore) roomPath(roomID string) (string, error) {
	if roomID == "" || strings.ContainsAny(roomID, "/\\") || strings.Contains(roomID, "..") {
		return "", fmt.Errorf("invalid room id %q", roomID)
	}
	return filepath.Join(s.basePath, roomID+".json"), nil
}

func (s *blobStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	path, err := s.roomPath(roomID)
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"file_path": path,
	})

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No record file for room")
			return nil, core.ErrNotFound
		}
		log.WithError(err).Error("Failed to read room record")
		return nil, err
	}

	log.WithField("data_length", len(data)).Debug("Room record loaded")
	return data, nil
}

func (s *blobStore) Save(ctx context.Context, roomID string, data []byte) error {
	path, err := s.roomPath(roomID)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"file_path":   path,
		"data_length": len(data),
	})

	// Write-then-rename so a crash mid-write never leaves a torn record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.WithError(err).Error("Failed to write room record")
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Error("Failed to replace room record")
		return err
	}

	log.Debug("Room record saved")
	return nil
}
