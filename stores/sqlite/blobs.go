package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sketchboard-server/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type blobStore struct {
	db *sql.DB
}

// NewBlobStore opens (or creates) a sqlite database holding one row per
// room. Saves upsert the row, so the record always reflects the latest
// successful write.
func NewBlobStore(dataSourceName string) (core.BlobStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &blobStore{db: db}, nil
}

func (s *blobStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	log := logrus.WithField("room_id", roomID)

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT state FROM rooms WHERE id = ?", roomID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("No row for room")
			return nil, core.ErrNotFound
		}
		log.WithError(err).Error("Failed to load room record")
		return nil, err
	}

	log.WithField("data_length", len(data)).Debug("Room record loaded")
	return data, nil
}

func (s *blobStore) Save(ctx context.Context, roomID string, data []byte) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(data),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, state, updated_at) VALUES (?, ?, strftime('%s','now')) ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at",
		roomID, data)
	if err != nil {
		log.WithError(err).Error("Failed to save room record")
		return err
	}

	log.Debug("Room record saved")
	return nil
}
