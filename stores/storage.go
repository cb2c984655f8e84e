package stores

import (
	"os"
	"sketchboard-server/core"
	"sketchboard-server/stores/filesystem"
	"sketchboard-server/stores/memory"
	"sketchboard-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore selects the room blob store from the STORAGE_TYPE environment
// variable: "filesystem" (LOCAL_STORAGE_PATH), "sqlite" (DATA_SOURCE_NAME),
// or in-memory by default.
func GetStore() core.BlobStore {
	storageType := os.Getenv("STORAGE_TYPE")

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	var (
		store core.BlobStore
		err   error
	)
	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		storageField["basePath"] = basePath
		store, err = filesystem.NewBlobStore(basePath)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		storageField["dataSourceName"] = dataSourceName
		store, err = sqlite.NewBlobStore(dataSourceName)
	default:
		store = memory.NewBlobStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Fatal("Failed to initialize storage")
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store
}
