package stores

import (
	"context"
	"fmt"

	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/aws"
	"collab-server/stores/filesystem"
	"collab-server/stores/memory"
	"collab-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore builds the document store selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.DocumentStore, error) {
	var store core.DocumentStore

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		s, err := filesystem.NewDocumentStore(cfg.LocalStoragePath)
		if err != nil {
			return nil, fmt.Errorf("filesystem store: %w", err)
		}
		store = s
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		storageField["cgo"] = sqlite.CGOEnabled
		s, err := sqlite.NewDocumentStore(cfg.DataSourceName)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		store = s
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		s, err := aws.NewStore(ctx, cfg.S3BucketName)
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		store = s
	default:
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")

	if cfg.PermissionsFile != "" {
		if _, err := SeedFromFile(ctx, store, cfg.PermissionsFile); err != nil {
			return nil, err
		}
	}
	return store, nil
}
