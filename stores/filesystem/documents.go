package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// documentStore keeps one JSON permission record per file under basePath.
type documentStore struct {
	basePath string
	mu       sync.RWMutex
}

func NewDocumentStore(basePath string) (*documentStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &documentStore{basePath: basePath}, nil
}

func (s *documentStore) documentPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\:`) || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(s.basePath, id+".json"), nil
}

func (s *documentStore) GetOwnerAndPermissions(ctx context.Context, id string) (*core.PermissionRecord, error) {
	filePath, err := s.documentPath(id)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"file_path":   filePath,
	})

	s.mu.RLock()
	data, err := os.ReadFile(filePath)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}

	var record core.PermissionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.WithError(err).Error("Failed to decode document")
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	record.DocumentID = id
	if record.Permissions == nil {
		record.Permissions = []core.PermissionEntry{}
	}
	return &record, nil
}

func (s *documentStore) PutDocument(ctx context.Context, record *core.PermissionRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("record is required")
	}

	stored := *record
	if stored.DocumentID == "" {
		stored.DocumentID = ulid.Make().String()
	}
	filePath, err := s.documentPath(stored.DocumentID)
	if err != nil {
		return "", err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": stored.DocumentID,
		"file_path":   filePath,
	})

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to a sibling temp file and rename so readers never see a partial record.
	tmp, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		log.WithError(err).Error("Failed to store document")
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		log.WithError(err).Error("Failed to store document")
		return "", err
	}

	log.Info("Document permissions stored")
	return stored.DocumentID, nil
}
