package memory

import (
	"context"
	"fmt"
	"sync"

	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.PermissionRecord
}

func NewDocumentStore() core.DocumentStore {
	return &documentStore{
		documents: make(map[string]core.PermissionRecord),
	}
}

func (s *documentStore) GetOwnerAndPermissions(ctx context.Context, id string) (*core.PermissionRecord, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	record, ok := s.documents[id]
	s.mu.RUnlock()

	if !ok {
		log.Debug("Document with specified ID not found")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	return cloneRecord(&record), nil
}

func (s *documentStore) PutDocument(ctx context.Context, record *core.PermissionRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("record is required")
	}

	stored := cloneRecord(record)
	if stored.DocumentID == "" {
		stored.DocumentID = ulid.Make().String()
	}

	s.mu.Lock()
	s.documents[stored.DocumentID] = *stored
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": stored.DocumentID,
		"owner_id":    stored.OwnerID,
		"permissions": len(stored.Permissions),
	}).Info("Document permissions stored")

	return stored.DocumentID, nil
}

// cloneRecord copies the permission slice so callers cannot mutate stored state.
func cloneRecord(record *core.PermissionRecord) *core.PermissionRecord {
	out := *record
	out.Permissions = append([]core.PermissionEntry(nil), record.Permissions...)
	return &out
}
