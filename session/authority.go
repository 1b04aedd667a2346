package session

import (
	"context"
	"errors"
	"fmt"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// Authorizer decides whether a participant may act on a document.
type Authorizer interface {
	Authorize(ctx context.Context, participantID, documentID string, required core.Capability) bool
}

// Authority answers permission questions from the permission records held by a
// document store. It fails closed: a missing document, a missing entry, a store
// error or a panicking store all deny.
type Authority struct {
	store core.DocumentStore
}

var _ Authorizer = (*Authority)(nil)

// NewAuthority returns an Authority backed by store.
func NewAuthority(store core.DocumentStore) *Authority {
	return &Authority{store: store}
}

func (a *Authority) Authorize(ctx context.Context, participantID, documentID string, required core.Capability) (allowed bool) {
	log := logrus.WithFields(logrus.Fields{
		"user_id":     participantID,
		"document_id": documentID,
		"capability":  required.String(),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("Permission lookup panicked, denying access")
			allowed = false
		}
	}()

	if a == nil || a.store == nil || participantID == "" || documentID == "" {
		return false
	}

	record, err := a.store.GetOwnerAndPermissions(ctx, documentID)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			log.Debug("Document not found, denying access")
		} else {
			log.WithError(err).Warn("Permission lookup failed, denying access")
		}
		return false
	}
	if record == nil {
		return false
	}

	return Permits(record, participantID, required)
}

// Permits evaluates a permission record. The owner holds every capability.
func Permits(record *core.PermissionRecord, participantID string, required core.Capability) bool {
	if record.OwnerID != "" && record.OwnerID == participantID {
		return true
	}

	for _, entry := range record.Permissions {
		if entry.UserID == participantID && entry.Role.Satisfies(required) {
			return true
		}
	}
	return false
}
