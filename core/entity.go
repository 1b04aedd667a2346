package core

import (
	"context"
	"errors"
)

// ErrDocumentNotFound is returned by a DocumentStore when no record exists for an id.
var ErrDocumentNotFound = errors.New("document not found")

type (
	// Role is a participant's role on a shared document.
	Role string

	// Capability is what an operation requires from a participant.
	Capability int

	Participant struct {
		ID   string `json:"user_id" yaml:"user_id"`
		Name string `json:"username" yaml:"username"`
	}

	PermissionEntry struct {
		UserID string `json:"user_id" yaml:"user"`
		Role   Role   `json:"role" yaml:"role"`
	}

	// PermissionRecord is the access-control view of a document. It is owned by the
	// document store; the session layer only reads it.
	PermissionRecord struct {
		DocumentID  string            `json:"id" yaml:"id"`
		Title       string            `json:"title,omitempty" yaml:"title"`
		OwnerID     string            `json:"owner_id" yaml:"owner"`
		Permissions []PermissionEntry `json:"permissions" yaml:"permissions"`
	}

	DocumentStore interface {
		GetOwnerAndPermissions(ctx context.Context, id string) (*PermissionRecord, error)
		// PutDocument creates or replaces a record. An empty DocumentID is assigned
		// a fresh id, which is returned.
		PutDocument(ctx context.Context, record *PermissionRecord) (string, error)
	}
)

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	CapabilityView Capability = iota
	CapabilityEdit
)

func (c Capability) String() string {
	switch c {
	case CapabilityView:
		return "view"
	case CapabilityEdit:
		return "edit"
	}
	return "unknown"
}

// Satisfies reports whether the role grants capability c.
func (r Role) Satisfies(c Capability) bool {
	switch c {
	case CapabilityView:
		return r == RoleViewer || r == RoleEditor
	case CapabilityEdit:
		return r == RoleEditor
	}
	return false
}

func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleEditor
}
