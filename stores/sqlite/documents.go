package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	db *sql.DB
}

func NewDocumentStore(dataSourceName string) (*documentStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; serializing connections avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Create documents table
	documentsTable := `CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(documentsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	// Create document_permissions table
	permissionsTable := `CREATE TABLE IF NOT EXISTS document_permissions (
		document_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (document_id, position)
	);`
	if _, err = db.Exec(permissionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create document_permissions table: %w", err)
	}

	return &documentStore{db}, nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}

func (s *documentStore) GetOwnerAndPermissions(ctx context.Context, id string) (*core.PermissionRecord, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document permissions")

	record := core.PermissionRecord{DocumentID: id}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT owner_id, title FROM documents WHERE id = ?", id).Scan(&record.OwnerID, &title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	record.Title = title.String

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, role FROM document_permissions WHERE document_id = ? ORDER BY position ASC", id)
	if err != nil {
		log.WithError(err).Error("Failed to list document permissions")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close permission rows")
		}
	}()

	record.Permissions = []core.PermissionEntry{}
	for rows.Next() {
		var entry core.PermissionEntry
		var role string
		if err := rows.Scan(&entry.UserID, &role); err != nil {
			log.WithError(err).Error("Failed to scan permission")
			return nil, err
		}
		entry.Role = core.Role(role)
		record.Permissions = append(record.Permissions, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *documentStore) PutDocument(ctx context.Context, record *core.PermissionRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("record is required")
	}

	id := record.DocumentID
	if id == "" {
		id = ulid.Make().String()
	}
	now := ulid.Now()

	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"owner_id":    record.OwnerID,
		"permissions": len(record.Permissions),
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() // no-op after commit

	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, title = excluded.title, updated_at = excluded.updated_at",
		id, record.OwnerID, record.Title, now, now)
	if err != nil {
		log.WithError(err).Error("Failed to store document")
		return "", err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM document_permissions WHERE document_id = ?", id); err != nil {
		log.WithError(err).Error("Failed to clear document permissions")
		return "", err
	}

	for i, entry := range record.Permissions {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO document_permissions (document_id, position, user_id, role) VALUES (?, ?, ?, ?)",
			id, i, entry.UserID, string(entry.Role))
		if err != nil {
			log.WithError(err).Error("Failed to store document permission")
			return "", err
		}
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}

	log.Info("Document permissions stored")
	return id, nil
}
