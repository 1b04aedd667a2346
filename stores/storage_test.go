package stores

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/memory"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const seedYAML = `
documents:
  - id: roadmap
    title: Roadmap
    owner: alice
    permissions:
      - user: bob
        role: editor
      - user: carol
        role: viewer
  - id: notes
    owner: bob
`

func TestSeed(t *testing.T) {
	store := memory.NewDocumentStore()
	ctx := context.Background()

	n, err := Seed(ctx, store, strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Seed() = %d, want 2", n)
	}

	record, err := store.GetOwnerAndPermissions(ctx, "roadmap")
	if err != nil {
		t.Fatalf("GetOwnerAndPermissions() failed: %v", err)
	}
	if record.OwnerID != "alice" || record.Title != "Roadmap" {
		t.Errorf("Unexpected record: %+v", record)
	}
	want := []core.PermissionEntry{{UserID: "bob", Role: core.RoleEditor}, {UserID: "carol", Role: core.RoleViewer}}
	if len(record.Permissions) != len(want) || record.Permissions[0] != want[0] || record.Permissions[1] != want[1] {
		t.Errorf("Permissions = %+v, want %+v", record.Permissions, want)
	}

	if _, err := store.GetOwnerAndPermissions(ctx, "notes"); err != nil {
		t.Errorf("notes not seeded: %v", err)
	}
}

func TestSeed_Empty(t *testing.T) {
	n, err := Seed(context.Background(), memory.NewDocumentStore(), strings.NewReader(""))
	if err != nil || n != 0 {
		t.Errorf("Seed(empty) = %d, %v", n, err)
	}
}

func TestSeed_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id":    "documents:\n  - owner: alice\n",
		"missing owner": "documents:\n  - id: doc\n",
		"bad role":      "documents:\n  - id: doc\n    owner: alice\n    permissions:\n      - user: bob\n        role: admin\n",
		"missing user":  "documents:\n  - id: doc\n    owner: alice\n    permissions:\n      - role: viewer\n",
		"unknown field": "documents:\n  - id: doc\n    owner: alice\n    colour: red\n",
		"not yaml":      "documents: [",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			store := memory.NewDocumentStore()
			if _, err := Seed(context.Background(), store, strings.NewReader(input)); err == nil {
				t.Error("Expected error, got nil")
			}
			if _, err := store.GetOwnerAndPermissions(context.Background(), "doc"); !errors.Is(err, core.ErrDocumentNotFound) {
				t.Errorf("Invalid seed stored a document: %v", err)
			}
		})
	}
}

func TestGetStore_MemoryWithSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := GetStore(context.Background(), &config.Config{PermissionsFile: path})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	if _, err := store.GetOwnerAndPermissions(context.Background(), "roadmap"); err != nil {
		t.Errorf("Seeded document missing: %v", err)
	}
}

func TestGetStore_MissingSeedFile(t *testing.T) {
	_, err := GetStore(context.Background(), &config.Config{PermissionsFile: filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Error("Expected error for missing permissions file")
	}
}

func TestGetStore_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "collab.db")
	store, err := GetStore(context.Background(), &config.Config{StorageType: "sqlite", DataSourceName: dsn})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	if _, err := store.PutDocument(context.Background(), &core.PermissionRecord{DocumentID: "d", OwnerID: "alice"}); err != nil {
		t.Errorf("PutDocument() failed: %v", err)
	}
}

func TestGetStore_Filesystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	store, err := GetStore(context.Background(), &config.Config{StorageType: "filesystem", LocalStoragePath: dir})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}

	if _, err := store.PutDocument(context.Background(), &core.PermissionRecord{DocumentID: "d", OwnerID: "alice"}); err != nil {
		t.Fatalf("PutDocument() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "d.json")); err != nil {
		t.Errorf("Expected record file: %v", err)
	}
}
