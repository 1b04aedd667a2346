package stores

import (
	"context"
	"fmt"
	"io"
	"os"

	"collab-server/core"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of PERMISSIONS_FILE:
//
//	documents:
//	  - id: roadmap
//	    owner: alice
//	    permissions:
//	      - user: bob
//	        role: editor
type seedFile struct {
	Documents []core.PermissionRecord `yaml:"documents"`
}

// SeedFromFile loads permission records from a YAML file into store.
func SeedFromFile(ctx context.Context, store core.DocumentStore, filename string) (int, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("open permissions file: %w", err)
	}
	defer f.Close()

	return Seed(ctx, store, f)
}

func Seed(ctx context.Context, store core.DocumentStore, r io.Reader) (int, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return 0, fmt.Errorf("decode permissions file: %w", err)
	}

	for i := range seed.Documents {
		record := &seed.Documents[i]
		if record.DocumentID == "" {
			return 0, fmt.Errorf("document %d: id is required", i)
		}
		if record.OwnerID == "" {
			return 0, fmt.Errorf("document %s: owner is required", record.DocumentID)
		}
		for _, entry := range record.Permissions {
			if entry.UserID == "" {
				return 0, fmt.Errorf("document %s: permission entry without user", record.DocumentID)
			}
			if !entry.Role.Valid() {
				return 0, fmt.Errorf("document %s: invalid role %q for %s", record.DocumentID, entry.Role, entry.UserID)
			}
		}
	}

	for i := range seed.Documents {
		if _, err := store.PutDocument(ctx, &seed.Documents[i]); err != nil {
			return i, fmt.Errorf("store document %s: %w", seed.Documents[i].DocumentID, err)
		}
	}

	logrus.WithField("documents", len(seed.Documents)).Info("Seeded document permissions")
	return len(seed.Documents), nil
}
