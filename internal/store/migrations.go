package store

import (
	"context"
	"embed"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in file name order. Every
// statement is idempotent, so it runs on each process start.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return errors.Wrapf(err, "read migration %s", e.Name())
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return errors.Wrapf(err, "exec migration %s", e.Name())
		}
	}
	return nil
}
