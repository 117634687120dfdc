package migrations

import (
	"io/fs"
	"sort"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	for _, tc := range []struct {
		fsys  fs.FS
		root  string
		first string
	}{
		{EventsFS, "events", "001_events.sql"},
		{ProjectionsFS, "projections", "001_projections.sql"},
	} {
		entries, err := fs.ReadDir(tc.fsys, tc.root)
		if err != nil {
			t.Fatalf("read %s migrations: %v", tc.root, err)
		}
		if len(entries) == 0 {
			t.Fatalf("expected %s migrations to be embedded", tc.root)
		}
		files := make([]string, 0, len(entries))
		for _, entry := range entries {
			files = append(files, entry.Name())
		}
		sort.Strings(files)
		if files[0] != tc.first {
			t.Fatalf("expected first %s migration %s, got %s", tc.root, tc.first, files[0])
		}
	}
}
