package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_audit_entries.up.sql", 1, false},
		{"012_add_index.up.sql", 12, false},
		{"audit.sql", 0, true},
		{"abc_audit.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("versionFromFile(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestUpMigrations_onlyUpFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files, err := upMigrations(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "001_a.up.sql" || files[1] != "002_b.up.sql" {
		t.Errorf("upMigrations = %v", files)
	}
}

func TestUpMigrations_repoMigrationsParse(t *testing.T) {
	files, err := upMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations found")
	}
	for _, f := range files {
		if _, err := versionFromFile(f); err != nil {
			t.Errorf("%s: %v", f, err)
		}
	}
}
