package db

import (
	"bytes"
	"io/fs"
	"testing"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := fs.Glob(Migrations, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, name := range names {
		data, err := fs.ReadFile(Migrations, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Contains(data, []byte("+goose Up")) {
			t.Fatalf("migration %s is missing a goose up section", name)
		}
	}
}
