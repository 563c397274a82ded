package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id == "" {
		t.Fatal("empty id")
	}

	// A second load of the same directory must return the same identity.
	again, err := Load(dir)
	if err != nil {
		t.Fatalf("Load again: %v", err)
	}
	if again != id {
		t.Errorf("id changed across loads: %s vs %s", id, again)
	}
}

func TestLoad_RejectsCorruptIDFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("not-a-ulid\n"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted a corrupt instance_id")
	}
}

func TestNewID_Monotonic(t *testing.T) {
	a := MustNewID()
	b := MustNewID()
	if !(a < b) {
		t.Errorf("ids not monotone: %s then %s", a, b)
	}
}
