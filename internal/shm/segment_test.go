package shm

import (
	"os"
	"testing"
	"time"
)

func skipIfShmUnwritable(t *testing.T) {
	t.Helper()
	f, err := os.CreateTemp(DefaultDir, "flowshm-probe-*")
	if err != nil {
		t.Skipf("skipping: %s not writable: %v", DefaultDir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
}

func TestCreateMmapOpenMmapRoundTrip(t *testing.T) {
	skipIfShmUnwritable(t)

	name := "flowshm-test-segment"
	defer RemoveNamed(name)

	s, err := CreateMmap(name, HeaderSize+4096, 0xfeedface)
	if err != nil {
		t.Fatalf("CreateMmap: %v", err)
	}
	if s.Magic() != 0xfeedface {
		t.Fatalf("Magic() = %#x", s.Magic())
	}
	s.MarkInitialized()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opened, err := OpenMmap(name, 0xfeedface, time.Second)
	if err != nil {
		t.Fatalf("OpenMmap: %v", err)
	}
	defer opened.Close()
	if opened.Name() != name {
		t.Fatalf("Name() = %q, want %q", opened.Name(), name)
	}
}

func TestOpenMmapMagicMismatch(t *testing.T) {
	skipIfShmUnwritable(t)

	name := "flowshm-test-segment-mismatch"
	defer RemoveNamed(name)

	s, err := CreateMmap(name, HeaderSize, 1)
	if err != nil {
		t.Fatalf("CreateMmap: %v", err)
	}
	s.MarkInitialized()
	s.Close()

	if _, err := OpenMmap(name, 2, 50*time.Millisecond); err == nil {
		t.Fatalf("expected magic mismatch error")
	}
}

func TestRemoveNamedIsIdempotent(t *testing.T) {
	if err := RemoveNamed("flowshm-does-not-exist"); err != nil {
		t.Fatalf("RemoveNamed on missing file should not error: %v", err)
	}
}
