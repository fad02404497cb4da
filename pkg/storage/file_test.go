package storage

import (
	"path/filepath"
	"testing"

	cp "github.com/otiai10/copy"
)

func TestFileStorageWriteReadAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFileStorage(dir, "data", PageSize*2)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	defer fs.Close()

	for i := int32(0); i < 5; i++ {
		p := NewPage(i)
		copy(p.Data(), []byte{byte(i), byte(i + 1)})
		if err := fs.Write(p); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}
	for i := int32(0); i < 5; i++ {
		p, err := fs.Read(i)
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if p.Data()[0] != byte(i) || p.Data()[1] != byte(i+1) {
			t.Errorf("page %d round-tripped wrong bytes: %v", i, p.Data()[:2])
		}
	}
	if got := fs.NumPages(); got != 5 {
		t.Errorf("NumPages() = %d, want 5", got)
	}
}

func TestFileStorageReopenPreservesContents(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFileStorage(dir, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	p := NewPage(0)
	copy(p.Data(), []byte("hello"))
	if err := fs.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenFileStorage(dir, "data", 0)
	if err != nil {
		t.Fatalf("reopen OpenFileStorage: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Read(0)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got.Data()[:5]) != "hello" {
		t.Errorf("page 0 after reopen = %q, want %q", got.Data()[:5], "hello")
	}
}

// TestOpenFileStorageFromTemplateBootstrapsFreshDirectory exercises the
// template-bootstrap path: a brand-new data directory is seeded by copying
// a prebuilt reserved-region template before the segments are opened.
func TestOpenFileStorageFromTemplateBootstrapsFreshDirectory(t *testing.T) {
	template := t.TempDir()
	seed, err := OpenFileStorage(template, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(template): %v", err)
	}
	zero := NewPage(0)
	copy(zero.Data(), []byte("seeded"))
	if err := seed.Write(zero); err != nil {
		t.Fatalf("seed Write: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("seed Close: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "fresh-db")
	fs, err := OpenFileStorageFromTemplate(dir, "data", 0, template)
	if err != nil {
		t.Fatalf("OpenFileStorageFromTemplate: %v", err)
	}
	defer fs.Close()

	got, err := fs.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if string(got.Data()[:6]) != "seeded" {
		t.Errorf("bootstrapped page 0 = %q, want %q", got.Data()[:6], "seeded")
	}
}

// TestOpenFileStorageFromTemplateLeavesExistingDirectoryAlone confirms the
// template is only consulted when dir doesn't already exist.
func TestOpenFileStorageFromTemplateLeavesExistingDirectoryAlone(t *testing.T) {
	template := t.TempDir()
	seed, err := OpenFileStorage(template, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(template): %v", err)
	}
	tp := NewPage(0)
	copy(tp.Data(), []byte("template"))
	seed.Write(tp)
	seed.Close()

	dir := t.TempDir()
	existing, err := OpenFileStorage(dir, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(dir): %v", err)
	}
	ep := NewPage(0)
	copy(ep.Data(), []byte("existing"))
	existing.Write(ep)
	existing.Close()

	fs, err := OpenFileStorageFromTemplate(dir, "data", 0, template)
	if err != nil {
		t.Fatalf("OpenFileStorageFromTemplate: %v", err)
	}
	defer fs.Close()
	got, err := fs.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if string(got.Data()[:8]) != "existing" {
		t.Errorf("existing directory was overwritten by template: got %q", got.Data()[:8])
	}
}

// isolatedFixture copies a fixture directory into a fresh per-subtest
// temporary directory, so concurrent subtests never share mutable state
// even when seeded from the same on-disk fixture.
func isolatedFixture(t *testing.T, fixtureDir string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "copy")
	if err := cp.Copy(fixtureDir, dst); err != nil {
		t.Fatalf("copy fixture: %v", err)
	}
	return dst
}

func TestIsolatedFixtureCopiesAreIndependent(t *testing.T) {
	fixture := t.TempDir()
	fs, err := OpenFileStorage(fixture, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(fixture): %v", err)
	}
	p := NewPage(0)
	copy(p.Data(), []byte("shared"))
	fs.Write(p)
	fs.Close()

	a := isolatedFixture(t, fixture)
	b := isolatedFixture(t, fixture)

	fsA, err := OpenFileStorage(a, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(a): %v", err)
	}
	defer fsA.Close()
	mutated := NewPage(0)
	copy(mutated.Data(), []byte("mutated"))
	fsA.Write(mutated)

	fsB, err := OpenFileStorage(b, "data", 0)
	if err != nil {
		t.Fatalf("OpenFileStorage(b): %v", err)
	}
	defer fsB.Close()
	got, err := fsB.Read(0)
	if err != nil {
		t.Fatalf("Read(b,0): %v", err)
	}
	if string(got.Data()[:6]) != "shared" {
		t.Errorf("fixture copy b was affected by a mutation: got %q", got.Data()[:6])
	}
}
