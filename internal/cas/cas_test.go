// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package cas

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"rb.256lights.llc/pkg/internal/testcontext"
	"rb.256lights.llc/pkg/sets"
)

func newTestStore(t *testing.T, withDB bool) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := ""
	if withDB {
		dbPath = filepath.Join(dir, "db", "cache.db")
	}
	s, err := Open(filepath.Join(dir, "cache"), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, size, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Errorf("size = %d; want 5", size)
	}
	h2, _, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hashing the same content twice gave different results")
	}

	if err := os.WriteFile(path, []byte("other"), 0o644); err != nil {
		t.Fatal(err)
	}
	h3, _, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Error("different content hashed equal")
	}
}

func TestStorePathLayout(t *testing.T) {
	s := newTestStore(t, false)
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	got := s.Path(h)
	hx := h.Hex()
	want := filepath.Join(s.Dir(), hx[:2], hx[2:])
	if got != want {
		t.Errorf("s.Path(h) = %q; want %q", got, want)
	}
	if !strings.HasPrefix(filepath.Base(filepath.Dir(got)), hx[:2]) {
		t.Errorf("cache subdirectory is not the first hash byte: %q", got)
	}
}

func TestLinkAndStage(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t, false)

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	content := []byte("some build output\n")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	h, _, err := HashFile(src)
	if err != nil {
		t.Fatal(err)
	}

	if s.Contains(h) {
		t.Fatal("store contains hash before Link")
	}
	if err := s.Link(ctx, h, src); err != nil {
		t.Fatal(err)
	}
	if !s.Contains(h) {
		t.Fatal("store does not contain hash after Link")
	}
	// Linking again is a no-op.
	if err := s.Link(ctx, h, src); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "restored")
	if err := s.Stage(ctx, h, dst, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("staged content = %q; want %q", got, content)
	}
	// The commit round-trip law: restored bytes hash to the same value.
	h2, _, err := HashFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h {
		t.Errorf("staged file hash = %s; want %s", h2.Hex()[:8], h.Hex()[:8])
	}
}

func TestFingerprintCache(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t, true)

	path := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(path, []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, size1, _, err := s.Fingerprint(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	want, _, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != want {
		t.Error("fingerprint disagrees with direct hash")
	}
	if size1 != int64(len("contents")) {
		t.Errorf("size = %d; want %d", size1, len("contents"))
	}

	// Unchanged file: the database serves the same hash.
	h2, _, _, err := s.Fingerprint(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h1 {
		t.Error("cached fingerprint differs")
	}

	// A directory cannot be fingerprinted.
	if _, _, _, err := s.Fingerprint(ctx, filepath.Dir(path)); err == nil {
		t.Error("fingerprint of a directory succeeded")
	}
}

func TestGC(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t, false)

	dir := t.TempDir()
	var hashes []Hash
	for _, content := range []string{"one", "two", "three"} {
		path := filepath.Join(dir, content)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		h, _, err := HashFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Link(ctx, h, path); err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, h)
	}

	live := sets.New(hashes[0])
	removed, err := s.GC(ctx, live)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("GC removed %d objects; want 2", removed)
	}
	if !s.Contains(hashes[0]) {
		t.Error("GC removed a live object")
	}
	if s.Contains(hashes[1]) || s.Contains(hashes[2]) {
		t.Error("GC kept a dead object")
	}
}

func TestParseHashProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("hex round trip", prop.ForAll(
		func(raw []byte) bool {
			var h Hash
			copy(h[:], raw)
			parsed, err := ParseHash(h.Hex())
			return err == nil && parsed == h
		},
		gen.SliceOfN(HashSize, gen.UInt8()),
	))

	properties.Property("wrong length rejected", prop.ForAll(
		func(s string) bool {
			if len(s) == 2*HashSize {
				return true
			}
			_, err := ParseHash(s)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
