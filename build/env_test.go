// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/internal/testcontext"
)

// newResolveTest returns an engine and a command for exercising resolution.
func newResolveTest(t *testing.T) (*Build, *Command) {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	t.Cleanup(cancel)
	b := NewEmulator(ctx, NewEnv(testStore(t)), nil, Discard{}, nil)
	c := NewCommand([]string{"test"}, nil)
	c.SetExecuted()
	return b, c
}

func TestResolveExistingFile(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, path, ReadAccess())
	if !r.Resolved() {
		t.Fatalf("resolve %s failed: %v", path, r.Errno())
	}
	if _, ok := r.Artifact().(*FileArtifact); !ok {
		t.Errorf("resolved to %T; want *FileArtifact", r.Artifact())
	}
	if got := r.Artifact().Path(); got != path {
		t.Errorf("artifact path = %q; want %q", got, path)
	}

	// The same path resolves to the same identity.
	r2 := b.env.Resolve(b, c, nil, path, ReadAccess())
	if r2.Artifact() != r.Artifact() {
		t.Error("second resolution produced a different artifact")
	}
}

func TestResolveMissingFile(t *testing.T) {
	b, c := newResolveTest(t)
	path := filepath.Join(t.TempDir(), "nope")

	r := b.env.Resolve(b, c, nil, path, ReadAccess())
	if r.Resolved() {
		t.Fatalf("resolve %s unexpectedly succeeded", path)
	}
	if got := r.Errno(); got != unix.ENOENT {
		t.Errorf("errno = %v; want ENOENT", got)
	}
}

func TestResolveCreate(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")

	flags := AccessFlags{Write: true, Create: true, Mode: 0o644}
	r := b.env.Resolve(b, c, nil, path, flags)
	if !r.Resolved() {
		t.Fatalf("create-resolve %s failed: %v", path, r.Errno())
	}
	fa, ok := r.Artifact().(*FileArtifact)
	if !ok {
		t.Fatalf("resolved to %T; want *FileArtifact", r.Artifact())
	}
	cv, ok := fa.PeekContent().(*FileVersion)
	if !ok || !cv.Empty() {
		t.Errorf("created file content = %v; want empty version", fa.PeekContent())
	}
	if cv.Creator() != c {
		t.Errorf("created file creator = %v; want %v", cv.Creator(), c)
	}
	// The parent directory gained a link.
	parent := b.env.GetPath(b, dir).(*DirArtifact)
	if parent.entries["new.txt"] != fa {
		t.Error("parent directory does not hold the new entry")
	}
}

func TestResolveCreateExclusiveExisting(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "exists")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	flags := AccessFlags{Write: true, Create: true, Exclusive: true, Mode: 0o644}
	r := b.env.Resolve(b, c, nil, path, flags)
	if got := r.Errno(); got != unix.EEXIST {
		t.Errorf("errno = %v; want EEXIST", got)
	}
}

func TestResolveDirectoryFlagOnFile(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, path, AccessFlags{Read: true, Directory: true})
	if got := r.Errno(); got != unix.ENOTDIR {
		t.Errorf("errno = %v; want ENOTDIR", got)
	}
}

func TestResolveThroughFile(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, filepath.Join(path, "sub"), ReadAccess())
	if got := r.Errno(); got != unix.ENOTDIR {
		t.Errorf("errno = %v; want ENOTDIR", got)
	}
}

func TestResolveTruncate(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, path, AccessFlags{Write: true, Truncate: true})
	if !r.Resolved() {
		t.Fatalf("resolve failed: %v", r.Errno())
	}
	cv, ok := r.Artifact().PeekContent().(*FileVersion)
	if !ok || !cv.Empty() {
		t.Errorf("content after truncate = %v; want empty version", r.Artifact().PeekContent())
	}
}

func TestResolveSymlink(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "alias")
	if err := os.Symlink("real", link); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, link, ReadAccess())
	if !r.Resolved() {
		t.Fatalf("resolve through symlink failed: %v", r.Errno())
	}
	if _, ok := r.Artifact().(*FileArtifact); !ok {
		t.Fatalf("resolved to %T; want *FileArtifact", r.Artifact())
	}

	// O_NOFOLLOW yields the link itself.
	r2 := b.env.Resolve(b, c, nil, link, AccessFlags{Read: true, NoFollow: true})
	if !r2.Resolved() {
		t.Fatalf("nofollow resolve failed: %v", r2.Errno())
	}
	sa, ok := r2.Artifact().(*SymlinkArtifact)
	if !ok {
		t.Fatalf("nofollow resolved to %T; want *SymlinkArtifact", r2.Artifact())
	}
	if got := sa.Target().Target; got != "real" {
		t.Errorf("symlink target = %q; want %q", got, "real")
	}
}

func TestResolveSymlinkLoop(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	if err := os.Symlink("b", filepath.Join(dir, "a")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a", filepath.Join(dir, "b")); err != nil {
		t.Fatal(err)
	}

	r := b.env.Resolve(b, c, nil, filepath.Join(dir, "a"), ReadAccess())
	if got := r.Errno(); got != unix.ELOOP {
		t.Errorf("errno = %v; want ELOOP", got)
	}
}

func TestResolveDotAndDotDot(t *testing.T) {
	b, c := newResolveTest(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// Build the paths by hand: filepath.Join would clean the dots away.
	r := b.env.Resolve(b, c, nil, sub+"/../file", ReadAccess())
	if !r.Resolved() {
		t.Fatalf("resolve with ..: %v", r.Errno())
	}
	r2 := b.env.Resolve(b, c, nil, dir+"/./file", ReadAccess())
	if r2.Artifact() != r.Artifact() {
		t.Error("resolutions with . and .. disagree on identity")
	}
}
