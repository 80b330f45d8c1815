// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

// Package cas implements the content-addressed cache that backs file version
// fingerprints: a BLAKE3-keyed store of immutable file contents plus a small
// database remembering fingerprints of unchanged files between builds.
package cas

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"rb.256lights.llc/pkg/internal/osutil"
	"rb.256lights.llc/pkg/sets"
)

// HashSize is the size of a content fingerprint in bytes.
const HashSize = 32

// Hash is a BLAKE3 content fingerprint.
type Hash [HashSize]byte

// Hex returns the lowercase hexadecimal form of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// ParseHash converts a 64-character hexadecimal string into a [Hash].
func ParseHash(s string) (Hash, error) {
	var h Hash
	if hex.DecodedLen(len(s)) != HashSize {
		return Hash{}, fmt.Errorf("parse hash %q: wrong length", s)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v", s, err)
	}
	return h, nil
}

// HashFile returns the BLAKE3 hash of the file at path and its size.
func HashFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, err
	}
	defer f.Close()

	h := blake3.New(HashSize, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("hash %s: %v", path, err)
	}
	var sum Hash
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}

// Store is a content-addressed cache rooted at a directory, laid out as
// dir/<hh>/<rest> where <hh> is the first byte of the content hash in hex.
// Cache files are immutable once written.
type Store struct {
	dir  string
	pool *sqlitemigration.Pool
}

// Open returns a store rooted at dir. If dbPath is not empty, a fingerprint
// database is opened (and created or migrated as needed) so unchanged files
// are not rehashed across builds.
func Open(dir, dbPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache: %v", err)
	}
	s := &Store{dir: dir}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("open cache: %v", err)
		}
		s.pool = sqlitemigration.NewPool(dbPath, schema(), sqlitemigration.Options{
			Flags: sqlite.OpenCreate | sqlite.OpenReadWrite,
			OnError: func(err error) {
				log.Errorf(context.Background(), "fingerprint database: %v", err)
			},
		})
	}
	return s, nil
}

func schema() sqlitemigration.Schema {
	return sqlitemigration.Schema{
		Migrations: []string{
			`CREATE TABLE "fingerprints" (
				"path" TEXT NOT NULL PRIMARY KEY,
				"size" INTEGER NOT NULL,
				"mtime_unix" INTEGER NOT NULL,
				"mtime_nsec" INTEGER NOT NULL,
				"hash" BLOB NOT NULL
			);`,
		},
	}
}

// Close releases the fingerprint database.
func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the location content with the given hash occupies in the
// store.
func (s *Store) Path(h Hash) string {
	hx := h.Hex()
	return filepath.Join(s.dir, hx[:2], hx[2:])
}

// Contains reports whether the store holds content with the given hash.
func (s *Store) Contains(h Hash) bool {
	_, err := os.Lstat(s.Path(h))
	return err == nil
}

// Fingerprint returns the content hash and modification time of the file at
// path, consulting the fingerprint database first: a file with unchanged
// size and mtime keeps its recorded hash.
func (s *Store) Fingerprint(ctx context.Context, path string) (Hash, int64, time.Time, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Hash{}, 0, time.Time{}, err
	}
	if !info.Mode().IsRegular() {
		return Hash{}, 0, time.Time{}, fmt.Errorf("fingerprint %s: not a regular file", path)
	}
	size := info.Size()
	mtime := info.ModTime()

	if h, ok := s.lookupFingerprint(ctx, path, size, mtime); ok {
		return h, size, mtime, nil
	}
	h, _, err := HashFile(path)
	if err != nil {
		return Hash{}, 0, time.Time{}, err
	}
	s.storeFingerprint(ctx, path, size, mtime, h)
	return h, size, mtime, nil
}

func (s *Store) lookupFingerprint(ctx context.Context, path string, size int64, mtime time.Time) (Hash, bool) {
	if s.pool == nil {
		return Hash{}, false
	}
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return Hash{}, false
	}
	defer s.pool.Put(conn)

	var h Hash
	found := false
	err = sqlitex.Execute(conn,
		`SELECT "hash" FROM "fingerprints" WHERE "path" = ? AND "size" = ? AND "mtime_unix" = ? AND "mtime_nsec" = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{path, size, mtime.Unix(), mtime.Nanosecond()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnLen(0) == HashSize {
					stmt.ColumnBytes(0, h[:])
					found = true
				}
				return nil
			},
		})
	if err != nil {
		log.Debugf(ctx, "fingerprint lookup %s: %v", path, err)
		return Hash{}, false
	}
	return h, found
}

func (s *Store) storeFingerprint(ctx context.Context, path string, size int64, mtime time.Time, h Hash) {
	if s.pool == nil {
		return
	}
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO "fingerprints" ("path", "size", "mtime_unix", "mtime_nsec", "hash") VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{path, size, mtime.Unix(), mtime.Nanosecond(), h[:]},
		})
	if err != nil {
		log.Debugf(ctx, "fingerprint store %s: %v", path, err)
	}
}

// Link copies the file at srcPath into the store under hash h.
// It is a no-op if the content is already cached.
func (s *Store) Link(ctx context.Context, h Hash, srcPath string) error {
	dst := s.Path(h)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	// Write through a temporary name so a partial copy is never visible
	// under its final hash.
	tmp := dst + ".tmp"
	if err := osutil.WriteFilePerm(tmp, data, 0o444); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Debugf(ctx, "cached %s as %s", srcPath, h.Hex()[:12])
	return nil
}

// Stage copies cached content out of the store to dstPath with the given
// permissions.
func (s *Store) Stage(ctx context.Context, h Hash, dstPath string, perm fs.FileMode) error {
	data, err := os.ReadFile(s.Path(h))
	if err != nil {
		return fmt.Errorf("stage %s: %v", h.Hex()[:12], err)
	}
	if err := osutil.WriteFilePerm(dstPath, data, perm); err != nil {
		return err
	}
	log.Debugf(ctx, "staged %s to %s", h.Hex()[:12], dstPath)
	return nil
}

// GC removes every cache file whose hash is not in live.
// It returns the number of files removed.
func (s *Store) GC(ctx context.Context, live sets.Set[Hash]) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		sub, rest := filepath.Split(rel)
		h, err := ParseHash(filepath.Clean(sub) + rest)
		if err != nil {
			// Not a cache entry; leave it alone.
			return nil
		}
		if live.Has(h) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache gc: %v", err)
	}
	log.Debugf(ctx, "cache gc removed %d objects", removed)
	return removed, nil
}
