// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"testing"

	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/sets"
)

func TestMetadataVersionMatches(t *testing.T) {
	tests := []struct {
		name string
		a, b *MetadataVersion
		want bool
	}{
		{
			name: "Equal",
			a:    NewMetadataVersion(1000, 1000, 0o644),
			b:    NewMetadataVersion(1000, 1000, 0o644),
			want: true,
		},
		{
			name: "DifferentOwner",
			a:    NewMetadataVersion(1000, 1000, 0o644),
			b:    NewMetadataVersion(0, 1000, 0o644),
			want: false,
		},
		{
			name: "DifferentMode",
			a:    NewMetadataVersion(1000, 1000, 0o644),
			b:    NewMetadataVersion(1000, 1000, 0o600),
			want: false,
		},
		{
			name: "FileTypeBitsIgnored",
			a:    NewMetadataVersion(1000, 1000, 0o100644),
			b:    NewMetadataVersion(1000, 1000, 0o644),
			want: true,
		},
		{
			name: "Nil",
			a:    NewMetadataVersion(1000, 1000, 0o644),
			b:    nil,
			want: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.a.Matches(test.b); got != test.want {
				t.Errorf("(%v).Matches(%v) = %t; want %t", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestMetadataVersionCheckAccess(t *testing.T) {
	mv := NewMetadataVersion(1000, 100, 0o640)
	tests := []struct {
		name       string
		flags      AccessFlags
		euid, egid uint32
		want       bool
	}{
		{"OwnerRead", ReadAccess(), 1000, 1000, true},
		{"OwnerWrite", WriteAccess(), 1000, 1000, true},
		{"OwnerExecute", AccessFlags{Execute: true}, 1000, 1000, false},
		{"GroupRead", ReadAccess(), 1001, 100, true},
		{"GroupWrite", WriteAccess(), 1001, 100, false},
		{"OtherRead", ReadAccess(), 1001, 101, false},
		{"RootRead", ReadAccess(), 0, 0, true},
		{"RootExecuteNoBits", AccessFlags{Execute: true}, 0, 0, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := mv.CheckAccess(test.flags, test.euid, test.egid); got != test.want {
				t.Errorf("CheckAccess(%v, %d, %d) = %t; want %t", test.flags, test.euid, test.egid, got, test.want)
			}
		})
	}
}

func TestMetadataVersionChmod(t *testing.T) {
	mv := NewMetadataVersion(1000, 1000, 0o100644)
	got := mv.Chmod(0o755)
	if got.Mode&0o7777 != 0o755 {
		t.Errorf("Chmod(0o755).Mode = %o; want permission bits 755", got.Mode)
	}
	if got.Mode&^uint32(0o7777) != 0o100000 {
		t.Errorf("Chmod dropped the file type bits: %o", got.Mode)
	}
	if mv.Mode&0o7777 != 0o644 {
		t.Error("Chmod modified the original version")
	}
}

func TestFileVersionMatches(t *testing.T) {
	h1 := cas.Hash{1}
	h2 := cas.Hash{2}
	tests := []struct {
		name string
		a, b ContentVersion
		want bool
	}{
		{"SameHash", RestoreFileVersion(&h1, emptyTime, false, false), RestoreFileVersion(&h1, emptyTime, false, false), true},
		{"DifferentHash", RestoreFileVersion(&h1, emptyTime, false, false), RestoreFileVersion(&h2, emptyTime, false, false), false},
		{"BothEmpty", EmptyFileVersion(), EmptyFileVersion(), true},
		{"NoFingerprints", NewFileVersion(), NewFileVersion(), false},
		{"DifferentKind", EmptyFileVersion(), NewSymlinkVersion("x"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.a.Matches(test.b); got != test.want {
				t.Errorf("Matches = %t; want %t", got, test.want)
			}
		})
	}

	t.Run("SameInstance", func(t *testing.T) {
		v := NewFileVersion()
		if !v.Matches(v) {
			t.Error("a version does not match itself")
		}
	})
}

func TestSymlinkVersionMatches(t *testing.T) {
	a := NewSymlinkVersion("target")
	if !a.Matches(NewSymlinkVersion("target")) {
		t.Error("equal targets do not match")
	}
	if a.Matches(NewSymlinkVersion("other")) {
		t.Error("different targets match")
	}
}

func TestDirListVersionMatches(t *testing.T) {
	a := NewDirListVersion(sets.New("x", "y"), false)
	if !a.Matches(NewDirListVersion(sets.New("y", "x"), false)) {
		t.Error("equal listings do not match")
	}
	if a.Matches(NewDirListVersion(sets.New("x"), false)) {
		t.Error("listings of different size match")
	}
	if a.Matches(NewDirListVersion(sets.New("x", "z"), false)) {
		t.Error("listings with different names match")
	}
}

func TestBaselineDirListCannotCommit(t *testing.T) {
	baseline := NewDirListVersion(nil, true)
	if baseline.CanCommit() {
		t.Error("baseline listing reports CanCommit")
	}
	fresh := NewDirListVersion(nil, false)
	if !fresh.CanCommit() {
		t.Error("fresh listing cannot commit")
	}
}

func TestPipeVersionsAlwaysMatch(t *testing.T) {
	w := new(PipeWriteVersion)
	r := &PipeReadVersion{Writes: 3}
	if !w.Matches(r) || !r.Matches(w) {
		t.Error("pipe versions do not match each other")
	}
}
