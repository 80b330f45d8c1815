// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"strings"

	"golang.org/x/sys/unix"
)

// AccessFlags captures how a reference wants to use the artifact it resolves
// to. It is the model-level rendering of the open(2) flag set.
type AccessFlags struct {
	Read    bool
	Write   bool
	Execute bool

	Create    bool
	Exclusive bool
	NoFollow  bool
	Truncate  bool
	Directory bool
	Append    bool

	// Mode holds the permission bits used if Create makes a new file.
	// The tracee's umask is applied at creation time.
	Mode uint32
}

// ReadAccess returns flags requesting read access.
func ReadAccess() AccessFlags { return AccessFlags{Read: true} }

// WriteAccess returns flags requesting write access.
func WriteAccess() AccessFlags { return AccessFlags{Write: true} }

// ReadWriteAccess returns flags requesting read and write access.
func ReadWriteAccess() AccessFlags { return AccessFlags{Read: true, Write: true} }

// ExecAccess returns flags requesting traverse/execute access.
func ExecAccess() AccessFlags { return AccessFlags{Read: true, Execute: true} }

// FlagsFromOpen converts an open(2) flag word and creation mode into
// [AccessFlags].
func FlagsFromOpen(oflags int, mode uint32) AccessFlags {
	f := AccessFlags{
		Create:    oflags&unix.O_CREAT != 0,
		Exclusive: oflags&unix.O_EXCL != 0,
		NoFollow:  oflags&unix.O_NOFOLLOW != 0,
		Truncate:  oflags&unix.O_TRUNC != 0,
		Directory: oflags&unix.O_DIRECTORY != 0,
		Append:    oflags&unix.O_APPEND != 0,
		Mode:      mode,
	}
	switch oflags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		f.Read = true
	case unix.O_WRONLY:
		f.Write = true
	case unix.O_RDWR:
		f.Read = true
		f.Write = true
	}
	return f
}

// String renders the flags in the style of ls(1) plus open(2) suffixes,
// e.g. "rw-,create,trunc".
func (f AccessFlags) String() string {
	sb := new(strings.Builder)
	appendRWX := func(b bool, c byte) {
		if b {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('-')
		}
	}
	appendRWX(f.Read, 'r')
	appendRWX(f.Write, 'w')
	appendRWX(f.Execute, 'x')
	for _, opt := range []struct {
		set  bool
		name string
	}{
		{f.Create, "create"},
		{f.Exclusive, "excl"},
		{f.NoFollow, "nofollow"},
		{f.Truncate, "trunc"},
		{f.Directory, "dir"},
		{f.Append, "append"},
	} {
		if opt.set {
			sb.WriteString(",")
			sb.WriteString(opt.name)
		}
	}
	return sb.String()
}
