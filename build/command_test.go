// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import "testing"

func TestShortName(t *testing.T) {
	tests := []struct {
		args  []string
		limit int
		want  string
	}{
		{[]string{"/usr/bin/cc", "-c", "foo.c"}, 80, "cc -c foo.c"},
		{[]string{"cc", "-c", "a-very-long-source-file-name.c", "-o", "out.o"}, 20, "cc -c a-very-long..."},
		{nil, 80, "<command>"},
		{[]string{"sh"}, 80, "sh"},
	}
	for _, test := range tests {
		c := NewCommand(test.args, nil)
		if got := c.ShortName(test.limit); got != test.want {
			t.Errorf("ShortName(%d) of %v = %q; want %q", test.limit, test.args, got, test.want)
		}
	}
}

func TestFindChild(t *testing.T) {
	b, _ := newResolveTest(t)

	parent := NewCommand([]string{"sh"}, nil)
	parent.SetExecuted()

	fds := map[int]FileDescriptor{
		0: {Ref: RefStdin},
		1: {Ref: RefStdout, Write: true},
	}
	child := NewCommand([]string{"cc", "-c", "foo.c"}, fds)
	root := b.env.RootDir()
	stdin := b.env.Stdin()
	child.SetRef(RefExe, NewRef(ExecAccess(), root))
	child.SetRef(RefCWD, NewRef(ExecAccess(), root))
	child.SetRef(RefRoot, NewRef(ExecAccess(), root))
	child.SetRef(RefStdin, NewRef(ReadAccess(), stdin))
	parent.AddChild(child)

	if got := parent.FindChild(root, root, root, []string{"cc", "-c", "foo.c"}, fds); got != child {
		t.Errorf("FindChild = %v; want the recorded child", got)
	}
	if got := parent.FindChild(root, root, root, []string{"cc", "-c", "bar.c"}, fds); got != nil {
		t.Errorf("FindChild with different args = %v; want nil", got)
	}
	if got := parent.FindChild(stdin, root, root, []string{"cc", "-c", "foo.c"}, fds); got != nil {
		t.Errorf("FindChild with different exe = %v; want nil", got)
	}
	if got := parent.FindChild(root, root, root, []string{"cc", "-c", "foo.c"}, nil); got != nil {
		t.Errorf("FindChild with different fd table = %v; want nil", got)
	}
}

func TestAddChildDeduplicates(t *testing.T) {
	parent := NewCommand([]string{"sh"}, nil)
	child := NewCommand([]string{"true"}, nil)
	parent.AddChild(child)
	parent.AddChild(child)
	if got := len(parent.Children()); got != 1 {
		t.Errorf("len(Children()) = %d; want 1", got)
	}
}

func TestRefUserCount(t *testing.T) {
	r := NewRef(ReadAccess(), nil)
	if !r.AddUser() {
		t.Error("first AddUser did not report first handle")
	}
	if r.AddUser() {
		t.Error("second AddUser reported first handle")
	}
	if r.RemoveUser() {
		t.Error("first RemoveUser reported last handle")
	}
	if !r.RemoveUser() {
		t.Error("second RemoveUser did not report last handle")
	}
	if r.RemoveUser() {
		t.Error("RemoveUser on empty ref reported last handle")
	}
}
