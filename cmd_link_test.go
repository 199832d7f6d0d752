package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/object"
)

func TestParseExterns(t *testing.T) {
	got, err := parseExterns([]string{"bar=0x1000", "baz=42"})
	require.NoError(t, err)
	assert.Equal(t, jitlink.LookupResult{
		"bar": {Address: 0x1000, Flags: jitlink.FlagExported | jitlink.FlagCallable},
		"baz": {Address: 42, Flags: jitlink.FlagExported | jitlink.FlagCallable},
	}, got)

	for _, bad := range []string{"bar", "=0x10", "bar=zz"} {
		_, err := parseExterns([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestReadLinkInput(t *testing.T) {
	mc.InitializeAllTargets()
	target, tr, err := mc.LookupTarget("x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	asm, err := target.NewAssembler(tr, mc.CodeGenOptions{}, mc.TargetOptions{})
	require.NoError(t, err)
	rel, _, err := asm.Assemble("ret.s", "ret\n")
	require.NoError(t, err)

	exec := make([]byte, object.EhdrSize)
	object.WriteMagic(exec)
	exec[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	exec[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	binary.LittleEndian.PutUint16(exec[16:], uint16(elf.ET_EXEC))

	dir := t.TempDir()
	write := func(name string, contents []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, contents, 0o644))
		return path
	}

	buf, err := readLinkInput(&cobra.Command{}, write("ret.o", rel.Contents))
	require.NoError(t, err)
	assert.Equal(t, rel.Contents, buf.Contents)

	for _, tc := range []struct {
		name     string
		contents []byte
		msg      string
	}{
		{"a.out", exec, "cannot link executable"},
		{"lib.a", []byte("!<arch>\n"), "cannot link archive"},
		{"empty.o", nil, "cannot link empty file"},
		{"foo.asm", []byte("\tret\n"), "looks like assembly source"},
	} {
		_, err := readLinkInput(&cobra.Command{}, write(tc.name, tc.contents))
		assert.ErrorContains(t, err, tc.msg, tc.name)
	}
}

func TestLinkWritesSnapshots(t *testing.T) {
	mc.InitializeAllTargets()
	dir := t.TempDir()
	src := filepath.Join(dir, "foo.s")
	require.NoError(t, os.WriteFile(src, []byte("\t.globl foo\nfoo:\n\tmovl $42, %eax\n\tret\n"), 0o644))

	savedOpts, savedSnapshot, savedNoDump := linkOpts, linkSnapshot, linkNoDump
	t.Cleanup(func() { linkOpts, linkSnapshot, linkNoDump = savedOpts, savedSnapshot, savedNoDump })
	linkOpts.triple = "x86_64-unknown-linux-gnu"
	linkSnapshot = filepath.Join(dir, "foo.msgpack")
	linkNoDump = true

	var stdout, stderr bytes.Buffer
	linkCmd.SetOut(&stdout)
	linkCmd.SetErr(&stderr)
	require.NoError(t, linkCmd.RunE(linkCmd, []string{src}))
	assert.Contains(t, stderr.String(), "foo.s")

	f, err := os.Open(linkSnapshot)
	require.NoError(t, err)
	defer f.Close()
	snaps, err := jitlink.ReadSnapshots(f)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
