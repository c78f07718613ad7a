package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pagedb/pagedb/core/indexing/btree"
	"github.com/stretchr/testify/require"
)

func setupSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	db, err := btree.NewBTreeFile(filepath.Join(t.TempDir(), "cli.db"), btree.StringSerializer(16, 32),
		btree.Options{PageSize: 256, CacheSize: 16, Concurrency: btree.External})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	out := &bytes.Buffer{}
	return &session{db: db, out: out}, out
}

func execLine(t *testing.T, s *session, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.False(t, s.processCommand(strings.Fields(line)), line)
	return strings.TrimSpace(out.String())
}

func TestSessionCommands(t *testing.T) {
	s, out := setupSession(t)

	require.Equal(t, "OK", execLine(t, s, out, "put alpha first value"))
	require.Equal(t, "OK", execLine(t, s, out, "put beta second"))
	require.Equal(t, "first value", execLine(t, s, out, "get alpha"))
	require.Equal(t, "(not found) gamma", execLine(t, s, out, "get gamma"))

	require.Equal(t, "alpha = first value\nbeta = second\n(2 records)", execLine(t, s, out, "scan"))
	require.Equal(t, "beta = second\n(1 records)", execLine(t, s, out, "scan b 5"))

	require.Equal(t, "OK", execLine(t, s, out, "del alpha"))
	require.Equal(t, "(not found) alpha", execLine(t, s, out, "del alpha"))

	require.Contains(t, execLine(t, s, out, "stats"), "records:      1")
	require.Equal(t, "tree is consistent", execLine(t, s, out, "verify"))
	require.Equal(t, "OK", execLine(t, s, out, "flush"))

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.Equal(t, "backup written to "+dst, execLine(t, s, out, "backup "+dst))

	require.True(t, strings.HasPrefix(execLine(t, s, out, "put "+strings.Repeat("x", 20)+" v"), "Error:"))
	require.True(t, strings.HasPrefix(execLine(t, s, out, "launch"), "Error: Unknown command"))
	require.True(t, strings.HasPrefix(execLine(t, s, out, "scan a -1"), "Error: invalid limit"))

	require.True(t, s.processCommand([]string{"exit"}))
}
