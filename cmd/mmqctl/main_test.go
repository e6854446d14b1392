package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestAppendReadInspect(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")

	out, err := execute(t, "", "append", "--create", "--segment-size", "4KiB", dir, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n", out)

	out, err = execute(t, "c\nd\n", "append", dir)
	require.NoError(t, err)
	assert.Equal(t, "2\n3\n", out)

	out, err = execute(t, "", "read", "--max", "3", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], "\ta"))
	assert.True(t, strings.HasSuffix(lines[2], "\tc"))
	assert.Contains(t, lines[3], "next offset:")

	out, err = execute(t, "", "inspect", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 1 segments, 4 records, 0 with errors")

	out, err = execute(t, "", "status", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "next sequence: 4")
}

func TestAppendMissingQueue(t *testing.T) {
	_, err := execute(t, "", "append", filepath.Join(t.TempDir(), "missing"), "x")
	require.Error(t, err)
}

func TestShell(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	_, err := execute(t, "", "append", "--create", "--segment-size", "4KiB", dir, "seed")
	require.NoError(t, err)

	out, err := execute(t, "PUBLISH message=hello\nTAIL\nEXIT\nPUBLISH message=ignored\n", "shell", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Type HELP for commands")
	assert.NotContains(t, out, "ERROR")

	out, err = execute(t, "", "read", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "ignored")
}

func TestBench(t *testing.T) {
	out, err := execute(t, "", "bench",
		"--dir", filepath.Join(t.TempDir(), "bench"),
		"--segment-size", "16KiB",
		"--producers", "2", "--messages", "200", "--consumers", "2",
		"--durability", "batch")
	require.NoError(t, err)
	assert.Contains(t, out, "messages:     400 x 100 B")
}
