package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStdinModePipesPromptToStdin(t *testing.T) {
	r := NewRunner(CLIConfig{Cmd: "/bin/cat", PromptMode: "stdin"})
	out, err := r.Run(context.Background(), "hello from the build stage", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "hello from the build stage", out)
}

func TestRunArgModeSubstitutesPlaceholder(t *testing.T) {
	r := NewRunner(CLIConfig{Cmd: "/bin/echo", PromptMode: "arg", Args: []string{"{prompt}"}})
	out, err := r.Run(context.Background(), "implement the caching layer", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "implement the caching layer\n", out)
}

func TestRunFileModeWritesPromptToTempFileAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "record-path.sh")
	capture := filepath.Join(dir, "captured-path.txt")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$1\" > \""+capture+"\"\ncat \"$1\"\n"), 0o755))

	r := NewRunner(CLIConfig{Cmd: script, PromptMode: "file", Args: []string{"{prompt_file}"}})
	out, err := r.Run(context.Background(), "strategize the next cycle", dir)
	require.NoError(t, err)
	require.Equal(t, "strategize the next cycle", out)

	capturedPath, err := os.ReadFile(capture)
	require.NoError(t, err)
	path := strings.TrimSpace(string(capturedPath))
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "the temp prompt file must be removed after Run returns")
}

func TestRunAppendsModelAndApprovalFlags(t *testing.T) {
	r := NewRunner(CLIConfig{
		Cmd:           "/bin/echo",
		PromptMode:    "arg",
		Args:          []string{"{prompt}"},
		ModelFlag:     "--model",
		Model:         "opus",
		ApprovalFlags: []string{"--dangerously-skip-permissions"},
	})
	out, err := r.Run(context.Background(), "review PR 42", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "review PR 42 --model opus --dangerously-skip-permissions\n", out)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := NewRunner(CLIConfig{})
	_, err := r.Run(context.Background(), "x", t.TempDir())
	require.Error(t, err)
}

func TestRunRejectsUnsupportedPromptMode(t *testing.T) {
	r := NewRunner(CLIConfig{Cmd: "/bin/echo", PromptMode: "carrier-pigeon"})
	_, err := r.Run(context.Background(), "x", t.TempDir())
	require.Error(t, err)
}

func TestRunHonorsContextDeadline(t *testing.T) {
	r := NewRunner(CLIConfig{Cmd: "/bin/sleep", PromptMode: "arg", Args: []string{"5"}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "irrelevant", t.TempDir())
	require.Error(t, err, "a subprocess that outlives its context deadline must be reported as a failure")
}
