// Package agent runs a configured coding-agent CLI as a headless subprocess
// and captures its output for a stage function to parse. Narrowed from the
// teacher's internal/dispatch.HeadlessBackend down to the one thing a stage
// needs: run one prompt to completion in a workspace directory and return
// what it printed, with the subprocess's lifetime scoped to the call.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLIConfig names the executable and argument shape for one agent backend.
// Mirrors the teacher's config.CLIConfig so the same TOML table can
// configure either.
type CLIConfig struct {
	Cmd           string
	PromptMode    string // "stdin", "file", "arg"
	Args          []string
	ModelFlag     string
	Model         string
	ApprovalFlags []string
}

// Runner executes one CLIConfig against a workspace directory.
type Runner struct {
	CLI CLIConfig
}

func NewRunner(cli CLIConfig) *Runner {
	return &Runner{CLI: cli}
}

// Run starts the configured CLI with the given prompt and working
// directory, waits for it to exit, and returns combined stdout+stderr.
// The caller is expected to pass a context with a deadline — §5 requires
// every subprocess wait to have a mandatory timeout.
func (r *Runner) Run(ctx context.Context, prompt, workDir string) (string, error) {
	if strings.TrimSpace(r.CLI.Cmd) == "" {
		return "", fmt.Errorf("agent: empty command configured")
	}

	args, tempPromptPath, err := r.buildArgs(prompt)
	if err != nil {
		return "", err
	}
	if tempPromptPath != "" {
		defer os.Remove(tempPromptPath)
	}

	cmd := exec.CommandContext(ctx, r.CLI.Cmd, args...)
	cmd.Dir = workDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	mode := strings.TrimSpace(r.CLI.PromptMode)
	if mode == "" || mode == "stdin" {
		cmd.Stdin = strings.NewReader(prompt)
	}

	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("agent: run %s: %w", r.CLI.Cmd, err)
	}
	return buf.String(), nil
}

func (r *Runner) buildArgs(prompt string) ([]string, string, error) {
	args := append([]string{}, r.CLI.Args...)

	mode := strings.TrimSpace(r.CLI.PromptMode)
	if mode == "" {
		mode = "stdin"
	}

	tempPromptPath := ""
	switch mode {
	case "stdin", "arg":
		args = replacePlaceholder(args, "{prompt}", prompt)
	case "file":
		f, err := os.CreateTemp("", "forge-prompt-*.txt")
		if err != nil {
			return nil, "", fmt.Errorf("agent: create prompt file: %w", err)
		}
		tempPromptPath = f.Name()
		if _, err := f.WriteString(prompt); err != nil {
			f.Close()
			os.Remove(tempPromptPath)
			return nil, "", fmt.Errorf("agent: write prompt file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tempPromptPath)
			return nil, "", fmt.Errorf("agent: close prompt file: %w", err)
		}
		args = replacePlaceholder(args, "{prompt_file}", tempPromptPath)
	default:
		return nil, "", fmt.Errorf("agent: unsupported prompt_mode %q", mode)
	}

	if strings.TrimSpace(r.CLI.ModelFlag) != "" && strings.TrimSpace(r.CLI.Model) != "" {
		args = append(args, r.CLI.ModelFlag, r.CLI.Model)
	}
	if len(r.CLI.ApprovalFlags) > 0 {
		args = append(args, r.CLI.ApprovalFlags...)
	}
	return args, tempPromptPath, nil
}

func replacePlaceholder(args []string, placeholder, value string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, strings.ReplaceAll(a, placeholder, value))
	}
	return out
}
