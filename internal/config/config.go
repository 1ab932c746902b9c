// Package config loads and validates forge's TOML configuration, following
// the teacher's internal/config package: a root Config struct with nested
// tables, a hand-rolled Duration type so TOML can express "5s"/"60m", and a
// Load/Reload/LoadManager chain supporting hot-reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrelflow/forge/internal/cycle"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of forge's configuration file.
type Config struct {
	General   General                  `toml:"general"`
	Queue     Queue                    `toml:"queue"`
	Health    Health                   `toml:"health"`
	Agent     CLIConfig                `toml:"agent"`
	Workspace WorkspaceConfig          `toml:"workspace"`
	RepoHost  RepoHostConfig           `toml:"repo_host"`
	Notifier  NotifierConfig           `toml:"notifier"`
	Watchdog  Watchdog                 `toml:"watchdog"`
	Projects  map[string]ProjectConfig `toml:"projects"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	WorkerID string `toml:"worker_id"`
}

// Queue configures the worker loop's poll/claim/retry behavior (§4.7).
type Queue struct {
	PollInterval Duration `toml:"poll_interval"`
	PausedSleep  Duration `toml:"paused_sleep"`
	MaxAttempts  int      `toml:"max_attempts"`
	StaleAfter   Duration `toml:"stale_after"`
}

// Health configures the supervisor's periodic sweeps (§4.8).
type Health struct {
	CheckInterval       Duration `toml:"check_interval"`
	DigestInterval      Duration `toml:"digest_interval"`
	MergeLockMax        Duration `toml:"merge_lock_max"`
	RecoverablePatterns []string `toml:"recoverable_patterns"`
}

// ConcurrencyThresholdsInvalid reports whether any of the supervisor's
// interval fields are non-positive.
func (h Health) ConcurrencyThresholdsInvalid() bool {
	return h.CheckInterval.Duration <= 0 || h.DigestInterval.Duration <= 0 || h.MergeLockMax.Duration <= 0
}

// CLIConfig describes how to invoke the headless coding-agent CLI a stage
// runs. Mirrors the teacher's dispatch.CLIConfig shape, with a Model field
// added; forge's agent runner passes it only when model_flag is also set.
type CLIConfig struct {
	Cmd           string   `toml:"cmd"`
	PromptMode    string   `toml:"prompt_mode"` // "stdin", "file", "arg"
	Args          []string `toml:"args"`
	ModelFlag     string   `toml:"model_flag"`
	Model         string   `toml:"model"`
	ApprovalFlags []string `toml:"approval_flags"`
}

// WorkspaceConfig selects and configures the per-job workspace driver
// (§5): a plain temp directory by default, or a Docker container sandbox.
type WorkspaceConfig struct {
	Driver      string `toml:"driver"` // "tempdir" or "docker"
	BaseDir     string `toml:"base_dir"`
	DockerImage string `toml:"docker_image"`
}

// RepoHostConfig selects the production RepoHost/TokenProvider wiring: a
// GitHub App installation (preferred) or a static PAT fallback, mirroring
// the teacher's creds.HasGithubApp() branch.
type RepoHostConfig struct {
	AppID          int64  `toml:"app_id"`
	PrivateKeyPath string `toml:"private_key_path"`
	StaticToken    string `toml:"static_token"`
}

// NotifierConfig selects which Notifier backend is wired: Slack if a bot
// token is present, otherwise a generic webhook if a URL is present.
type NotifierConfig struct {
	SlackBotToken      string `toml:"slack_bot_token"`
	SlackChannel       string `toml:"slack_channel"`
	WebhookURL         string `toml:"webhook_url"`
	WebhookBearerToken string `toml:"webhook_bearer_token"`
}

// Watchdog configures the optional AI-assisted diagnosis pass (§4.9).
type Watchdog struct {
	Enabled  bool     `toml:"enabled"`
	Model    string   `toml:"model"`
	Interval Duration `toml:"interval"`
}

// ProjectConfig is the TOML shape synced into a store.Project row at
// startup (project rows themselves are the runtime source of truth for
// mutable fields like Paused; config only seeds/updates the rest).
type ProjectConfig struct {
	RepoRef               string   `toml:"repo_ref"`
	InstallationID        string   `toml:"installation_id"`
	DefaultBranch         string   `toml:"default_branch"`
	AutonomyMode          string   `toml:"autonomy_mode"` // audit, assist, automate
	MaxConcurrentBranches int      `toml:"max_concurrent_branches"`
	RiskPaths             []string `toml:"risk_paths"`
	ScoutSchedule         string   `toml:"scout_schedule"` // cron expression
	WildCardFrequency     float64  `toml:"wild_card_frequency"`
	ProductContext        string   `toml:"product_context"`
	Nudges                []string `toml:"nudges"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Agent.Args = cloneStringSlice(cfg.Agent.Args)
	cloned.Agent.ApprovalFlags = cloneStringSlice(cfg.Agent.ApprovalFlags)
	cloned.Health.RecoverablePatterns = cloneStringSlice(cfg.Health.RecoverablePatterns)
	cloned.Projects = cloneProjects(cfg.Projects)
	return &cloned
}

func cloneProjects(in map[string]ProjectConfig) map[string]ProjectConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]ProjectConfig, len(in))
	for key, p := range in {
		p.RiskPaths = cloneStringSlice(p.RiskPaths)
		p.Nudges = cloneStringSlice(p.Nudges)
		out[key] = p
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a forge TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a forge TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh
// paths triggered by SIGHUP.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

// RestartRequired reports whether reloading from old to new touches a
// field that can only take effect on process restart (the state DB path
// and the workspace driver both pin resources acquired at startup).
func RestartRequired(old, new *Config) bool {
	if old == nil || new == nil {
		return old != new
	}
	return old.General.StateDB != new.General.StateDB ||
		old.Workspace.Driver != new.Workspace.Driver
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "forge.db"
	}
	if cfg.General.WorkerID == "" {
		cfg.General.WorkerID = "forge-worker-1"
	}

	if cfg.Queue.PollInterval.Duration == 0 {
		cfg.Queue.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Queue.PausedSleep.Duration == 0 {
		cfg.Queue.PausedSleep.Duration = 30 * time.Second
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.StaleAfter.Duration == 0 {
		cfg.Queue.StaleAfter.Duration = time.Hour
	}

	if cfg.Health.CheckInterval.Duration == 0 {
		cfg.Health.CheckInterval.Duration = 2 * time.Minute
	}
	if cfg.Health.DigestInterval.Duration == 0 {
		cfg.Health.DigestInterval.Duration = 5 * time.Minute
	}
	if cfg.Health.MergeLockMax.Duration == 0 {
		cfg.Health.MergeLockMax.Duration = 5 * time.Minute
	}
	if len(cfg.Health.RecoverablePatterns) == 0 {
		cfg.Health.RecoverablePatterns = []string{
			"connection reset",
			"network is unreachable",
			"install failed",
			"oauth token not available",
		}
	}

	if cfg.Agent.Cmd == "" {
		cfg.Agent.Cmd = "claude"
	}
	if cfg.Agent.PromptMode == "" {
		cfg.Agent.PromptMode = "arg"
	}

	if cfg.Workspace.Driver == "" {
		cfg.Workspace.Driver = "tempdir"
	}
	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = os.TempDir()
	}

	if cfg.Watchdog.Interval.Duration == 0 {
		cfg.Watchdog.Interval.Duration = 10 * time.Minute
	}

	for name, project := range cfg.Projects {
		if project.DefaultBranch == "" {
			project.DefaultBranch = "main"
		}
		if !md.IsDefined("projects", name, "autonomy_mode") {
			project.AutonomyMode = "assist"
		}
		project.AutonomyMode = strings.ToLower(strings.TrimSpace(project.AutonomyMode))
		if project.MaxConcurrentBranches == 0 {
			project.MaxConcurrentBranches = 1
		}
		if !md.IsDefined("projects", name, "wild_card_frequency") {
			project.WildCardFrequency = 0.2
		}
		cfg.Projects[name] = project
	}
}

// normalizePaths expands "~" and trims whitespace for configured
// filesystem paths.
func normalizePaths(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	cfg.RepoHost.PrivateKeyPath = ExpandHome(strings.TrimSpace(cfg.RepoHost.PrivateKeyPath))
	cfg.Workspace.BaseDir = ExpandHome(strings.TrimSpace(cfg.Workspace.BaseDir))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	verr := &ConfigValidationError{}

	if len(cfg.Projects) == 0 {
		verr.add("projects", "at least one project must be configured", "add a [projects.<name>] table")
	}

	validAutonomy := map[string]struct{}{"audit": {}, "assist": {}, "automate": {}}
	names := make([]string, 0, len(cfg.Projects))
	for name := range cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Projects[name]
		field := "projects." + name

		if strings.TrimSpace(p.RepoRef) == "" {
			verr.add(field+".repo_ref", "repo_ref is required", "set repo_ref to \"owner/name\"")
		} else if !strings.Contains(p.RepoRef, "/") {
			verr.add(field+".repo_ref", fmt.Sprintf("repo_ref %q is not owner/name", p.RepoRef), "use the form \"owner/name\"")
		}
		if _, ok := validAutonomy[p.AutonomyMode]; !ok {
			verr.add(field+".autonomy_mode", fmt.Sprintf("invalid autonomy_mode %q", p.AutonomyMode), "use one of audit, assist, automate")
		}
		if p.MaxConcurrentBranches < 0 {
			verr.add(field+".max_concurrent_branches", "cannot be negative", "set to 0 or more")
		}
		if p.WildCardFrequency < 0 || p.WildCardFrequency > 1 {
			verr.add(field+".wild_card_frequency", fmt.Sprintf("must be between 0 and 1, got %v", p.WildCardFrequency), "set a value in [0,1]")
		}
		if strings.TrimSpace(p.ScoutSchedule) != "" {
			if err := cycle.ValidateScoutSchedule(p.ScoutSchedule); err != nil {
				verr.add(field+".scout_schedule", fmt.Sprintf("invalid cron expression: %v", err), "use standard 5-field cron syntax")
			}
		}
	}

	if cfg.Queue.MaxAttempts < 1 {
		verr.add("queue.max_attempts", "must be at least 1", "set queue.max_attempts >= 1")
	}
	if cfg.Queue.PollInterval.Duration <= 0 {
		verr.add("queue.poll_interval", "must be > 0", "set queue.poll_interval, e.g. \"5s\"")
	}

	if cfg.Health.ConcurrencyThresholdsInvalid() {
		verr.add("health", "check_interval, digest_interval, and merge_lock_max must all be > 0", "set positive durations")
	}

	if cfg.Agent.Cmd == "" {
		verr.add("agent.cmd", "is required", "set agent.cmd to the coding-agent CLI binary")
	}
	switch cfg.Agent.PromptMode {
	case "stdin", "file", "arg":
	default:
		verr.add("agent.prompt_mode", fmt.Sprintf("invalid prompt_mode %q", cfg.Agent.PromptMode), "use one of stdin, file, arg")
	}
	if cfg.Agent.ModelFlag != "" && !strings.HasPrefix(cfg.Agent.ModelFlag, "-") {
		verr.add("agent.model_flag", fmt.Sprintf("%q must start with '-'", cfg.Agent.ModelFlag), "e.g. --model or -m")
	}

	switch cfg.Workspace.Driver {
	case "tempdir", "docker":
	default:
		verr.add("workspace.driver", fmt.Sprintf("invalid driver %q", cfg.Workspace.Driver), "use one of tempdir, docker")
	}
	if cfg.Workspace.Driver == "docker" && cfg.Workspace.DockerImage == "" {
		verr.add("workspace.docker_image", "is required when workspace.driver is \"docker\"", "set a base image, e.g. golang:1.23")
	}

	if cfg.RepoHost.AppID != 0 && cfg.RepoHost.PrivateKeyPath == "" {
		verr.add("repo_host.private_key_path", "is required when repo_host.app_id is set", "set the path to the GitHub App's PEM private key")
	}
	if cfg.RepoHost.AppID == 0 && cfg.RepoHost.StaticToken == "" {
		verr.add("repo_host", "either app_id (+ private_key_path) or static_token must be configured", "configure a GitHub App or a static PAT")
	}

	if cfg.Notifier.SlackBotToken != "" && cfg.Notifier.SlackChannel == "" {
		verr.add("notifier.slack_channel", "is required when notifier.slack_bot_token is set", "set the channel id or name to post to")
	}

	if cfg.Watchdog.Enabled && cfg.Watchdog.Interval.Duration <= 0 {
		verr.add("watchdog.interval", "must be > 0 when watchdog.enabled is true", "set watchdog.interval, e.g. \"10m\"")
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		if dir != "." {
			info, err := os.Stat(dir)
			if err != nil {
				verr.add("general.state_db", fmt.Sprintf("parent directory %q does not exist", dir), "create the directory or change state_db")
			} else if !info.IsDir() {
				verr.add("general.state_db", fmt.Sprintf("parent path %q is not a directory", dir), "point state_db at a file under an existing directory")
			}
		}
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}

// ConfigValidationIssue is a single structured config validation failure.
type ConfigValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ConfigValidationError aggregates every config validation failure found,
// in the shape of the teacher's DispatchValidationError.
type ConfigValidationError struct {
	Issues []ConfigValidationIssue
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("config validation failed")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

func (e *ConfigValidationError) add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ConfigValidationIssue{
		FieldPath:  fieldPath,
		Message:    message,
		Suggestion: suggestion,
	})
}
