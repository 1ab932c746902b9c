// Package wiring resolves a loaded config.Config into concrete
// capability.RepoHost/TokenProvider/Notifier/workspace.Driver
// implementations, the same "resolver picks a concrete backend from config"
// shape as the teacher's scheduler.DispatcherResolver — generalized here
// from "pick a dispatch backend" to "pick the credential and notification
// backends forge's binaries share".
package wiring

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/google/go-github/v68/github"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/capability/githubhost"
	"github.com/kestrelflow/forge/internal/capability/githubtoken"
	"github.com/kestrelflow/forge/internal/capability/notifier"
	"github.com/kestrelflow/forge/internal/config"
	"github.com/kestrelflow/forge/internal/workspace"
)

// Resolver builds the shared capability set both cmd/forge and
// cmd/forge-worker wire into their components, so the two binaries never
// disagree about how a given config resolves to a RepoHost or Notifier.
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// RepoHost builds capability.RepoHost and capability.TokenProvider from
// repo_host config: a GitHub App installation when app_id is set,
// otherwise a static personal-access token. The returned RepoHost is a
// single client shared across every configured project; in GitHub App mode
// it authenticates each request by looking up that request's repo in a
// repoRef -> installation id table built from cfg.Projects.
func (r *Resolver) RepoHost() (capability.RepoHost, capability.TokenProvider, error) {
	rh := r.cfg.RepoHost

	if rh.AppID != 0 {
		pemKey, err := readPrivateKey(rh.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("wiring: read github app private key: %w", err)
		}
		tokens, err := githubtoken.NewAppProvider(rh.AppID, pemKey, http.DefaultTransport)
		if err != nil {
			return nil, nil, fmt.Errorf("wiring: build github app token provider: %w", err)
		}

		repoToInstallation := make(map[string]string, len(r.cfg.Projects))
		for _, p := range r.cfg.Projects {
			if p.RepoRef != "" && p.InstallationID != "" {
				repoToInstallation[p.RepoRef] = p.InstallationID
			}
		}

		httpClient := &http.Client{
			Transport: &githubhost.InstallationTransport{
				Tokens:              tokens,
				RepoToInstallation:  repoToInstallation,
				DefaultInstallation: firstInstallationID(r.cfg.Projects),
			},
		}
		return githubhost.New(github.NewClient(httpClient)), tokens, nil
	}

	if rh.StaticToken == "" {
		return nil, nil, fmt.Errorf("wiring: repo_host requires either app_id or static_token")
	}
	tokens := &githubtoken.StaticProvider{Token_: rh.StaticToken}
	gh := github.NewClient(nil).WithAuthToken(rh.StaticToken)
	return githubhost.New(gh), tokens, nil
}

func firstInstallationID(projects map[string]config.ProjectConfig) string {
	for _, p := range projects {
		if p.InstallationID != "" {
			return p.InstallationID
		}
	}
	return ""
}

func readPrivateKey(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Notifier builds capability.Notifier from notifier config: Slack if a bot
// token is configured, otherwise a generic webhook, otherwise a no-op so
// callers never need a nil check.
func (r *Resolver) Notifier() capability.Notifier {
	n := r.cfg.Notifier
	switch {
	case n.SlackBotToken != "":
		return notifier.NewSlackNotifier(n.SlackBotToken, n.SlackChannel)
	case n.WebhookURL != "":
		return notifier.NewWebhookNotifier(nil, n.WebhookURL, n.WebhookBearerToken)
	default:
		return noopNotifier{}
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(_ context.Context, _, _, _ string) error { return nil }

// WorkspaceDriver builds the workspace.Driver selected by workspace.driver.
func (r *Resolver) WorkspaceDriver() (workspace.Driver, error) {
	w := r.cfg.Workspace
	switch w.Driver {
	case "docker":
		return workspace.NewDockerDriver(w.DockerImage)
	default:
		return workspace.NewTempDirDriver(), nil
	}
}
