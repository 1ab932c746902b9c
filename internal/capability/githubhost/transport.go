package githubhost

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/kestrelflow/forge/internal/capability"
)

// repoPathPattern extracts "owner/name" from a go-github request path like
// "/repos/owner/name/pulls/1".
var repoPathPattern = regexp.MustCompile(`^/repos/([^/]+)/([^/]+)/`)

// InstallationTransport is an http.RoundTripper that authenticates every
// outbound go-github request with a fresh installation token, looked up by
// the repo the request targets. It exists because capability.RepoHost is
// one client shared across every project's jobs (the worker's Config has a
// single Repo field, not one per installation) while a GitHub App mints a
// distinct token per installation — this transport is the seam that
// reconciles the two, modeled on the teacher's practice of wrapping
// http.RoundTripper to inject auth (see ghinstallation.Transport, which
// AppProvider already wraps one layer down).
type InstallationTransport struct {
	Base               http.RoundTripper
	Tokens             capability.TokenProvider
	RepoToInstallation map[string]string // "owner/name" -> installation id
	// DefaultInstallation is used for requests whose repo isn't found in
	// RepoToInstallation (e.g. StaticProvider mode, where the installation
	// id is ignored entirely).
	DefaultInstallation string
}

func (t *InstallationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	installationID := t.DefaultInstallation
	if m := repoPathPattern.FindStringSubmatch(req.URL.Path); m != nil {
		if id, ok := t.RepoToInstallation[m[1]+"/"+m[2]]; ok {
			installationID = id
		}
	}

	token, err := t.Tokens.Token(req.Context(), installationID)
	if err != nil {
		return nil, fmt.Errorf("githubhost: resolve installation token: %w", err)
	}

	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(cloned)
}
