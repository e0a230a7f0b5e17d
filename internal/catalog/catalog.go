// Package catalog implements collab.Catalog by reading cask metadata
// files out of a GitHub repository, the way cmd/autobuilder already
// talks to GitHub to drive builds.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/distr1/distri/pkgman/collab"
	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
)

// caskManifest is the on-disk shape of a cask metadata file
// (casks/<token>.json in the catalog repo). distri has no native cask
// format to reuse, so this is kept to the minimum collab.CaskMeta needs;
// everything else about the upstream artifact (its real download URL,
// checksum, ...) is looked up by the Fetcher once FormulaDeps/CaskDeps
// have been resolved.
type caskManifest struct {
	FormulaDeps []string `json:"formula_deps"`
	CaskDeps    []string `json:"cask_deps"`
}

// Catalog implements collab.Catalog against a single GitHub repository
// (owner/repo) holding one casks/<token>.json file per known cask.
type Catalog struct {
	Owner, Repo string
	client      *github.Client
}

// New constructs a Catalog. accessToken may be empty for public repos
// under GitHub's unauthenticated rate limit.
func New(ctx context.Context, repoURL, accessToken string) (*Catalog, error) {
	owner, repo, err := splitRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	var hc = github.NewClient(nil)
	if accessToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		hc = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return &Catalog{Owner: owner, Repo: repo, client: hc}, nil
}

func splitRepoURL(repoURL string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimPrefix(repoURL, "https://github.com/"), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed GitHub repo URL %q, want https://github.com/<owner>/<repo>", repoURL)
	}
	return parts[0], parts[1], nil
}

// GetCask implements collab.Catalog.
func (c *Catalog) GetCask(ctx context.Context, token string) (collab.CaskMeta, error) {
	rc, err := c.client.Repositories.DownloadContents(ctx, c.Owner, c.Repo, "casks/"+token+".json", nil)
	if err != nil {
		if isGitHubNotFound(err) {
			return collab.CaskMeta{}, &collab.NotFoundError{Name: token}
		}
		return collab.CaskMeta{}, err
	}
	defer rc.Close()

	var m caskManifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return collab.CaskMeta{}, fmt.Errorf("decoding cask manifest for %s: %w", token, err)
	}
	return collab.CaskMeta{
		Token:       token,
		FormulaDeps: m.FormulaDeps,
		CaskDeps:    m.CaskDeps,
	}, nil
}

func isGitHubNotFound(err error) bool {
	if er, ok := err.(*github.ErrorResponse); ok {
		return er.Response != nil && er.Response.StatusCode == 404
	}
	return false
}
