package catalog

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v27/github"
)

func TestSplitRepoURL(t *testing.T) {
	tests := []struct {
		in        string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"https://github.com/distr1/casks", "distr1", "casks", false},
		{"https://github.com/distr1/casks/", "", "", true},
		{"not-a-url", "", "", true},
	}
	for _, tt := range tests {
		owner, repo, err := splitRepoURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitRepoURL(%q): got nil error, want one", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitRepoURL(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if owner != tt.wantOwner || repo != tt.wantRepo {
			t.Errorf("splitRepoURL(%q) = (%q, %q), want (%q, %q)", tt.in, owner, repo, tt.wantOwner, tt.wantRepo)
		}
	}
}

func TestIsGitHubNotFound(t *testing.T) {
	notFound := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusNotFound}}
	if !isGitHubNotFound(notFound) {
		t.Error("isGitHubNotFound(404 response) = false, want true")
	}

	forbidden := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusForbidden}}
	if isGitHubNotFound(forbidden) {
		t.Error("isGitHubNotFound(403 response) = true, want false")
	}

	if isGitHubNotFound(errors.New("some other error")) {
		t.Error("isGitHubNotFound(non-github error) = true, want false")
	}
}
