// Package remote centralizes GitHub raw content URLs for the project.
//
// Owner and repo are determined lazily on first access. Values set at build
// time via ldflags take precedence; otherwise the package derives them from
// the main module path embedded in the binary's build info.
package remote

import (
	"regexp"
	"runtime/debug"
	"sync"
)

// Set at build time via:
//
//	-X github.com/navali-creations/soothsayer-sub009/internal/remote.ldOwner=...
//	-X github.com/navali-creations/soothsayer-sub009/internal/remote.ldRepo=...
var (
	ldOwner string
	ldRepo  string
)

var (
	initOnce sync.Once
	owner    string
	repo     string
)

// githubModuleRe extracts owner and repo from GitHub module paths and remote
// URLs. Matches both path (github.com/) and SSH (github.com:) forms.
var githubModuleRe = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/.]+)`)

// ensureInit lazily resolves owner and repo on first call. Build-time ldflags
// are preferred; otherwise the values come from the main module path.
func ensureInit() {
	initOnce.Do(func() {
		if ldOwner != "" && ldRepo != "" {
			owner = ldOwner
			repo = ldRepo
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		m := githubModuleRe.FindStringSubmatch(info.Main.Path)
		if len(m) == 3 {
			owner = m[1]
			repo = m[2]
		}
	})
}

// Owner returns the GitHub repository owner.
func Owner() string {
	ensureInit()
	return owner
}

// Repo returns the GitHub repository name.
func Repo() string {
	ensureInit()
	return repo
}

// RawURL returns the raw GitHub URL for a file on the main branch.
// Returns empty string if owner/repo could not be determined.
func RawURL(path string) string {
	ensureInit()
	if owner == "" || repo == "" {
		return ""
	}
	return "https://raw.githubusercontent.com/" + owner + "/" + repo + "/main/" + path
}
