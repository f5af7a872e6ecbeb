// Package gitrepo wraps the git command line for the per-project working
// copies the client keeps under a common root directory.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/shared"
)

// ErrCloneFailed is returned when a missing working copy cannot be cloned.
var ErrCloneFailed = errors.New("git clone failed")

// Repo is one local working copy.
type Repo struct {
	path string
}

func (r *Repo) Path() string {
	return r.path
}

// Exec executes a raw git command inside the working copy.
func (r *Repo) Exec(ctx context.Context, args ...string) ([]byte, error) {
	return run(ctx, r.path, args...)
}

// Fetch runs a single git fetch of all refspecs from url.
func (r *Repo) Fetch(ctx context.Context, url string, refspecs []string) error {
	args := append([]string{"fetch", url}, refspecs...)
	if _, err := r.Exec(ctx, args...); err != nil {
		return fmt.Errorf("fetch %s: %w", redact(url), err)
	}
	return nil
}

// HasCommit reports whether the object database contains the commit.
func (r *Repo) HasCommit(ctx context.Context, hash string) bool {
	if hash == "" {
		return false
	}
	_, err := r.Exec(ctx, "cat-file", "-e", hash+"^{commit}")
	return err == nil
}

// Manager hands out working copies, cloning them on first use.
type Manager struct {
	root   string
	gitURL string
	log    logging.Logger

	mu    sync.Mutex
	fresh map[string]bool
}

func NewManager(root, gitURL string, log logging.Logger) *Manager {
	return &Manager{
		root:   root,
		gitURL: gitURL,
		log:    log.With("module", "gitrepo"),
		fresh:  make(map[string]bool),
	}
}

// Get returns the working copy for project. fresh is true when the copy was
// cloned by this process.
func (m *Manager) Get(ctx context.Context, project string) (*Repo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.root, filepath.FromSlash(project))
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return &Repo{path: path}, m.fresh[project], nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCloneFailed, project, err)
	}
	url := strings.TrimSuffix(m.gitURL, "/") + "/" + project
	m.log.Info(ctx, "cloning working copy", "project", project, "path", path)
	if err := cloneInto(ctx, url, path); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCloneFailed, project, err)
	}
	m.fresh[project] = true
	return &Repo{path: path}, true, nil
}

// cloneInto clones url next to path and renames the result into place, so an
// interrupted clone never leaves a half-made copy at path.
func cloneInto(ctx context.Context, url, path string) error {
	suffix, err := shared.MakeRandHexString(4)
	if err != nil {
		return err
	}
	tmp := path + ".clone-" + suffix
	defer os.RemoveAll(tmp)

	if _, err := run(ctx, "", "clone", url, tmp); err != nil {
		return err
	}
	// A leftover directory without .git is replaced.
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s",
			redact(strings.Join(args, " ")), err, string(output))
	}
	return output, nil
}

// redact hides credentials embedded in URLs.
func redact(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		scheme, rest, ok := strings.Cut(f, "://")
		if !ok {
			continue
		}
		if at := strings.Index(rest, "@"); at >= 0 && at < strings.IndexAny(rest+"/", "/") {
			fields[i] = scheme + "://***@" + rest[at+1:]
		}
	}
	return strings.Join(fields, " ")
}
