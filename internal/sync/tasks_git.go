package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/store"
	"go.uber.org/multierr"
)

// fetchRefs fetches refs into the project's working copy. When the batched
// fetch fails each ref is retried on its own; the returned error aggregates
// the refs that still failed.
func (e *Engine) fetchRefs(ctx context.Context, project, remoteURL string, refs []string) error {
	repo, _, err := e.repos.Get(ctx, project)
	if err != nil {
		return err
	}
	specs := make([]string, len(refs))
	for i, ref := range refs {
		specs[i] = refspec(ref)
	}
	err = repo.Fetch(ctx, remoteURL, specs)
	if err == nil || len(specs) == 1 {
		return err
	}
	e.log.Warn(ctx, "batched fetch failed, fetching refs one at a time",
		"project", project, "refs", len(refs), "error", err)

	var errs error
	for _, spec := range specs {
		if err := repo.Fetch(ctx, remoteURL, []string{spec}); err != nil {
			e.log.Warn(ctx, "fetch failed", "project", project, "refspec", spec, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", spec, err))
		}
	}
	return errs
}

func refspec(ref string) string {
	return "+" + ref + ":" + ref
}

// CheckReposTask verifies the working copies of subscribed projects. Only
// freshly cloned repositories are walked unless FetchMissingRefs is set.
type CheckReposTask struct {
	*taskBase
}

func NewCheckReposTask(p Priority) *CheckReposTask {
	return &CheckReposTask{taskBase: newTaskBase(p)}
}

func (t *CheckReposTask) String() string   { return "CheckRepos" }
func (t *CheckReposTask) dedupKey() string { return "CheckRepos" }

func (t *CheckReposTask) Execute(ctx context.Context, e *Engine) error {
	var names []string
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		projects, err := s.ListProjects(ctx, true)
		if err != nil {
			return err
		}
		for _, p := range projects {
			names = append(names, p.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range names {
		_, fresh, err := e.repos.Get(ctx, name)
		if err != nil {
			e.log.Error(ctx, "unable to prepare working copy", "project", name, "error", err)
			continue
		}
		if fresh || e.opts.FetchMissingRefs {
			e.spawn(t, NewCheckRevisionsTask(name, LowPriority))
		}
	}
	return nil
}

// CheckRevisionsTask fetches every open revision whose commit or parent is
// missing from the project's working copy.
type CheckRevisionsTask struct {
	*taskBase
	Project string
}

func NewCheckRevisionsTask(project string, p Priority) *CheckRevisionsTask {
	return &CheckRevisionsTask{taskBase: newTaskBase(p), Project: project}
}

func (t *CheckRevisionsTask) String() string   { return fmt.Sprintf("CheckRevisions(%s)", t.Project) }
func (t *CheckRevisionsTask) dedupKey() string { return "CheckRevisions:" + t.Project }

type revisionRef struct {
	commit string
	parent string
	auth   bool
	ref    string
}

func (t *CheckRevisionsTask) Execute(ctx context.Context, e *Engine) error {
	var revs []revisionRef
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		project, err := s.GetProjectByName(ctx, t.Project)
		if err != nil || project == nil {
			return err
		}
		changes, err := s.ListOpenChanges(ctx, project.Key)
		if err != nil {
			return err
		}
		for _, c := range changes {
			revisions, err := s.ListRevisions(ctx, c.Key)
			if err != nil {
				return err
			}
			for _, r := range revisions {
				revs = append(revs, revisionRef{commit: r.Commit, parent: r.Parent, auth: r.FetchAuth, ref: r.FetchRef})
			}
		}
		return nil
	})
	if err != nil || len(revs) == 0 {
		return err
	}

	repo, _, err := e.repos.Get(ctx, t.Project)
	if err != nil {
		return err
	}
	missing := make(map[bool][]string)
	for _, r := range revs {
		if r.ref == "" {
			continue
		}
		if repo.HasCommit(ctx, r.commit) && (r.parent == "" || repo.HasCommit(ctx, r.parent)) {
			continue
		}
		missing[r.auth] = append(missing[r.auth], r.ref)
	}

	for _, auth := range []bool{false, true} {
		refs := missing[auth]
		if len(refs) == 0 {
			continue
		}
		remoteURL := e.gitURL(t.Project)
		if auth {
			remoteURL = e.authURL(t.Project)
		}
		e.log.Info(ctx, "fetching missing refs", "project", t.Project, "refs", len(refs))
		e.spawn(t, NewFetchRefTask(t.Project, remoteURL, refs, t.Priority()))
	}
	return nil
}

// FetchRefTask fetches a batch of refs from one remote URL. Fetch failures
// are logged and never fail the task.
type FetchRefTask struct {
	*taskBase
	Project string
	URL     string
	Refs    []string
}

func NewFetchRefTask(project, remoteURL string, refs []string, p Priority) *FetchRefTask {
	return &FetchRefTask{taskBase: newTaskBase(p), Project: project, URL: remoteURL, Refs: refs}
}

func (t *FetchRefTask) String() string {
	return fmt.Sprintf("FetchRef(%s, %s)", t.Project, strings.Join(t.Refs, " "))
}

func (t *FetchRefTask) Execute(ctx context.Context, e *Engine) error {
	if err := e.fetchRefs(ctx, t.Project, t.URL, t.Refs); err != nil {
		e.log.Error(ctx, "unable to fetch refs", "project", t.Project, "error", err)
	}
	return nil
}
