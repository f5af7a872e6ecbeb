package sync

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/store"
)

// GetVersionTask records the server version. Some upload endpoints differ
// between server releases.
type GetVersionTask struct {
	*taskBase
}

func NewGetVersionTask(p Priority) *GetVersionTask {
	return &GetVersionTask{taskBase: newTaskBase(p)}
}

func (t *GetVersionTask) String() string   { return "GetVersion" }
func (t *GetVersionTask) dedupKey() string { return "GetVersion" }

func (t *GetVersionTask) Execute(ctx context.Context, e *Engine) error {
	var version string
	ok, err := e.get(ctx, "config/server/version", &version)
	if err != nil || !ok {
		return err
	}
	err = e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		return s.SetMetadata(ctx, store.MetaServerVersion, version)
	})
	if err != nil {
		return err
	}
	e.setServerVersion(version)
	e.log.Info(ctx, "server version", "version", version)
	return nil
}

// SyncOwnAccountTask caches the authenticated account and remembers its id.
type SyncOwnAccountTask struct {
	*taskBase
}

func NewSyncOwnAccountTask(p Priority) *SyncOwnAccountTask {
	return &SyncOwnAccountTask{taskBase: newTaskBase(p)}
}

func (t *SyncOwnAccountTask) String() string   { return "SyncOwnAccount" }
func (t *SyncOwnAccountTask) dedupKey() string { return "SyncOwnAccount" }

func (t *SyncOwnAccountTask) Execute(ctx context.Context, e *Engine) error {
	var acct remoteAccount
	ok, err := e.get(ctx, "accounts/self", &acct)
	if err != nil || !ok {
		return err
	}
	err = e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		if _, err := s.UpsertAccount(ctx, acct.AccountID, acct.info()); err != nil {
			return err
		}
		return s.SetMetadata(ctx, store.MetaOwnAccountID, strconv.Itoa(acct.AccountID))
	})
	if err != nil {
		return err
	}
	e.setAccountID(acct.AccountID)
	return nil
}

// SyncProjectListTask mirrors the server's project list. New projects start
// unsubscribed.
type SyncProjectListTask struct {
	*taskBase
}

func NewSyncProjectListTask(p Priority) *SyncProjectListTask {
	return &SyncProjectListTask{taskBase: newTaskBase(p)}
}

func (t *SyncProjectListTask) String() string   { return "SyncProjectList" }
func (t *SyncProjectListTask) dedupKey() string { return "SyncProjectList" }

func (t *SyncProjectListTask) Execute(ctx context.Context, e *Engine) error {
	var remote map[string]remoteProject
	ok, err := e.get(ctx, "projects/?d", &remote)
	if err != nil || !ok {
		return err
	}

	return e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		local, err := s.ListProjects(ctx, false)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(local))
		for _, p := range local {
			known[p.Name] = struct{}{}
			if _, ok := remote[p.Name]; ok {
				continue
			}
			e.log.Info(ctx, "deleting project", "project", p.Name)
			if err := s.DeleteProject(ctx, p.Key); err != nil {
				return err
			}
		}
		for _, name := range sortedKeys(remote) {
			if _, ok := known[name]; ok {
				continue
			}
			p, err := s.CreateProject(ctx, name, remote[name].Description)
			if err != nil {
				return err
			}
			e.log.Info(ctx, "created project", "project", name)
			t.addResult(UpdateEvent{Kind: ProjectAdded, ProjectKey: p.Key})
		}
		return nil
	})
}

// SyncSubscribedProjectBranchesTask queues a branch sync for every
// subscribed project.
type SyncSubscribedProjectBranchesTask struct {
	*taskBase
}

func NewSyncSubscribedProjectBranchesTask(p Priority) *SyncSubscribedProjectBranchesTask {
	return &SyncSubscribedProjectBranchesTask{taskBase: newTaskBase(p)}
}

func (t *SyncSubscribedProjectBranchesTask) String() string { return "SyncSubscribedProjectBranches" }
func (t *SyncSubscribedProjectBranchesTask) dedupKey() string {
	return "SyncSubscribedProjectBranches"
}

func (t *SyncSubscribedProjectBranchesTask) Execute(ctx context.Context, e *Engine) error {
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
		e.spawn(t, NewSyncProjectBranchesTask(name, t.Priority()))
	}
	return nil
}

// SyncProjectBranchesTask reconciles the branch list of one project.
type SyncProjectBranchesTask struct {
	*taskBase
	Project string
}

func NewSyncProjectBranchesTask(project string, p Priority) *SyncProjectBranchesTask {
	return &SyncProjectBranchesTask{taskBase: newTaskBase(p), Project: project}
}

func (t *SyncProjectBranchesTask) String() string {
	return fmt.Sprintf("SyncProjectBranches(%s)", t.Project)
}

func (t *SyncProjectBranchesTask) dedupKey() string { return "SyncProjectBranches:" + t.Project }

const headsPrefix = "refs/heads/"

func (t *SyncProjectBranchesTask) Execute(ctx context.Context, e *Engine) error {
	var branches []remoteBranch
	ok, err := e.get(ctx, "projects/"+url.PathEscape(t.Project)+"/branches/", &branches)
	if err != nil || !ok {
		return err
	}
	remote := make(map[string]struct{})
	for _, b := range branches {
		if name, found := strings.CutPrefix(b.Ref, headsPrefix); found {
			remote[name] = struct{}{}
		}
	}

	return e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		project, err := s.GetProjectByName(ctx, t.Project)
		if err != nil || project == nil {
			return err
		}
		local, err := s.ListBranches(ctx, project.Key)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(local))
		for _, b := range local {
			if _, ok := remote[b.Name]; ok {
				known[b.Name] = struct{}{}
				continue
			}
			if err := s.DeleteBranch(ctx, b.Key); err != nil {
				return err
			}
		}
		for _, name := range sortedKeys(remote) {
			if _, ok := known[name]; ok {
				continue
			}
			if _, err := s.CreateBranch(ctx, project.Key, name); err != nil {
				return err
			}
		}
		return nil
	})
}
