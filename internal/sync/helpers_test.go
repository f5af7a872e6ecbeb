package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/remote"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordedWrite struct {
	Method string
	Path   string
	Body   any
}

// fakeRemote serves canned GET responses keyed by path and records writes.
type fakeRemote struct {
	mu stdsync.Mutex

	gets  map[string]any
	getFn func(path string) (json.RawMessage, error)

	// unavailable fails that many upcoming calls as a connectivity error.
	unavailable int

	writes    []recordedWrite
	writeResp map[string]any
	writeErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{gets: map[string]any{}, writeResp: map[string]any{}}
}

func (f *fakeRemote) offline() error {
	if f.unavailable > 0 {
		f.unavailable--
		return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
	}
	return nil
}

func (f *fakeRemote) Get(_ context.Context, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.offline(); err != nil {
		return nil, err
	}
	if f.getFn != nil {
		return f.getFn(path)
	}
	v, ok := f.gets[path]
	if !ok {
		return nil, nil
	}
	return json.Marshal(v)
}

func (f *fakeRemote) write(method, path string, data any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.offline(); err != nil {
		return nil, err
	}
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{Method: method, Path: path, Body: data})
	v, ok := f.writeResp[path]
	if !ok {
		return nil, nil
	}
	return json.Marshal(v)
}

func (f *fakeRemote) Post(_ context.Context, path string, data any) (json.RawMessage, error) {
	return f.write("POST", path, data)
}

func (f *fakeRemote) Put(_ context.Context, path string, data any) (json.RawMessage, error) {
	return f.write("PUT", path, data)
}

func (f *fakeRemote) Delete(_ context.Context, path string, data any) (json.RawMessage, error) {
	return f.write("DELETE", path, data)
}

func (f *fakeRemote) recorded() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

type fakeRepo struct {
	mu      stdsync.Mutex
	commits map[string]bool
	fetches [][]string
	// badRefs fail on their own and make any batch containing them fail.
	badRefs map[string]bool
}

func (r *fakeRepo) Fetch(_ context.Context, _ string, refspecs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, append([]string(nil), refspecs...))
	for _, s := range refspecs {
		if r.badRefs[s] {
			return fmt.Errorf("couldn't find remote ref %s", s)
		}
	}
	return nil
}

func (r *fakeRepo) HasCommit(_ context.Context, hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[hash]
}

type fakeRepos struct {
	mu    stdsync.Mutex
	repos map[string]*fakeRepo
	fresh map[string]bool
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{repos: map[string]*fakeRepo{}, fresh: map[string]bool{}}
}

func (f *fakeRepos) repo(project string) *fakeRepo {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[project]
	if !ok {
		r = &fakeRepo{commits: map[string]bool{}, badRefs: map[string]bool{}}
		f.repos[project] = r
	}
	return r
}

func (f *fakeRepos) Get(_ context.Context, project string) (GitRepo, bool, error) {
	r := f.repo(project)
	f.mu.Lock()
	defer f.mu.Unlock()
	return r, f.fresh[project], nil
}

type testEnv struct {
	engine *Engine
	remote *fakeRemote
	repos  *fakeRepos
	store  *store.Store

	mu     stdsync.Mutex
	sleeps []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.MemoryDSN("sync-"+uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{remote: newFakeRemote(), repos: newFakeRepos(), store: st}
	env.engine = New(Options{
		URL:      "https://review.example.com/",
		GitURL:   "https://git.example.com/",
		Username: "alice",
		Password: "secret",
	}, env.remote, st, env.repos, logging.Discard())
	env.engine.sleep = func(_ context.Context, d time.Duration) error {
		env.mu.Lock()
		env.sleeps = append(env.sleeps, d)
		env.mu.Unlock()
		return nil
	}
	return env
}

func (env *testEnv) session(t *testing.T, fn func(ctx context.Context, s *store.Session)) {
	t.Helper()
	err := env.store.WithSession(context.Background(), func(ctx context.Context, s *store.Session) error {
		fn(ctx, s)
		return nil
	})
	require.NoError(t, err)
}

// run executes t on the calling goroutine the way the worker does.
func (env *testEnv) run(t Task) {
	env.engine.runTask(context.Background(), t)
}

// queued drains the engine queue.
func (env *testEnv) queued() []Task {
	var out []Task
	for {
		t, ok := env.engine.queue.TryGet()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func (env *testEnv) seedProject(t *testing.T, name string, subscribed bool) *models.Project {
	t.Helper()
	var p *models.Project
	env.session(t, func(ctx context.Context, s *store.Session) {
		var err error
		p, err = s.CreateProject(ctx, name, "")
		require.NoError(t, err)
		if subscribed {
			require.NoError(t, s.SetProjectSubscribed(ctx, p.Key, true))
			p.Subscribed = true
		}
	})
	return p
}

func seedChange(t *testing.T, ctx context.Context, s *store.Session, projectKey int64, id string, number int) *models.Change {
	t.Helper()
	now := time.Now().UTC()
	c := &models.Change{
		ID: id, Number: number, ProjectKey: projectKey, OwnerID: models.SystemAccountID,
		Branch: "master", ChangeID: "I" + id, Subject: "subject " + id,
		Created: now, Updated: now, Status: models.StatusNew,
	}
	require.NoError(t, s.CreateChange(ctx, c))
	return c
}

func seedRevision(t *testing.T, ctx context.Context, s *store.Session, changeKey int64, number int, commit, parent string) *models.Revision {
	t.Helper()
	r := &models.Revision{ChangeKey: changeKey, Number: number, Message: "msg", Commit: commit, Parent: parent, FetchRef: "refs/changes/" + commit}
	require.NoError(t, s.CreateRevision(ctx, r))
	return r
}

func strp(s string) *string { return &s }

func intp(v int) *int { return &v }

// Remote payload fixtures.

type revFixture struct {
	commit string
	parent string
	number int
}

type changeFixture struct {
	id       string
	number   int
	project  string
	status   string
	ownerID  int
	revs     []revFixture
	messages []map[string]any
	labels   map[string]any
	starred  bool
}

const remoteStamp = "2024-03-01 10:00:00.000000000"

func (f changeFixture) payload() map[string]any {
	revisions := map[string]any{}
	for _, r := range f.revs {
		var parents []map[string]any
		if r.parent != "" {
			parents = append(parents, map[string]any{"commit": r.parent})
		}
		revisions[r.commit] = map[string]any{
			"_number": r.number,
			"fetch": map[string]any{
				"http": map[string]any{
					"url": "https://review.example.com/" + f.project,
					"ref": fmt.Sprintf("refs/changes/%02d/%d/%d", f.number%100, f.number, r.number),
				},
			},
			"commit": map[string]any{
				"parents": parents,
				"message": "commit " + r.commit,
			},
			"actions": map[string]any{"submit": map[string]any{"enabled": true}},
		}
	}
	status := f.status
	if status == "" {
		status = models.StatusNew
	}
	messages := f.messages
	if messages == nil {
		messages = []map[string]any{}
	}
	labels := f.labels
	if labels == nil {
		labels = map[string]any{}
	}
	owner := f.ownerID
	if owner == 0 {
		owner = 5
	}
	return map[string]any{
		"id":        f.id,
		"project":   f.project,
		"branch":    "master",
		"change_id": "I" + f.id,
		"subject":   "subject of " + f.id,
		"status":    status,
		"created":   remoteStamp,
		"updated":   remoteStamp,
		"starred":   f.starred,
		"_number":   f.number,
		"owner": map[string]any{
			"_account_id": owner,
			"name":        fmt.Sprintf("Owner %d", owner),
			"username":    fmt.Sprintf("owner%d", owner),
		},
		"revisions":        revisions,
		"messages":         messages,
		"labels":           labels,
		"permitted_labels": map[string]any{"Code-Review": []string{"-1", " 0", "+1"}},
	}
}

func detailPath(id string) string {
	return changePath(id) + "?" + changeDetailOptions
}

// serveChange registers the detail payload of f; revisions have no comments.
func (env *testEnv) serveChange(f changeFixture) {
	env.remote.mu.Lock()
	defer env.remote.mu.Unlock()
	env.remote.gets[detailPath(f.id)] = f.payload()
}

func vote(accountID, value int) map[string]any {
	return map[string]any{"_account_id": accountID, "username": fmt.Sprintf("user%d", accountID), "value": value}
}

func tasksOf[T Task](tasks []Task) []T {
	var out []T
	for _, t := range tasks {
		if v, ok := t.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
