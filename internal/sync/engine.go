package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/dmitrijs2005/revsync/internal/gitrepo"
	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/remote"
	"github.com/dmitrijs2005/revsync/internal/store"
	"golang.org/x/sync/errgroup"
)

// ErrDataNotAvailable is returned by interactive waits that could not obtain
// fresh data, typically because the engine is offline.
var ErrDataNotAvailable = errors.New("data not available")

// Remote is the subset of the REST client the engine uses.
type Remote interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Post(ctx context.Context, path string, data any) (json.RawMessage, error)
	Put(ctx context.Context, path string, data any) (json.RawMessage, error)
	Delete(ctx context.Context, path string, data any) (json.RawMessage, error)
}

// GitRepo is a local working copy.
type GitRepo interface {
	Fetch(ctx context.Context, url string, refspecs []string) error
	HasCommit(ctx context.Context, hash string) bool
}

// Repos hands out working copies; fresh reports a clone made by this process.
type Repos interface {
	Get(ctx context.Context, project string) (repo GitRepo, fresh bool, err error)
}

// Observer receives status changes and redraw requests from the worker.
type Observer interface {
	UpdateStatus(offline, failed bool)
	Redraw()
}

type Options struct {
	// URL and GitURL are base URLs ending in a slash; project names are
	// appended to build fetch URLs. GitURL defaults to URL.
	URL      string
	GitURL   string
	Username string
	Password string

	// FetchMissingRefs makes CheckRepos verify every subscribed project,
	// not only freshly cloned ones.
	FetchMissingRefs bool

	SyncInterval   time.Duration
	OfflineBackoff time.Duration
	EventBuffer    int
}

func (o *Options) applyDefaults() {
	if o.GitURL == "" {
		o.GitURL = o.URL
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 60 * time.Second
	}
	if o.OfflineBackoff <= 0 {
		o.OfflineBackoff = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

type Engine struct {
	opts   Options
	remote Remote
	cache  *store.Store
	repos  Repos
	log    logging.Logger

	queue  *MultiQueue[Task]
	events chan UpdateEvent
	sleep  func(ctx context.Context, d time.Duration) error

	mu         stdsync.Mutex
	state      SchedulerState
	incomplete map[string]Task
	observers  []Observer
}

func New(opts Options, rc Remote, cache *store.Store, repos Repos, log logging.Logger) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:       opts,
		remote:     rc,
		cache:      cache,
		repos:      repos,
		log:        log.With("module", "sync"),
		queue:      NewMultiQueue[Task](priorityBands),
		events:     make(chan UpdateEvent, opts.EventBuffer),
		sleep:      sleepContext,
		incomplete: make(map[string]Task),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddObserver registers o for status and redraw notifications.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// Events delivers UpdateEvents of successful tasks in completion order.
func (e *Engine) Events() <-chan UpdateEvent {
	return e.events
}

// State returns a copy of the scheduler state.
func (e *Engine) State() SchedulerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) AccountID() int {
	return e.State().AccountID
}

// ClearError resets the sticky error flag once the user has seen it.
func (e *Engine) ClearError() {
	e.mu.Lock()
	changed := e.state.Error
	e.state.Error = false
	st := e.state
	e.mu.Unlock()
	if changed {
		e.notifyStatus(st)
	}
}

// QueueLen is advisory.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Submit queues t without blocking. It returns false when an equal task is
// already waiting or running; t then completes with that task's outcome.
func (e *Engine) Submit(t Task) bool {
	if d, ok := t.(deduper); ok {
		key := fmt.Sprintf("%d:%s", t.Priority(), d.dedupKey())
		e.mu.Lock()
		if existing, found := e.incomplete[key]; found {
			e.mu.Unlock()
			e.log.Debug(context.Background(), "task already queued", "task", t.String())
			go func() {
				<-existing.base().Done()
				t.base().complete(existing.base().Succeeded())
			}()
			return false
		}
		e.incomplete[key] = t
		e.mu.Unlock()
	}
	e.log.Debug(context.Background(), "enqueue", "task", t.String(), "priority", t.Priority().String())
	e.queue.Put(t, t.Priority())
	return true
}

// spawn submits child on behalf of parent and records it for WaitAll.
func (e *Engine) spawn(parent Task, child Task) {
	parent.base().addChild(child)
	e.Submit(child)
}

func (e *Engine) forget(t Task) {
	d, ok := t.(deduper)
	if !ok {
		return
	}
	key := fmt.Sprintf("%d:%s", t.Priority(), d.dedupKey())
	e.mu.Lock()
	if e.incomplete[key] == t {
		delete(e.incomplete, key)
	}
	e.mu.Unlock()
}

// Bootstrap loads persisted state and queues the startup tasks, which it
// returns so callers can wait on them.
func (e *Engine) Bootstrap(ctx context.Context) ([]Task, error) {
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		id, err := s.GetMetadata(ctx, store.MetaOwnAccountID)
		if err != nil {
			return err
		}
		version, err := s.GetMetadata(ctx, store.MetaServerVersion)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if n, convErr := strconv.Atoi(id); convErr == nil {
			e.state.AccountID = n
		}
		e.state.ServerVersion = version
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: load state: %w", err)
	}

	tasks := []Task{
		NewGetVersionTask(HighPriority),
		NewSyncOwnAccountTask(HighPriority),
		NewCheckReposTask(HighPriority),
		NewUploadReviewsTask(HighPriority),
		NewSyncProjectListTask(HighPriority),
		NewSyncSubscribedProjectsTask(NormalPriority),
		NewSyncSubscribedProjectBranchesTask(LowPriority),
	}
	for _, t := range tasks {
		e.Submit(t)
	}
	return tasks, nil
}

// Run starts the worker and the periodic timer and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.work(ctx) })
	g.Go(func() error { return e.tick(ctx) })
	return g.Wait()
}

func (e *Engine) tick(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Submit(NewSyncSubscribedProjectsTask(NormalPriority))
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) work(ctx context.Context) error {
	for {
		t, err := e.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.runTask(ctx, t)
	}
}

// runTask runs t until it succeeds or fails terminally, retrying after the
// offline backoff while the server is unreachable.
func (e *Engine) runTask(ctx context.Context, t Task) {
	for e.attempt(ctx, t) {
	}
}

// attempt runs t once and reports whether it should be retried.
func (e *Engine) attempt(ctx context.Context, t Task) bool {
	log := e.log.With("task", t.String(), "task_id", t.base().ID())
	log.Debug(ctx, "run")

	t.base().resetResults()
	err := e.execute(ctx, t)

	switch {
	case err == nil:
		e.setOffline(ctx, false)
		for _, ev := range t.base().Results() {
			select {
			case e.events <- ev:
			case <-ctx.Done():
			}
		}
		e.finish(t, true)
		return false

	case errors.Is(err, remote.ErrUnavailable):
		log.Warn(ctx, "offline", "error", err)
		e.setOffline(ctx, true)
		e.redraw()
		if e.sleep(ctx, e.opts.OfflineBackoff) != nil {
			e.finish(t, false)
			return false
		}
		return true

	case ctx.Err() != nil:
		e.finish(t, false)
		return false

	default:
		log.Error(ctx, "task failed", "error", err)
		e.mu.Lock()
		e.state.Error = true
		st := e.state
		e.mu.Unlock()
		e.notifyStatus(st)
		e.finish(t, false)
		return false
	}
}

func (e *Engine) finish(t Task, ok bool) {
	e.forget(t)
	t.base().complete(ok)
	e.redraw()
}

func (e *Engine) execute(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", t, p)
		}
	}()
	return t.Execute(ctx, e)
}

// setOffline records the new flag and enqueues catch-up work on the
// online→offline edge.
func (e *Engine) setOffline(ctx context.Context, offline bool) {
	e.mu.Lock()
	old := e.state.Offline
	e.state.Offline = offline
	st := e.state
	e.mu.Unlock()

	for _, t := range transition(old, offline) {
		e.Submit(t)
	}
	if old != offline {
		e.log.Info(ctx, "connectivity changed", "offline", offline)
		e.notifyStatus(st)
	}
}

func (e *Engine) setAccountID(id int) {
	e.mu.Lock()
	e.state.AccountID = id
	e.mu.Unlock()
}

func (e *Engine) setServerVersion(v string) {
	e.mu.Lock()
	e.state.ServerVersion = v
	e.mu.Unlock()
}

func (e *Engine) notifyStatus(st SchedulerState) {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.UpdateStatus(st.Offline, st.Error)
	}
}

func (e *Engine) redraw() {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.Redraw()
	}
}

// EnsureChange fetches a change and its git objects at high priority and
// waits for the result.
func (e *Engine) EnsureChange(ctx context.Context, changeID string, timeout time.Duration) error {
	t := NewSyncChangeTask(changeID, HighPriority)
	t.ForceFetch = true
	e.Submit(t)

	done := make(chan bool, 1)
	go func() { done <- t.Wait(timeout) }()
	select {
	case ok := <-done:
		if ok {
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.State().Offline {
		return fmt.Errorf("%w: server is offline", ErrDataNotAvailable)
	}
	return fmt.Errorf("%w: change %s could not be synced", ErrDataNotAvailable, changeID)
}

// get fetches path and decodes it into v. It reports false when the server
// returned no usable data.
func (e *Engine) get(ctx context.Context, path string, v any) (bool, error) {
	data, err := e.remote.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		e.log.Warn(ctx, "unexpected response shape", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

func (e *Engine) isSelf(accountID int, username string) bool {
	if id := e.AccountID(); id != 0 {
		return accountID == id
	}
	return username != "" && username == e.opts.Username
}

// authURL embeds the configured credentials into the project's HTTP URL.
func (e *Engine) authURL(project string) string {
	u, err := url.Parse(joinURL(e.opts.URL, project))
	if err != nil {
		return joinURL(e.opts.URL, project)
	}
	u.User = url.UserPassword(e.opts.Username, e.opts.Password)
	return u.String()
}

func (e *Engine) gitURL(project string) string {
	return joinURL(e.opts.GitURL, project)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func joinURL(base, project string) string {
	return strings.TrimSuffix(base, "/") + "/" + project
}

// GitManager adapts a gitrepo.Manager to Repos.
func GitManager(m *gitrepo.Manager) Repos {
	return gitManager{m: m}
}

type gitManager struct {
	m *gitrepo.Manager
}

func (g gitManager) Get(ctx context.Context, project string) (GitRepo, bool, error) {
	r, fresh, err := g.m.Get(ctx, project)
	if err != nil {
		return nil, false, err
	}
	return r, fresh, nil
}
