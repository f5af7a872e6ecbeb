package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	stdsync "sync"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/services"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/dmitrijs2005/revsync/internal/sync"
)

type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Engine is the part of the sync engine the front end drives.
type Engine interface {
	Submit(t sync.Task) bool
	Events() <-chan sync.UpdateEvent
	State() sync.SchedulerState
	EnsureChange(ctx context.Context, changeID string, timeout time.Duration) error
	ClearError()
	QueueLen() int
}

type App struct {
	engine  Engine
	service services.ReviewService
	cache   *store.Store
	log     logging.Logger
	reader  *bufio.Reader
	out     io.Writer

	// FetchTimeout bounds how long a command waits for a change to arrive.
	FetchTimeout time.Duration

	mu     stdsync.Mutex
	mode   Mode
	failed bool
}

func NewApp(engine Engine, service services.ReviewService, cache *store.Store, log logging.Logger, in io.Reader, out io.Writer) *App {
	return &App{
		engine:       engine,
		service:      service,
		cache:        cache,
		log:          log.With("module", "cli"),
		reader:       bufio.NewReader(in),
		out:          out,
		FetchTimeout: 30 * time.Second,
		mode:         ModeOnline,
	}
}

// UpdateStatus implements sync.Observer.
func (a *App) UpdateStatus(offline, failed bool) {
	mode := ModeOnline
	if offline {
		mode = ModeOffline
	}
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.failed = failed
	a.mu.Unlock()

	if changed {
		a.println(fmt.Sprintf("Switched to %s mode", mode))
	}
}

// Redraw implements sync.Observer. The prompt is redrawn on the next
// command, so there is nothing to do here.
func (a *App) Redraw() {}

func (a *App) getStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := string(a.mode)
	if a.failed {
		s += ", error"
	}
	if n := a.engine.QueueLen(); n > 0 {
		s += fmt.Sprintf(", %d queued", n)
	}
	return fmt.Sprintf("(%s)", s)
}

func (a *App) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

// Run consumes engine events in the background and runs the REPL until the
// input ends or the user quits.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.watchEvents(ctx)

	a.println("Welcome to revsync (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader, a.out)
}

func (a *App) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.engine.Events():
			a.log.Debug(ctx, "update", "event", ev.String())
			if msg := a.describe(ctx, ev); msg != "" {
				a.println(msg)
			}
		}
	}
}

// describe renders the user-facing notice for an event, or "" when the event
// does not warrant one.
func (a *App) describe(ctx context.Context, ev sync.UpdateEvent) string {
	var msg string
	err := a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		switch ev.Kind {
		case sync.ProjectAdded:
			p, err := s.GetProject(ctx, ev.ProjectKey)
			if err != nil || p == nil {
				return err
			}
			msg = fmt.Sprintf("* new project %s", p.Name)
		case sync.ChangeAdded, sync.ChangeUpdated:
			if ev.Kind == sync.ChangeUpdated && !ev.StatusChanged {
				return nil
			}
			c, err := s.GetChange(ctx, ev.ChangeKey)
			if err != nil || c == nil {
				return err
			}
			if ev.Kind == sync.ChangeAdded {
				msg = fmt.Sprintf("* new change %d: %s", c.Number, c.Subject)
			} else {
				msg = fmt.Sprintf("* change %d is now %s", c.Number, c.Status)
			}
		}
		return nil
	})
	if err != nil {
		a.log.Warn(ctx, "cannot describe event", "event", ev.String(), "error", err)
		return ""
	}
	return msg
}

// change returns the cached change with the given number. A change that is
// not cached yet is looked up on the server first.
func (a *App) change(ctx context.Context, number int) (*models.Change, error) {
	c, err := a.lookupChange(ctx, number)
	if err != nil || c != nil {
		return c, err
	}

	t := a.service.OpenChange(ctx, number)
	if !sync.WaitAll(t, a.FetchTimeout) {
		if a.engine.State().Offline {
			return nil, fmt.Errorf("%w: server is offline", sync.ErrDataNotAvailable)
		}
		return nil, fmt.Errorf("%w: change %d could not be fetched", sync.ErrDataNotAvailable, number)
	}

	c, err = a.lookupChange(ctx, number)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no change %d on the server", sync.ErrDataNotAvailable, number)
	}
	return c, nil
}

func (a *App) lookupChange(ctx context.Context, number int) (*models.Change, error) {
	var c *models.Change
	err := a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		var err error
		c, err = s.GetChangeByNumber(ctx, number)
		return err
	})
	return c, err
}

func (a *App) latestRevision(ctx context.Context, c *models.Change) (*models.Revision, error) {
	var r *models.Revision
	err := a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		var err error
		r, err = s.LatestRevision(ctx, c.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: change %d has no revisions yet", sync.ErrDataNotAvailable, c.Number)
	}
	return r, nil
}
