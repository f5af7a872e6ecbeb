package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/store"
)

const (
	projectsPerQuery = 10
	changesPerPage   = 500

	// ageSlack widens incremental queries to cover request latency.
	ageSlack = 4 * time.Second
)

// SyncSubscribedProjectsTask splits the subscribed projects into batches and
// queues a SyncProjectTask for each.
type SyncSubscribedProjectsTask struct {
	*taskBase
}

func NewSyncSubscribedProjectsTask(p Priority) *SyncSubscribedProjectsTask {
	return &SyncSubscribedProjectsTask{taskBase: newTaskBase(p)}
}

func (t *SyncSubscribedProjectsTask) String() string   { return "SyncSubscribedProjects" }
func (t *SyncSubscribedProjectsTask) dedupKey() string { return "SyncSubscribedProjects" }

func (t *SyncSubscribedProjectsTask) Execute(ctx context.Context, e *Engine) error {
	var keys []int64
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		projects, err := s.ListProjects(ctx, true)
		if err != nil {
			return err
		}
		for _, p := range projects {
			keys = append(keys, p.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += projectsPerQuery {
		end := min(start+projectsPerQuery, len(keys))
		e.spawn(t, NewSyncProjectTask(keys[start:end], t.Priority()))
	}
	return nil
}

// SyncProjectTask discovers changes of up to projectsPerQuery projects in one
// multi-query request and queues a SyncChangeTask for each relevant one.
type SyncProjectTask struct {
	*taskBase
	ProjectKeys []int64

	now func() time.Time
}

func NewSyncProjectTask(keys []int64, p Priority) *SyncProjectTask {
	return &SyncProjectTask{taskBase: newTaskBase(p), ProjectKeys: keys, now: time.Now}
}

func (t *SyncProjectTask) String() string {
	return fmt.Sprintf("SyncProject(%v)", t.ProjectKeys)
}

func (t *SyncProjectTask) dedupKey() string {
	parts := make([]string, len(t.ProjectKeys))
	for i, k := range t.ProjectKeys {
		parts[i] = strconv.FormatInt(k, 10)
	}
	return "SyncProject:" + strings.Join(parts, ",")
}

// projectQuery builds the search clause for one project: changes updated
// since the last sync, or every open change on the first sync.
func projectQuery(p *models.Project, now time.Time) string {
	q := "project:" + p.Name
	if p.Updated == nil {
		return q + " status:open"
	}
	age := now.Sub(*p.Updated) + ageSlack
	return fmt.Sprintf("%s -age:%ds", q, int64(math.Ceil(age.Seconds())))
}

func (t *SyncProjectTask) Execute(ctx context.Context, e *Engine) error {
	now := t.now().UTC()

	var queries []string
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		for _, key := range t.ProjectKeys {
			p, err := s.GetProject(ctx, key)
			if err != nil {
				return err
			}
			if p != nil {
				queries = append(queries, projectQuery(p, now))
			}
		}
		return nil
	})
	if err != nil || len(queries) == 0 {
		return err
	}

	changes, complete, err := t.collect(ctx, e, queries)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.ID)
	}
	var known map[string]struct{}
	err = e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		var err error
		known, err = s.KnownChangeIDs(ctx, ids)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range changes {
		_, tracked := known[c.ID]
		if models.IsClosed(c.Status) && !tracked {
			continue
		}
		e.spawn(t, NewSyncChangeTask(c.ID, t.Priority()))
	}
	if !complete {
		// The next pass repeats the same window.
		e.log.Warn(ctx, "project search incomplete, keeping watermarks", "projects", len(t.ProjectKeys))
		return nil
	}
	for _, key := range t.ProjectKeys {
		e.spawn(t, NewSetProjectUpdatedTask(key, now, t.Priority()))
	}
	return nil
}

// collect pages through the queries until no result list reports more
// changes. Every still active query has seen the same number of pages, so a
// shared start offset is enough. complete is false when a page was rejected
// or unreadable; out then holds the changes of the pages read before it.
func (t *SyncProjectTask) collect(ctx context.Context, e *Engine, queries []string) (out []remoteChange, complete bool, err error) {
	seen := make(map[string]struct{})
	for start := 0; len(queries) > 0; start += changesPerPage {
		path := fmt.Sprintf("changes/?n=%d", changesPerPage)
		if start > 0 {
			path += fmt.Sprintf("&start=%d", start)
		}
		for _, q := range queries {
			path += "&q=" + url.QueryEscape(q)
		}

		var raw json.RawMessage
		ok, err := e.get(ctx, path, &raw)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return out, false, nil
		}
		results, err := splitResults(raw, len(queries))
		if err != nil {
			e.log.Warn(ctx, "unexpected query response", "path", path, "error", err)
			return out, false, nil
		}

		var active []string
		for i, batch := range results {
			for _, c := range batch {
				if _, dup := seen[c.ID]; dup {
					continue
				}
				seen[c.ID] = struct{}{}
				out = append(out, c)
			}
			if n := len(batch); n > 0 && batch[n-1].MoreChanges {
				active = append(active, queries[i])
			}
		}
		queries = active
	}
	return out, true, nil
}

// splitResults decodes a query response: a list of changes for a single
// query, a list of lists otherwise.
func splitResults(raw json.RawMessage, queries int) ([][]remoteChange, error) {
	if queries == 1 {
		var one []remoteChange
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		return [][]remoteChange{one}, nil
	}
	var many [][]remoteChange
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	if len(many) != queries {
		return nil, fmt.Errorf("got %d result lists for %d queries", len(many), queries)
	}
	return many, nil
}

// SetProjectUpdatedTask advances a project's sync watermark. It runs after
// the SyncChangeTasks discovered by the same SyncProjectTask were queued.
type SetProjectUpdatedTask struct {
	*taskBase
	ProjectKey int64
	Updated    time.Time
}

func NewSetProjectUpdatedTask(key int64, updated time.Time, p Priority) *SetProjectUpdatedTask {
	return &SetProjectUpdatedTask{taskBase: newTaskBase(p), ProjectKey: key, Updated: updated}
}

func (t *SetProjectUpdatedTask) String() string {
	return fmt.Sprintf("SetProjectUpdated(%d, %s)", t.ProjectKey, t.Updated.Format(time.RFC3339))
}

func (t *SetProjectUpdatedTask) Execute(ctx context.Context, e *Engine) error {
	return e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		return s.SetProjectUpdated(ctx, t.ProjectKey, t.Updated)
	})
}
