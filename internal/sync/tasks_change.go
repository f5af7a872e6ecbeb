package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/store"
)

const (
	changeDetailOptions = "o=DETAILED_LABELS&o=ALL_REVISIONS&o=ALL_COMMITS&o=MESSAGES&o=DETAILED_ACCOUNTS&o=CURRENT_ACTIONS"

	maxCommitsPerQuery = 5
)

func changePath(id string) string {
	return "changes/" + url.PathEscape(id)
}

// SyncChangeTask reconciles one change, its revisions, comments, messages,
// votes and labels with the server.
type SyncChangeTask struct {
	*taskBase
	ChangeID string

	// ForceFetch refetches the git refs of already known revisions.
	ForceFetch bool
}

func NewSyncChangeTask(changeID string, p Priority) *SyncChangeTask {
	return &SyncChangeTask{taskBase: newTaskBase(p), ChangeID: changeID}
}

func (t *SyncChangeTask) String() string {
	return fmt.Sprintf("SyncChange(%s)", t.ChangeID)
}

func (t *SyncChangeTask) dedupKey() string {
	return fmt.Sprintf("SyncChange:%s:%t", t.ChangeID, t.ForceFetch)
}

// fetchBatch groups refs that can be fetched from the same URL.
type fetchBatch struct {
	project string
	url     string
	refs    []string
}

func (t *SyncChangeTask) Execute(ctx context.Context, e *Engine) error {
	var rc remoteChange
	ok, err := e.get(ctx, changePath(t.ChangeID)+"?"+changeDetailOptions, &rc)
	if err != nil || !ok {
		return err
	}

	comments := make(map[string]map[string][]remoteComment, len(rc.Revisions))
	for commit := range rc.Revisions {
		var files map[string][]remoteComment
		ok, err := e.get(ctx, changePath(rc.ID)+"/revisions/"+commit+"/comments", &files)
		if err != nil {
			return err
		}
		if ok {
			comments[commit] = files
		}
	}

	r := &changeReconciler{e: e, rc: &rc, comments: comments, force: t.ForceFetch}
	if err := e.cache.WithSession(ctx, r.run); err != nil {
		return err
	}

	for _, ev := range r.events {
		t.addResult(ev)
	}
	for _, commit := range r.missingParents {
		e.syncChangeByCommit(t, commit, t.Priority())
	}
	for _, b := range r.fetches {
		if err := e.fetchRefs(ctx, b.project, b.url, b.refs); err != nil {
			e.log.Error(ctx, "unable to fetch change refs", "change", rc.ID, "error", err)
		}
	}
	return nil
}

// changeReconciler holds the state of one reconciliation pass. run may be
// called again after a rollback, so it resets everything it produces.
type changeReconciler struct {
	e        *Engine
	rc       *remoteChange
	comments map[string]map[string][]remoteComment
	force    bool

	change      *models.Change
	project     *models.Project
	newRevision bool
	newMessage  bool
	revByNumber map[int]*models.Revision

	events         []UpdateEvent
	missingParents []string
	fetches        []*fetchBatch
}

func (r *changeReconciler) run(ctx context.Context, s *store.Session) error {
	r.change, r.project = nil, nil
	r.newRevision, r.newMessage = false, false
	r.revByNumber = make(map[int]*models.Revision)
	r.events, r.missingParents, r.fetches = nil, nil, nil

	ev, err := r.syncChange(ctx, s)
	if err != nil {
		return err
	}
	if err := r.syncRevisions(ctx, s); err != nil {
		return err
	}
	if err := r.syncMessages(ctx, s); err != nil {
		return err
	}
	userVoted, err := r.syncApprovals(ctx, s)
	if err != nil {
		return err
	}
	if err := r.syncLabels(ctx, s); err != nil {
		return err
	}
	if err := r.syncPermittedLabels(ctx, s); err != nil {
		return err
	}

	if !userVoted && (r.newRevision || r.newMessage) && r.change.Reviewed {
		r.change.Reviewed = false
		ev.ReviewFlagChanged = true
	}
	if err := s.UpdateChange(ctx, r.change); err != nil {
		return err
	}

	ev.RelatedChangeKeys, err = s.RelatedChangeKeys(ctx, r.change.Key)
	if err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

// syncChange creates or refreshes the change row and returns the event
// describing it.
func (r *changeReconciler) syncChange(ctx context.Context, s *store.Session) (UpdateEvent, error) {
	rc := r.rc
	owner, err := s.UpsertAccount(ctx, rc.Owner.AccountID, rc.Owner.info())
	if err != nil {
		return UpdateEvent{}, err
	}

	project, err := s.GetProjectByName(ctx, rc.Project)
	if err != nil {
		return UpdateEvent{}, err
	}
	if project == nil {
		r.e.log.Info(ctx, "project unknown while syncing change, creating it", "project", rc.Project, "change", rc.ID)
		project, err = s.CreateProject(ctx, rc.Project, "")
		if err != nil {
			return UpdateEvent{}, err
		}
		r.events = append(r.events, UpdateEvent{Kind: ProjectAdded, ProjectKey: project.Key})
	}
	r.project = project

	change, err := s.GetChangeByID(ctx, rc.ID)
	if err != nil {
		return UpdateEvent{}, err
	}

	var ev UpdateEvent
	if change == nil {
		change = &models.Change{
			ID:         rc.ID,
			Number:     rc.Number,
			ProjectKey: project.Key,
			OwnerID:    owner.ID,
			Branch:     rc.Branch,
			ChangeID:   rc.ChangeID,
			Topic:      rc.Topic,
			Subject:    rc.Subject,
			Created:    rc.Created.Time,
			Updated:    rc.Updated.Time,
			Status:     rc.Status,
			Starred:    rc.Starred,
		}
		if err := s.CreateChange(ctx, change); err != nil {
			return UpdateEvent{}, err
		}
		r.e.log.Info(ctx, "created change", "change", rc.ID, "number", rc.Number)
		ev = UpdateEvent{Kind: ChangeAdded, StatusChanged: true, ReviewFlagChanged: true}
	} else {
		ev = UpdateEvent{Kind: ChangeUpdated, StatusChanged: change.Status != rc.Status}
	}
	ev.ProjectKey = project.Key
	ev.ChangeKey = change.Key

	change.OwnerID = owner.ID
	change.Branch = rc.Branch
	change.Subject = rc.Subject
	change.Updated = rc.Updated.Time
	change.Status = rc.Status
	// Local edits waiting for upload keep their value until pushed.
	if !change.PendingTopic {
		change.Topic = rc.Topic
	}
	if !change.PendingStarred {
		change.Starred = rc.Starred
	}
	r.change = change
	return ev, nil
}

func (r *changeReconciler) syncRevisions(ctx context.Context, s *store.Session) error {
	commits := sortedKeys(r.rc.Revisions)
	sort.SliceStable(commits, func(i, j int) bool {
		return r.rc.Revisions[commits[i]].Number < r.rc.Revisions[commits[j]].Number
	})

	for _, commit := range commits {
		rr := r.rc.Revisions[commit]
		rev, err := s.GetRevisionByCommit(ctx, commit)
		if err != nil {
			return err
		}

		if rev == nil {
			src, err := r.e.fetchSource(r.project.Name, rr.Fetch)
			if err != nil {
				return fmt.Errorf("revision %s of change %s: %w", commit, r.rc.ID, err)
			}
			rev = &models.Revision{
				ChangeKey: r.change.Key,
				Number:    rr.Number,
				Message:   rr.Commit.Message,
				Commit:    commit,
				Parent:    rr.parent(),
				FetchAuth: src.auth,
				FetchRef:  src.ref,
				CanSubmit: rr.canSubmit(),
			}
			if err := s.CreateRevision(ctx, rev); err != nil {
				return err
			}
			r.newRevision = true
			r.addFetch(src)

			if rev.Parent != "" && !r.change.Closed() {
				parent, err := s.GetRevisionByCommit(ctx, rev.Parent)
				if err != nil {
					return err
				}
				if parent == nil {
					r.missingParents = append(r.missingParents, rev.Parent)
				}
			}
		} else {
			if r.force {
				src, err := r.e.fetchSource(r.project.Name, rr.Fetch)
				if err != nil {
					return fmt.Errorf("revision %s of change %s: %w", commit, r.rc.ID, err)
				}
				r.addFetch(src)
			}
			if rev.Message != rr.Commit.Message || rev.CanSubmit != rr.canSubmit() {
				rev.Message = rr.Commit.Message
				rev.CanSubmit = rr.canSubmit()
				if err := s.UpdateRevision(ctx, rev); err != nil {
					return err
				}
			}
		}
		r.revByNumber[rev.Number] = rev

		if err := r.syncComments(ctx, s, rev, r.comments[commit]); err != nil {
			return err
		}
	}
	return nil
}

func (r *changeReconciler) addFetch(src fetchSpec) {
	for _, b := range r.fetches {
		if b.url == src.url {
			b.refs = append(b.refs, src.ref)
			return
		}
	}
	r.fetches = append(r.fetches, &fetchBatch{project: r.project.Name, url: src.url, refs: []string{src.ref}})
}

func (r *changeReconciler) author(ctx context.Context, s *store.Session, a *remoteAccount) (*models.Account, error) {
	if a == nil {
		return s.SystemAccount(ctx)
	}
	return s.UpsertAccount(ctx, a.AccountID, a.info())
}

func (r *changeReconciler) syncComments(ctx context.Context, s *store.Session, rev *models.Revision, files map[string][]remoteComment) error {
	for _, file := range sortedKeys(files) {
		for _, rcm := range files[file] {
			author, err := r.author(ctx, s, rcm.Author)
			if err != nil {
				return err
			}
			existing, err := s.GetCommentByID(ctx, rcm.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.AuthorID != author.ID {
					if err := s.SetCommentAuthor(ctx, existing.Key, author.ID); err != nil {
						return err
					}
				}
				continue
			}
			c := &models.Comment{
				RevisionKey: rev.Key,
				AuthorID:    author.ID,
				ID:          rcm.ID,
				InReplyTo:   rcm.InReplyTo,
				Created:     rcm.Updated.Time,
				File:        file,
				Parent:      rcm.Side == "PARENT",
				Line:        rcm.Line,
				Body:        rcm.Message,
			}
			if err := s.CreateComment(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *changeReconciler) revisionByNumber(ctx context.Context, s *store.Session, n int) (*models.Revision, error) {
	if rev, ok := r.revByNumber[n]; ok {
		return rev, nil
	}
	return s.GetRevisionByNumber(ctx, r.change.Key, n)
}

func (r *changeReconciler) syncMessages(ctx context.Context, s *store.Session) error {
	for _, rm := range r.rc.Messages {
		author, err := r.author(ctx, s, rm.Author)
		if err != nil {
			return err
		}
		existing, err := s.GetMessageByID(ctx, rm.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.AuthorID != author.ID {
				existing.AuthorID = author.ID
				if err := s.UpdateMessage(ctx, existing); err != nil {
					return err
				}
			}
			continue
		}

		number := 1
		if rm.RevisionNumber != nil {
			number = *rm.RevisionNumber
		}
		rev, err := r.revisionByNumber(ctx, s, number)
		if err != nil {
			return err
		}
		if rev == nil {
			r.e.log.Warn(ctx, "skipping message for unknown revision",
				"change", r.rc.ID, "message", rm.ID, "revision", number)
			continue
		}
		m := &models.Message{
			RevisionKey: rev.Key,
			AuthorID:    author.ID,
			ID:          rm.ID,
			Created:     rm.Date.Time,
			Body:        rm.Message,
		}
		if err := s.CreateMessage(ctx, m); err != nil {
			return err
		}
		if !r.e.isSelf(author.ID, author.Username) {
			r.newMessage = true
		}
	}
	return nil
}

type approvalKey struct {
	category  string
	accountID int
}

// syncApprovals aligns cast votes with the server and reports whether the
// local user holds a non-zero vote. Drafts are local votes not yet uploaded;
// they survive unless this pass added a revision, which makes them stale.
func (r *changeReconciler) syncApprovals(ctx context.Context, s *store.Session) (bool, error) {
	userVoted := false
	remote := make(map[approvalKey]remoteApproval)
	for category, label := range r.rc.Labels {
		for _, a := range label.All {
			if a.Value == nil {
				continue
			}
			remote[approvalKey{category, a.AccountID}] = a
			if *a.Value != 0 && r.e.isSelf(a.AccountID, deref(a.Username)) {
				userVoted = true
			}
		}
	}

	approvals, err := s.ListApprovals(ctx, r.change.Key)
	if err != nil {
		return false, err
	}
	local := make(map[approvalKey]*models.Approval)
	for _, a := range approvals {
		if a.Draft {
			if r.newRevision {
				if err := s.DeleteApproval(ctx, a.Key); err != nil {
					return false, err
				}
			}
			continue
		}
		key := approvalKey{a.Category, a.ReviewerID}
		if _, dup := local[key]; dup {
			if err := s.DeleteApproval(ctx, a.Key); err != nil {
				return false, err
			}
			continue
		}
		local[key] = a
	}

	for key, a := range local {
		if _, ok := remote[key]; ok {
			continue
		}
		if err := s.DeleteApproval(ctx, a.Key); err != nil {
			return false, err
		}
	}

	keys := make([]approvalKey, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].accountID < keys[j].accountID
	})
	for _, key := range keys {
		ra := remote[key]
		account, err := s.UpsertAccount(ctx, ra.AccountID, ra.info())
		if err != nil {
			return false, err
		}
		if la, ok := local[key]; ok {
			if la.Value != *ra.Value {
				if err := s.SetApprovalValue(ctx, la.Key, *ra.Value); err != nil {
					return false, err
				}
			}
			continue
		}
		a := &models.Approval{ChangeKey: r.change.Key, ReviewerID: account.ID, Category: key.category, Value: *ra.Value}
		if err := s.CreateApproval(ctx, a); err != nil {
			return false, err
		}
	}
	return userVoted, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type labelKey struct {
	category    string
	value       int
	description string
}

func (r *changeReconciler) syncLabels(ctx context.Context, s *store.Session) error {
	remote := make(map[labelKey]struct{})
	for category, label := range r.rc.Labels {
		for raw, description := range label.Values {
			v, ok := labelValue(raw)
			if !ok {
				r.e.log.Warn(ctx, "ignoring malformed label value", "category", category, "value", raw)
				continue
			}
			remote[labelKey{category, v, description}] = struct{}{}
		}
	}

	labels, err := s.ListLabels(ctx, r.change.Key)
	if err != nil {
		return err
	}
	local := make(map[labelKey]struct{})
	for _, l := range labels {
		key := labelKey{l.Category, l.Value, l.Description}
		_, wanted := remote[key]
		_, dup := local[key]
		if !wanted || dup {
			if err := s.DeleteLabel(ctx, l.Key); err != nil {
				return err
			}
			continue
		}
		local[key] = struct{}{}
	}

	keys := make([]labelKey, 0, len(remote))
	for key := range remote {
		if _, ok := local[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		if keys[i].value != keys[j].value {
			return keys[i].value < keys[j].value
		}
		return keys[i].description < keys[j].description
	})
	for _, key := range keys {
		l := &models.Label{ChangeKey: r.change.Key, Category: key.category, Value: key.value, Description: key.description}
		if err := s.CreateLabel(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

type permittedKey struct {
	category string
	value    int
}

func (r *changeReconciler) syncPermittedLabels(ctx context.Context, s *store.Session) error {
	remote := make(map[permittedKey]struct{})
	for category, values := range r.rc.PermittedLabels {
		for _, raw := range values {
			v, ok := labelValue(raw)
			if !ok {
				continue
			}
			remote[permittedKey{category, v}] = struct{}{}
		}
	}

	labels, err := s.ListPermittedLabels(ctx, r.change.Key)
	if err != nil {
		return err
	}
	local := make(map[permittedKey]struct{})
	for _, l := range labels {
		key := permittedKey{l.Category, l.Value}
		_, wanted := remote[key]
		_, dup := local[key]
		if !wanted || dup {
			if err := s.DeletePermittedLabel(ctx, l.Key); err != nil {
				return err
			}
			continue
		}
		local[key] = struct{}{}
	}

	keys := make([]permittedKey, 0, len(remote))
	for key := range remote {
		if _, ok := local[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].value < keys[j].value
	})
	for _, key := range keys {
		l := &models.PermittedLabel{ChangeKey: r.change.Key, Category: key.category, Value: key.value}
		if err := s.CreatePermittedLabel(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// fetchSpec says where a revision's ref can be fetched from.
type fetchSpec struct {
	url  string
	ref  string
	auth bool
}

// fetchSource picks the fetch method for a revision in order of preference.
func (e *Engine) fetchSource(project string, fetch map[string]remoteFetch) (fetchSpec, error) {
	if f, ok := fetch["anonymous http"]; ok {
		return fetchSpec{url: f.URL, ref: f.Ref}, nil
	}
	if f, ok := fetch["http"]; ok {
		return fetchSpec{url: e.authURL(project), ref: f.Ref, auth: true}, nil
	}
	for _, method := range []string{"ssh", "git"} {
		if f, ok := fetch[method]; ok {
			return fetchSpec{url: f.URL, ref: f.Ref}, nil
		}
	}
	if len(fetch) == 0 {
		return fetchSpec{}, errors.New("server offers no fetch methods, is the download-commands plugin installed?")
	}
	return fetchSpec{}, fmt.Errorf("no supported fetch method among: %s", strings.Join(sortedKeys(fetch), ", "))
}

// syncChangeByCommit queues a lookup of the change owning commit. Lookups at
// the same priority are merged into one pending query when possible.
func (e *Engine) syncChangeByCommit(parent Task, commit string, p Priority) {
	merged := false
	pending, found := e.queue.Find(p, func(t Task) bool {
		bt, ok := t.(*SyncChangesByCommitsTask)
		if !ok {
			return false
		}
		for _, c := range bt.Commits {
			if c == commit {
				merged = true
				return true
			}
		}
		if len(bt.Commits) >= maxCommitsPerQuery {
			return false
		}
		bt.Commits = append(bt.Commits, commit)
		merged = true
		return true
	})
	if found && merged {
		e.log.Debug(context.Background(), "merged commit lookup", "commit", commit)
		if !slices.Contains(parent.base().Children(), pending) {
			parent.base().addChild(pending)
		}
		return
	}
	e.spawn(parent, NewSyncChangesByCommitsTask([]string{commit}, p))
}

// SyncChangesByCommitsTask finds the changes owning a set of commits and
// queues a SyncChangeTask for each. Commits may be appended while the task
// is still queued.
type SyncChangesByCommitsTask struct {
	*taskBase
	Commits []string
}

func NewSyncChangesByCommitsTask(commits []string, p Priority) *SyncChangesByCommitsTask {
	return &SyncChangesByCommitsTask{taskBase: newTaskBase(p), Commits: commits}
}

func (t *SyncChangesByCommitsTask) String() string {
	return fmt.Sprintf("SyncChangesByCommits(%s)", strings.Join(t.Commits, ","))
}

func (t *SyncChangesByCommitsTask) Execute(ctx context.Context, e *Engine) error {
	terms := make([]string, len(t.Commits))
	for i, c := range t.Commits {
		terms[i] = "commit:" + c
	}
	var changes []remoteChange
	ok, err := e.get(ctx, "changes/?q="+url.QueryEscape(strings.Join(terms, " OR ")), &changes)
	if err != nil || !ok {
		return err
	}
	for _, c := range changes {
		e.spawn(t, NewSyncChangeTask(c.ID, t.Priority()))
	}
	return nil
}

// SyncChangeByNumberTask resolves a change number and syncs the change.
type SyncChangeByNumberTask struct {
	*taskBase
	Number int
}

func NewSyncChangeByNumberTask(number int, p Priority) *SyncChangeByNumberTask {
	return &SyncChangeByNumberTask{taskBase: newTaskBase(p), Number: number}
}

func (t *SyncChangeByNumberTask) String() string {
	return fmt.Sprintf("SyncChangeByNumber(%d)", t.Number)
}

func (t *SyncChangeByNumberTask) dedupKey() string { return "SyncChangeByNumber:" + strconv.Itoa(t.Number) }

func (t *SyncChangeByNumberTask) Execute(ctx context.Context, e *Engine) error {
	var changes []remoteChange
	ok, err := e.get(ctx, "changes/?q="+strconv.Itoa(t.Number), &changes)
	if err != nil || !ok {
		return err
	}
	for _, c := range changes {
		e.spawn(t, NewSyncChangeTask(c.ID, t.Priority()))
	}
	return nil
}
