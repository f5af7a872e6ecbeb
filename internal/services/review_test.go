package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/dmitrijs2005/revsync/internal/sync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	accountID int
	submitted []sync.Task
}

func (f *fakeScheduler) Submit(t sync.Task) bool {
	f.submitted = append(f.submitted, t)
	return true
}

func (f *fakeScheduler) AccountID() int { return f.accountID }

func (f *fakeScheduler) names() []string {
	var out []string
	for _, t := range f.submitted {
		out = append(out, t.String())
	}
	return out
}

type fixture struct {
	svc      ReviewService
	sched    *fakeScheduler
	cache    *store.Store
	project  *models.Project
	change   *models.Change
	revision *models.Revision
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.MemoryDSN("services-"+uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{sched: &fakeScheduler{accountID: 7}, cache: st}
	f.svc = NewReviewService(st, f.sched, logging.Discard())

	require.NoError(t, st.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		name := "alice"
		if _, err := s.UpsertAccount(ctx, 7, store.AccountInfo{Username: &name}); err != nil {
			return err
		}
		if f.project, err = s.CreateProject(ctx, "demo", ""); err != nil {
			return err
		}
		now := time.Now().UTC()
		f.change = &models.Change{
			ID: "demo~master~I1", Number: 1, ProjectKey: f.project.Key, OwnerID: 7, Branch: "master",
			ChangeID: "I1", Subject: "one", Created: now, Updated: now, Status: models.StatusNew,
		}
		if err := s.CreateChange(ctx, f.change); err != nil {
			return err
		}
		f.revision = &models.Revision{ChangeKey: f.change.Key, Number: 1, Commit: "c1", Message: "one"}
		return s.CreateRevision(ctx, f.revision)
	}))
	return f
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func (f *fixture) session(t *testing.T, fn func(ctx context.Context, s *store.Session)) {
	t.Helper()
	require.NoError(t, f.cache.WithSession(context.Background(), func(ctx context.Context, s *store.Session) error {
		fn(ctx, s)
		return nil
	}))
}

func (f *fixture) reload(t *testing.T) *models.Change {
	t.Helper()
	var c *models.Change
	f.session(t, func(ctx context.Context, s *store.Session) {
		var err error
		c, err = s.GetChange(ctx, f.change.Key)
		require.NoError(t, err)
	})
	return c
}

func TestSubscribe_QueuesProjectSync(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Subscribe(ctx, "demo"))
	assert.Equal(t, []string{
		"SyncProject([" + itoa(f.project.Key) + "])",
		"SyncProjectBranches(demo)",
	}, f.sched.names())

	f.session(t, func(ctx context.Context, s *store.Session) {
		p, err := s.GetProject(ctx, f.project.Key)
		require.NoError(t, err)
		assert.True(t, p.Subscribed)
	})

	require.NoError(t, f.svc.Unsubscribe(ctx, "demo"))
	f.session(t, func(ctx context.Context, s *store.Session) {
		p, err := s.GetProject(ctx, f.project.Key)
		require.NoError(t, err)
		assert.False(t, p.Subscribed)
	})

	assert.ErrorIs(t, f.svc.Subscribe(ctx, "missing"), store.ErrNotFound)
}

func TestVote_UpdatesExistingDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Vote(ctx, f.change.Key, "Code-Review", 1))
	require.NoError(t, f.svc.Vote(ctx, f.change.Key, "Code-Review", 2))
	require.NoError(t, f.svc.Vote(ctx, f.change.Key, "Verified", 1))

	f.session(t, func(ctx context.Context, s *store.Session) {
		drafts, err := s.ListDraftApprovals(ctx, f.change.Key)
		require.NoError(t, err)
		require.Len(t, drafts, 2)
		assert.Equal(t, "Code-Review", drafts[0].Category)
		assert.Equal(t, 2, drafts[0].Value)
		assert.Equal(t, 7, drafts[0].ReviewerID)
		assert.Equal(t, "Verified", drafts[1].Category)
	})
	assert.Empty(t, f.sched.submitted)

	assert.ErrorIs(t, f.svc.Vote(ctx, 999, "Code-Review", 1), store.ErrNotFound)
}

func TestReview_DraftThenUpload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	line := 3
	require.NoError(t, f.svc.Comment(ctx, f.revision.Key, CommentInput{File: "a.go", Line: &line, Body: "nit"}))
	require.NoError(t, f.svc.Review(ctx, f.revision.Key, "first draft", false))
	assert.Empty(t, f.sched.submitted)

	require.NoError(t, f.svc.Review(ctx, f.revision.Key, "LGTM", true))
	require.Len(t, f.sched.submitted, 1)
	upload, ok := f.sched.submitted[0].(*sync.UploadReviewTask)
	require.True(t, ok)
	assert.Equal(t, sync.HighPriority, upload.Priority())

	f.session(t, func(ctx context.Context, s *store.Session) {
		msgs, err := s.ListPendingMessages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "LGTM", msgs[0].Body)
		assert.Equal(t, upload.MessageKey, msgs[0].Key)

		comments, err := s.ListDraftComments(ctx, f.revision.Key)
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, 7, comments[0].AuthorID)
	})
}

func TestChangeEdits_SetPendingFlagsAndQueueUploads(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetTopic(ctx, f.change.Key, "feature"))
	require.NoError(t, f.svc.Star(ctx, f.change.Key, true))
	require.NoError(t, f.svc.Rebase(ctx, f.change.Key))
	require.NoError(t, f.svc.Abandon(ctx, f.change.Key, "not needed"))

	c := f.reload(t)
	assert.Equal(t, "feature", c.Topic)
	assert.True(t, c.PendingTopic)
	assert.True(t, c.Starred)
	assert.True(t, c.PendingStarred)
	assert.True(t, c.PendingRebase)
	assert.Equal(t, models.StatusAbandoned, c.Status)
	assert.True(t, c.PendingStatus)
	assert.Equal(t, "not needed", c.PendingStatusMessage)

	key := itoa(f.change.Key)
	assert.Equal(t, []string{
		"SetTopic(" + key + ")",
		"ChangeStarred(" + key + ")",
		"RebaseChange(" + key + ")",
		"ChangeStatus(" + key + ")",
	}, f.sched.names())
}

func TestStar_NoChangeQueuesNothing(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.svc.Star(context.Background(), f.change.Key, false))
	assert.Empty(t, f.sched.submitted)
	assert.False(t, f.reload(t).PendingStarred)
}

func TestSubmit_RidesWithPendingReview(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Submit(ctx, f.change.Key))
	require.NoError(t, f.svc.Review(ctx, f.revision.Key, "ship it", true))
	require.NoError(t, f.svc.Submit(ctx, f.change.Key))

	assert.IsType(t, &sync.ChangeStatusTask{}, f.sched.submitted[0])
	assert.IsType(t, &sync.UploadReviewTask{}, f.sched.submitted[1])
	assert.IsType(t, &sync.UploadReviewTask{}, f.sched.submitted[2])
	assert.Equal(t, models.StatusSubmitted, f.reload(t).Status)
}

func TestCherryPickAndCommitMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.CherryPick(ctx, f.revision.Key, "stable", "backport"))
	require.NoError(t, f.svc.EditCommitMessage(ctx, f.revision.Key, "better"))

	require.Len(t, f.sched.submitted, 2)
	assert.IsType(t, &sync.SendCherryPickTask{}, f.sched.submitted[0])
	assert.IsType(t, &sync.ChangeCommitMessageTask{}, f.sched.submitted[1])

	f.session(t, func(ctx context.Context, s *store.Session) {
		picks, err := s.ListPendingCherryPicks(ctx)
		require.NoError(t, err)
		require.Len(t, picks, 1)
		assert.Equal(t, "stable", picks[0].Branch)

		r, err := s.GetRevision(ctx, f.revision.Key)
		require.NoError(t, err)
		assert.Equal(t, "better", r.Message)
		assert.True(t, r.PendingMessage)
	})

	assert.ErrorIs(t, f.svc.EditCommitMessage(ctx, 999, "x"), store.ErrNotFound)
}

func TestLocalFlags(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Hold(ctx, f.change.Key, true))
	require.NoError(t, f.svc.MarkReviewed(ctx, f.change.Key, true))
	require.NoError(t, f.svc.Hide(ctx, f.change.Key, true))
	assert.Empty(t, f.sched.submitted)

	c := f.reload(t)
	assert.True(t, c.Held)
	assert.True(t, c.Reviewed)
	assert.True(t, c.Hidden)

	require.NoError(t, f.svc.Hold(ctx, f.change.Key, false))
	assert.Equal(t, []string{"UploadReviews"}, f.sched.names())
}

func TestOpenChange(t *testing.T) {
	f := setup(t)
	task := f.svc.OpenChange(context.Background(), 42)
	assert.Equal(t, []sync.Task{task}, f.sched.submitted)
}
