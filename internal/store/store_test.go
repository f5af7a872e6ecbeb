package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), MemoryDSN("store-"+uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func inSession(t *testing.T, st *Store, fn func(ctx context.Context, s *Session)) {
	t.Helper()
	err := st.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
		fn(ctx, s)
		return nil
	})
	require.NoError(t, err)
}

func strp(s string) *string { return &s }

func seedChange(t *testing.T, ctx context.Context, s *Session, projectKey int64, id string, number int) *models.Change {
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

func seedRevision(t *testing.T, ctx context.Context, s *Session, changeKey int64, number int, commit, parent string) *models.Revision {
	t.Helper()
	r := &models.Revision{ChangeKey: changeKey, Number: number, Message: "msg", Commit: commit, Parent: parent}
	require.NoError(t, s.CreateRevision(ctx, r))
	return r
}

func TestSystemAccountSeeded(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		a, err := s.SystemAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.SystemAccountID, a.ID)
		assert.Equal(t, "gerrit", a.Username)
	})
}

func TestUpsertAccount_WriteIfDifferent(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		a, err := s.UpsertAccount(ctx, 7, AccountInfo{Name: strp("Alice"), Email: strp("alice@example.org")})
		require.NoError(t, err)
		assert.Equal(t, "Alice", a.Name)

		// Username arrives later, email is not resent and must survive.
		a, err = s.UpsertAccount(ctx, 7, AccountInfo{Username: strp("alice")})
		require.NoError(t, err)
		assert.Equal(t, &models.Account{ID: 7, Name: "Alice", Username: "alice", Email: "alice@example.org"}, a)

		got, err := s.GetAccount(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, a, got)
	})
}

func TestGetMissing_ReturnsNilNil(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.GetProjectByName(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, p)

		c, err := s.GetChangeByID(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, c)

		r, err := s.GetRevisionByCommit(ctx, "deadbeef")
		require.NoError(t, err)
		assert.Nil(t, r)

		v, err := s.GetMetadata(ctx, "absent")
		require.NoError(t, err)
		assert.Empty(t, v)
	})
}

func TestProjects_SubscribeUpdateAndCascade(t *testing.T) {
	st := openTestStore(t)
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.CreateProject(ctx, "tools/revsync", "client")
		require.NoError(t, err)
		_, err = s.CreateProject(ctx, "other", "")
		require.NoError(t, err)

		require.NoError(t, s.SetProjectSubscribed(ctx, p.Key, true))
		require.NoError(t, s.SetProjectUpdated(ctx, p.Key, updated))
		_, err = s.CreateBranch(ctx, p.Key, "master")
		require.NoError(t, err)
		c := seedChange(t, ctx, s, p.Key, "c1", 1)
		seedRevision(t, ctx, s, c.Key, 1, "aaa", "000")
	})

	inSession(t, st, func(ctx context.Context, s *Session) {
		subs, err := s.ListProjects(ctx, true)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.True(t, subs[0].Subscribed)
		require.NotNil(t, subs[0].Updated)
		assert.True(t, updated.Equal(*subs[0].Updated))

		all, err := s.ListProjects(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, s.DeleteProject(ctx, subs[0].Key))
		c, err := s.GetChangeByID(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, c, "changes must go with their project")
		r, err := s.GetRevisionByCommit(ctx, "aaa")
		require.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestWithSession_RollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	boom := errors.New("boom")

	err := st.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
		_, err := s.CreateProject(ctx, "p", "")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.GetProjectByName(ctx, "p")
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestChanges_UpdateAndPendingLists(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.CreateProject(ctx, "p", "")
		require.NoError(t, err)
		c1 := seedChange(t, ctx, s, p.Key, "c1", 1)
		c2 := seedChange(t, ctx, s, p.Key, "c2", 2)
		c3 := seedChange(t, ctx, s, p.Key, "c3", 3)

		c1.Topic, c1.PendingTopic = "feature", true
		require.NoError(t, s.UpdateChange(ctx, c1))
		c2.Status, c2.PendingStatus, c2.PendingStatusMessage = models.StatusAbandoned, true, "obsolete"
		require.NoError(t, s.UpdateChange(ctx, c2))
		c3.Starred, c3.PendingStarred, c3.PendingRebase = true, true, true
		require.NoError(t, s.UpdateChange(ctx, c3))

		topics, err := s.ListPendingTopics(ctx)
		require.NoError(t, err)
		require.Len(t, topics, 1)
		assert.Equal(t, "feature", topics[0].Topic)

		statuses, err := s.ListPendingStatusChanges(ctx)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, "obsolete", statuses[0].PendingStatusMessage)

		starred, err := s.ListPendingStarred(ctx)
		require.NoError(t, err)
		assert.Len(t, starred, 1)
		rebases, err := s.ListPendingRebases(ctx)
		require.NoError(t, err)
		assert.Len(t, rebases, 1)

		open, err := s.ListOpenChanges(ctx, p.Key)
		require.NoError(t, err)
		assert.Len(t, open, 2)

		known, err := s.KnownChangeIDs(ctx, []string{"c1", "c3", "zzz"})
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"c1": {}, "c3": {}}, known)
	})
}

func TestRelatedChangeKeys_ParentAndChild(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.CreateProject(ctx, "p", "")
		require.NoError(t, err)
		x := seedChange(t, ctx, s, p.Key, "x", 1)
		self := seedChange(t, ctx, s, p.Key, "self", 2)
		y := seedChange(t, ctx, s, p.Key, "y", 3)
		unrelated := seedChange(t, ctx, s, p.Key, "u", 4)

		seedRevision(t, ctx, s, x.Key, 1, "xxx", "root")
		seedRevision(t, ctx, s, self.Key, 1, "sss", "xxx")
		seedRevision(t, ctx, s, y.Key, 1, "yyy", "sss")
		seedRevision(t, ctx, s, unrelated.Key, 1, "uuu", "root")

		keys, err := s.RelatedChangeKeys(ctx, self.Key)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{self.Key, x.Key, y.Key}, keys)
	})
}

func TestDraftsAndPendingItems(t *testing.T) {
	st := openTestStore(t)
	inSession(t, st, func(ctx context.Context, s *Session) {
		p, err := s.CreateProject(ctx, "p", "")
		require.NoError(t, err)
		c := seedChange(t, ctx, s, p.Key, "c", 1)
		r := seedRevision(t, ctx, s, c.Key, 1, "aaa", "000")

		m := &models.Message{RevisionKey: r.Key, AuthorID: 0, Created: time.Now(), Body: "lgtm", Draft: true, Pending: true}
		require.NoError(t, s.CreateMessage(ctx, m))
		line := 10
		require.NoError(t, s.CreateComment(ctx, &models.Comment{RevisionKey: r.Key, File: "main.go", Line: &line, Body: "nit", Draft: true, Created: time.Now()}))
		require.NoError(t, s.CreateApproval(ctx, &models.Approval{ChangeKey: c.Key, Category: "Code-Review", Value: 2, Draft: true}))
		require.NoError(t, s.CreatePendingCherryPick(ctx, &models.PendingCherryPick{RevisionKey: r.Key, Branch: "stable", Message: "pick"}))

		pending, err := s.ListPendingMessages(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Empty(t, pending[0].ID)

		drafts, err := s.ListDraftComments(ctx, r.Key)
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		require.NotNil(t, drafts[0].Line)
		assert.Equal(t, 10, *drafts[0].Line)

		approvals, err := s.ListDraftApprovals(ctx, c.Key)
		require.NoError(t, err)
		assert.Len(t, approvals, 1)

		picks, err := s.ListPendingCherryPicks(ctx)
		require.NoError(t, err)
		require.Len(t, picks, 1)
		assert.Equal(t, "stable", picks[0].Branch)

		latest, err := s.LatestRevision(ctx, c.Key)
		require.NoError(t, err)
		assert.Equal(t, r.Key, latest.Key)
	})
}
