package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/store"
)

// Upload tasks clear their pending marker and issue the write call inside
// one session: a failed call rolls the marker back so the edit is retried by
// the next UploadReviewsTask. Each then queues a SyncChangeTask so the cache
// converges on the server's view.

// UploadReviewsTask queues one upload task per pending local edit.
type UploadReviewsTask struct {
	*taskBase
}

func NewUploadReviewsTask(p Priority) *UploadReviewsTask {
	return &UploadReviewsTask{taskBase: newTaskBase(p)}
}

func (t *UploadReviewsTask) String() string   { return "UploadReviews" }
func (t *UploadReviewsTask) dedupKey() string { return "UploadReviews" }

func (t *UploadReviewsTask) Execute(ctx context.Context, e *Engine) error {
	var tasks []Task
	p := t.Priority()
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		tasks = nil

		topics, err := s.ListPendingTopics(ctx)
		if err != nil {
			return err
		}
		for _, c := range topics {
			tasks = append(tasks, NewSetTopicTask(c.Key, p))
		}

		rebases, err := s.ListPendingRebases(ctx)
		if err != nil {
			return err
		}
		for _, c := range rebases {
			tasks = append(tasks, NewRebaseChangeTask(c.Key, p))
		}

		messages, err := s.ListPendingMessages(ctx)
		if err != nil {
			return err
		}
		reviewed := make(map[int64]bool)
		for _, m := range messages {
			rev, err := s.GetRevision(ctx, m.RevisionKey)
			if err != nil {
				return err
			}
			if rev != nil {
				reviewed[rev.ChangeKey] = true
			}
		}

		statuses, err := s.ListPendingStatusChanges(ctx)
		if err != nil {
			return err
		}
		for _, c := range statuses {
			// A submit that accompanies a review is sent by UploadReviewTask.
			if c.Status == models.StatusSubmitted && reviewed[c.Key] {
				continue
			}
			tasks = append(tasks, NewChangeStatusTask(c.Key, p))
		}

		starred, err := s.ListPendingStarred(ctx)
		if err != nil {
			return err
		}
		for _, c := range starred {
			tasks = append(tasks, NewChangeStarredTask(c.Key, p))
		}

		picks, err := s.ListPendingCherryPicks(ctx)
		if err != nil {
			return err
		}
		for _, cp := range picks {
			tasks = append(tasks, NewSendCherryPickTask(cp.Key, p))
		}

		revisions, err := s.ListPendingCommitMessages(ctx)
		if err != nil {
			return err
		}
		for _, r := range revisions {
			tasks = append(tasks, NewChangeCommitMessageTask(r.Key, p))
		}

		for _, m := range messages {
			tasks = append(tasks, NewUploadReviewTask(m.Key, p))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, child := range tasks {
		e.spawn(t, child)
	}
	return nil
}

// changeUpload runs fn with the change identified by key when claim reports
// that it still has a pending edit, then queues a SyncChangeTask for it.
func changeUpload(ctx context.Context, e *Engine, t Task, key int64,
	claim func(c *models.Change) bool,
	fn func(ctx context.Context, c *models.Change) error,
) error {
	var changeID string
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		changeID = ""
		c, err := s.GetChange(ctx, key)
		if err != nil || c == nil || !claim(c) {
			return err
		}
		if err := s.UpdateChange(ctx, c); err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		changeID = c.ID
		return nil
	})
	if err != nil {
		return err
	}
	if changeID != "" {
		e.spawn(t, NewSyncChangeTask(changeID, t.Priority()))
	}
	return nil
}

type SetTopicTask struct {
	*taskBase
	ChangeKey int64
}

func NewSetTopicTask(changeKey int64, p Priority) *SetTopicTask {
	return &SetTopicTask{taskBase: newTaskBase(p), ChangeKey: changeKey}
}

func (t *SetTopicTask) String() string   { return fmt.Sprintf("SetTopic(%d)", t.ChangeKey) }
func (t *SetTopicTask) dedupKey() string { return fmt.Sprintf("SetTopic:%d", t.ChangeKey) }

func (t *SetTopicTask) Execute(ctx context.Context, e *Engine) error {
	return changeUpload(ctx, e, t, t.ChangeKey,
		func(c *models.Change) bool {
			if !c.PendingTopic {
				return false
			}
			c.PendingTopic = false
			return true
		},
		func(ctx context.Context, c *models.Change) error {
			_, err := e.remote.Put(ctx, changePath(c.ID)+"/topic", map[string]string{"topic": c.Topic})
			return err
		})
}

type RebaseChangeTask struct {
	*taskBase
	ChangeKey int64
}

func NewRebaseChangeTask(changeKey int64, p Priority) *RebaseChangeTask {
	return &RebaseChangeTask{taskBase: newTaskBase(p), ChangeKey: changeKey}
}

func (t *RebaseChangeTask) String() string   { return fmt.Sprintf("RebaseChange(%d)", t.ChangeKey) }
func (t *RebaseChangeTask) dedupKey() string { return fmt.Sprintf("RebaseChange:%d", t.ChangeKey) }

func (t *RebaseChangeTask) Execute(ctx context.Context, e *Engine) error {
	return changeUpload(ctx, e, t, t.ChangeKey,
		func(c *models.Change) bool {
			if !c.PendingRebase {
				return false
			}
			c.PendingRebase = false
			return true
		},
		func(ctx context.Context, c *models.Change) error {
			_, err := e.remote.Post(ctx, changePath(c.ID)+"/rebase", map[string]any{})
			return err
		})
}

type ChangeStarredTask struct {
	*taskBase
	ChangeKey int64
}

func NewChangeStarredTask(changeKey int64, p Priority) *ChangeStarredTask {
	return &ChangeStarredTask{taskBase: newTaskBase(p), ChangeKey: changeKey}
}

func (t *ChangeStarredTask) String() string   { return fmt.Sprintf("ChangeStarred(%d)", t.ChangeKey) }
func (t *ChangeStarredTask) dedupKey() string { return fmt.Sprintf("ChangeStarred:%d", t.ChangeKey) }

func (t *ChangeStarredTask) Execute(ctx context.Context, e *Engine) error {
	return changeUpload(ctx, e, t, t.ChangeKey,
		func(c *models.Change) bool {
			if !c.PendingStarred {
				return false
			}
			c.PendingStarred = false
			return true
		},
		func(ctx context.Context, c *models.Change) error {
			path := "accounts/self/starred.changes/" + url.PathEscape(c.ID)
			var err error
			if c.Starred {
				_, err = e.remote.Put(ctx, path, nil)
			} else {
				_, err = e.remote.Delete(ctx, path, nil)
			}
			return err
		})
}

// ChangeStatusTask abandons, restores or submits a change.
type ChangeStatusTask struct {
	*taskBase
	ChangeKey int64
}

func NewChangeStatusTask(changeKey int64, p Priority) *ChangeStatusTask {
	return &ChangeStatusTask{taskBase: newTaskBase(p), ChangeKey: changeKey}
}

func (t *ChangeStatusTask) String() string   { return fmt.Sprintf("ChangeStatus(%d)", t.ChangeKey) }
func (t *ChangeStatusTask) dedupKey() string { return fmt.Sprintf("ChangeStatus:%d", t.ChangeKey) }

func (t *ChangeStatusTask) Execute(ctx context.Context, e *Engine) error {
	var message string
	return changeUpload(ctx, e, t, t.ChangeKey,
		func(c *models.Change) bool {
			if !c.PendingStatus {
				return false
			}
			message = c.PendingStatusMessage
			c.PendingStatus = false
			c.PendingStatusMessage = ""
			return true
		},
		func(ctx context.Context, c *models.Change) error {
			return postStatus(ctx, e, c, message)
		})
}

func postStatus(ctx context.Context, e *Engine, c *models.Change, message string) error {
	var action string
	body := map[string]any{}
	switch c.Status {
	case models.StatusAbandoned:
		action = "abandon"
		body["message"] = message
	case models.StatusNew:
		action = "restore"
		body["message"] = message
	case models.StatusSubmitted:
		action = "submit"
	default:
		return fmt.Errorf("cannot upload status %q of change %s", c.Status, c.ID)
	}
	_, err := e.remote.Post(ctx, changePath(c.ID)+"/"+action, body)
	return err
}

// SendCherryPickTask uploads a queued cherry-pick and syncs the change the
// server creates for it.
type SendCherryPickTask struct {
	*taskBase
	CherryPickKey int64
}

func NewSendCherryPickTask(key int64, p Priority) *SendCherryPickTask {
	return &SendCherryPickTask{taskBase: newTaskBase(p), CherryPickKey: key}
}

func (t *SendCherryPickTask) String() string { return fmt.Sprintf("SendCherryPick(%d)", t.CherryPickKey) }
func (t *SendCherryPickTask) dedupKey() string {
	return fmt.Sprintf("SendCherryPick:%d", t.CherryPickKey)
}

func (t *SendCherryPickTask) Execute(ctx context.Context, e *Engine) error {
	var newID string
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		newID = ""
		cp, err := s.GetPendingCherryPick(ctx, t.CherryPickKey)
		if err != nil || cp == nil {
			return err
		}
		rev, err := s.GetRevision(ctx, cp.RevisionKey)
		if err != nil {
			return err
		}
		if rev == nil {
			return fmt.Errorf("cherry-pick %d: revision %d: %w", cp.Key, cp.RevisionKey, store.ErrNotFound)
		}
		change, err := s.GetChange(ctx, rev.ChangeKey)
		if err != nil {
			return err
		}
		if change == nil {
			return fmt.Errorf("cherry-pick %d: change %d: %w", cp.Key, rev.ChangeKey, store.ErrNotFound)
		}
		if err := s.DeletePendingCherryPick(ctx, cp.Key); err != nil {
			return err
		}

		data, err := e.remote.Post(ctx, changePath(change.ID)+"/revisions/"+rev.Commit+"/cherrypick",
			map[string]string{"destination": cp.Branch, "message": cp.Message})
		if err != nil {
			return err
		}
		var created struct {
			ID string `json:"id"`
		}
		if data != nil && json.Unmarshal(data, &created) == nil {
			newID = created.ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	if newID != "" {
		e.spawn(t, NewSyncChangeTask(newID, t.Priority()))
	}
	return nil
}

// ChangeCommitMessageTask uploads an edited commit message. Servers before
// 2.11 take it directly; newer ones go through a change edit.
type ChangeCommitMessageTask struct {
	*taskBase
	RevisionKey int64
}

func NewChangeCommitMessageTask(revisionKey int64, p Priority) *ChangeCommitMessageTask {
	return &ChangeCommitMessageTask{taskBase: newTaskBase(p), RevisionKey: revisionKey}
}

func (t *ChangeCommitMessageTask) String() string {
	return fmt.Sprintf("ChangeCommitMessage(%d)", t.RevisionKey)
}

func (t *ChangeCommitMessageTask) dedupKey() string {
	return fmt.Sprintf("ChangeCommitMessage:%d", t.RevisionKey)
}

func (t *ChangeCommitMessageTask) Execute(ctx context.Context, e *Engine) error {
	var changeID string
	err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		changeID = ""
		rev, err := s.GetRevision(ctx, t.RevisionKey)
		if err != nil || rev == nil || !rev.PendingMessage {
			return err
		}
		change, err := s.GetChange(ctx, rev.ChangeKey)
		if err != nil {
			return err
		}
		if change == nil {
			return fmt.Errorf("revision %d: change %d: %w", rev.Key, rev.ChangeKey, store.ErrNotFound)
		}
		rev.PendingMessage = false
		if err := s.UpdateRevision(ctx, rev); err != nil {
			return err
		}
		if err := uploadCommitMessage(ctx, e, change, rev); err != nil {
			return err
		}
		changeID = change.ID
		return nil
	})
	if err != nil {
		return err
	}
	if changeID != "" {
		e.spawn(t, NewSyncChangeTask(changeID, t.Priority()))
	}
	return nil
}

func uploadCommitMessage(ctx context.Context, e *Engine, change *models.Change, rev *models.Revision) error {
	base := changePath(change.ID)
	if versionBefore(e.State().ServerVersion, 2, 11) {
		_, err := e.remote.Post(ctx, base+"/revisions/"+rev.Commit+"/message",
			map[string]string{"message": rev.Message})
		return err
	}

	edit, err := e.remote.Get(ctx, base+"/edit")
	if err != nil {
		return err
	}
	if edit != nil {
		return fmt.Errorf("change %s already has a pending edit", change.ID)
	}
	if _, err := e.remote.Put(ctx, base+"/edit:message", map[string]string{"message": rev.Message}); err != nil {
		return err
	}
	_, err = e.remote.Post(ctx, base+"/edit:publish", map[string]any{})
	return err
}

// UploadReviewTask posts a draft review message together with the draft
// votes and inline comments it covers, then submits the change if that was
// requested alongside the review.
type UploadReviewTask struct {
	*taskBase
	MessageKey int64

	// Set once the review is posted, so a retried attempt goes straight
	// to the submit step.
	posted    bool
	changeKey int64
	changeID  string
	submit    bool
}

func NewUploadReviewTask(messageKey int64, p Priority) *UploadReviewTask {
	return &UploadReviewTask{taskBase: newTaskBase(p), MessageKey: messageKey}
}

func (t *UploadReviewTask) String() string   { return fmt.Sprintf("UploadReview(%d)", t.MessageKey) }
func (t *UploadReviewTask) dedupKey() string { return fmt.Sprintf("UploadReview:%d", t.MessageKey) }

func (t *UploadReviewTask) Execute(ctx context.Context, e *Engine) error {
	if !t.posted {
		if err := e.cache.WithSession(ctx, t.post(e)); err != nil {
			return err
		}
		if t.changeID == "" {
			return nil
		}
		t.posted = true
	}

	if t.submit {
		err := e.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
			c, err := s.GetChange(ctx, t.changeKey)
			if err != nil || c == nil || !c.PendingStatus || c.Status != models.StatusSubmitted {
				return err
			}
			c.PendingStatus = false
			c.PendingStatusMessage = ""
			if err := s.UpdateChange(ctx, c); err != nil {
				return err
			}
			return postStatus(ctx, e, c, "")
		})
		if err != nil {
			return err
		}
	}
	e.spawn(t, NewSyncChangeTask(t.changeID, t.Priority()))
	return nil
}

// post returns the session callback that sends the review.
func (t *UploadReviewTask) post(e *Engine) func(ctx context.Context, s *store.Session) error {
	return func(ctx context.Context, s *store.Session) error {
		t.changeKey, t.changeID, t.submit = 0, "", false

		m, err := s.GetMessage(ctx, t.MessageKey)
		if err != nil || m == nil || !m.Pending {
			return err
		}
		rev, err := s.GetRevision(ctx, m.RevisionKey)
		if err != nil {
			return err
		}
		if rev == nil {
			return fmt.Errorf("message %d: revision %d: %w", m.Key, m.RevisionKey, store.ErrNotFound)
		}
		change, err := s.GetChange(ctx, rev.ChangeKey)
		if err != nil {
			return err
		}
		if change == nil {
			return fmt.Errorf("message %d: change %d: %w", m.Key, rev.ChangeKey, store.ErrNotFound)
		}
		if change.Held {
			e.log.Info(ctx, "not uploading review for held change", "change", change.ID)
			return nil
		}

		input := reviewInput{Message: m.Body}

		latest, err := s.LatestRevision(ctx, change.Key)
		if err != nil {
			return err
		}
		if latest != nil && latest.Key == rev.Key {
			drafts, err := s.ListDraftApprovals(ctx, change.Key)
			if err != nil {
				return err
			}
			for _, a := range drafts {
				if input.Labels == nil {
					input.Labels = make(map[string]int)
				}
				input.Labels[a.Category] = a.Value
				if err := s.DeleteApproval(ctx, a.Key); err != nil {
					return err
				}
			}
		}

		comments, err := s.ListDraftComments(ctx, rev.Key)
		if err != nil {
			return err
		}
		for _, c := range comments {
			if input.Comments == nil {
				input.Comments = make(map[string][]reviewCommentInput)
			}
			in := reviewCommentInput{Line: c.Line, Message: c.Body, InReplyTo: c.InReplyTo}
			if c.Parent {
				in.Side = "PARENT"
			}
			input.Comments[c.File] = append(input.Comments[c.File], in)
			if err := s.DeleteComment(ctx, c.Key); err != nil {
				return err
			}
		}

		if err := s.DeleteMessage(ctx, m.Key); err != nil {
			return err
		}
		if _, err := e.remote.Post(ctx, changePath(change.ID)+"/revisions/"+rev.Commit+"/review", input); err != nil {
			return err
		}

		t.changeKey, t.changeID = change.Key, change.ID
		t.submit = change.PendingStatus && change.Status == models.StatusSubmitted
		return nil
	}
}
