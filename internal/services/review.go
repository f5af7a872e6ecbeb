package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/dmitrijs2005/revsync/internal/sync"
)

// Scheduler is the part of the sync engine the service needs.
type Scheduler interface {
	Submit(t sync.Task) bool
	AccountID() int
}

// CommentInput describes a draft inline comment.
type CommentInput struct {
	File      string
	Line      *int
	Parent    bool
	InReplyTo string
	Body      string
}

type ReviewService interface {
	Subscribe(ctx context.Context, project string) error
	Unsubscribe(ctx context.Context, project string) error

	Vote(ctx context.Context, changeKey int64, category string, value int) error
	Comment(ctx context.Context, revisionKey int64, in CommentInput) error
	Review(ctx context.Context, revisionKey int64, message string, upload bool) error

	SetTopic(ctx context.Context, changeKey int64, topic string) error
	Abandon(ctx context.Context, changeKey int64, message string) error
	Restore(ctx context.Context, changeKey int64, message string) error
	Submit(ctx context.Context, changeKey int64) error
	Star(ctx context.Context, changeKey int64, starred bool) error
	Rebase(ctx context.Context, changeKey int64) error
	CherryPick(ctx context.Context, revisionKey int64, branch, message string) error
	EditCommitMessage(ctx context.Context, revisionKey int64, message string) error

	Hold(ctx context.Context, changeKey int64, held bool) error
	MarkReviewed(ctx context.Context, changeKey int64, reviewed bool) error
	Hide(ctx context.Context, changeKey int64, hidden bool) error

	OpenChange(ctx context.Context, number int) sync.Task
}

type reviewService struct {
	cache *store.Store
	sched Scheduler
	log   logging.Logger
	now   func() time.Time
}

func NewReviewService(cache *store.Store, sched Scheduler, log logging.Logger) ReviewService {
	return &reviewService{cache: cache, sched: sched, log: log.With("module", "services"), now: time.Now}
}

func (s *reviewService) Subscribe(ctx context.Context, project string) error {
	var key int64
	err := s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		p, err := projectByName(ctx, sess, project)
		if err != nil {
			return err
		}
		key = p.Key
		return sess.SetProjectSubscribed(ctx, p.Key, true)
	})
	if err != nil {
		return err
	}
	s.sched.Submit(sync.NewSyncProjectTask([]int64{key}, sync.HighPriority))
	s.sched.Submit(sync.NewSyncProjectBranchesTask(project, sync.HighPriority))
	s.log.Info(ctx, "subscribed", "project", project)
	return nil
}

func (s *reviewService) Unsubscribe(ctx context.Context, project string) error {
	return s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		p, err := projectByName(ctx, sess, project)
		if err != nil {
			return err
		}
		return sess.SetProjectSubscribed(ctx, p.Key, false)
	})
}

// Vote records a draft vote; it is uploaded with the next review of the
// change's current revision.
func (s *reviewService) Vote(ctx context.Context, changeKey int64, category string, value int) error {
	self := s.sched.AccountID()
	return s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		if _, err := changeByKey(ctx, sess, changeKey); err != nil {
			return err
		}
		drafts, err := sess.ListDraftApprovals(ctx, changeKey)
		if err != nil {
			return err
		}
		for _, a := range drafts {
			if a.ReviewerID == self && a.Category == category {
				return sess.SetApprovalValue(ctx, a.Key, value)
			}
		}
		return sess.CreateApproval(ctx, &models.Approval{
			ChangeKey: changeKey, ReviewerID: self, Category: category, Value: value, Draft: true,
		})
	})
}

func (s *reviewService) Comment(ctx context.Context, revisionKey int64, in CommentInput) error {
	return s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		if _, err := revisionByKey(ctx, sess, revisionKey); err != nil {
			return err
		}
		return sess.CreateComment(ctx, &models.Comment{
			RevisionKey: revisionKey,
			AuthorID:    s.sched.AccountID(),
			InReplyTo:   in.InReplyTo,
			Created:     s.now().UTC(),
			File:        in.File,
			Parent:      in.Parent,
			Line:        in.Line,
			Body:        in.Body,
			Draft:       true,
		})
	})
}

// Review saves the draft review message of a revision. With upload set the
// message is marked pending and sent together with the revision's draft
// comments and the change's draft votes.
func (s *reviewService) Review(ctx context.Context, revisionKey int64, message string, upload bool) error {
	var key int64
	err := s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		if _, err := revisionByKey(ctx, sess, revisionKey); err != nil {
			return err
		}
		m, err := sess.DraftMessage(ctx, revisionKey)
		if err != nil {
			return err
		}
		if m == nil {
			m = &models.Message{
				RevisionKey: revisionKey, AuthorID: s.sched.AccountID(), Created: s.now().UTC(),
				Body: message, Draft: true, Pending: upload,
			}
			if err := sess.CreateMessage(ctx, m); err != nil {
				return err
			}
		} else {
			m.Body = message
			m.Pending = upload
			if err := sess.UpdateMessage(ctx, m); err != nil {
				return err
			}
		}
		key = m.Key
		return nil
	})
	if err != nil || !upload {
		return err
	}
	s.sched.Submit(sync.NewUploadReviewTask(key, sync.HighPriority))
	return nil
}

// editChange applies edit to a change and submits the upload task returned
// by task, if any.
func (s *reviewService) editChange(ctx context.Context, changeKey int64,
	edit func(ctx context.Context, sess *store.Session, c *models.Change) (sync.Task, error),
) error {
	var t sync.Task
	err := s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		c, err := changeByKey(ctx, sess, changeKey)
		if err != nil {
			return err
		}
		t, err = edit(ctx, sess, c)
		if err != nil {
			return err
		}
		return sess.UpdateChange(ctx, c)
	})
	if err != nil {
		return err
	}
	if t != nil {
		s.sched.Submit(t)
	}
	return nil
}

func (s *reviewService) SetTopic(ctx context.Context, changeKey int64, topic string) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		c.Topic = topic
		c.PendingTopic = true
		return sync.NewSetTopicTask(c.Key, sync.HighPriority), nil
	})
}

func (s *reviewService) setStatus(ctx context.Context, changeKey int64, status, message string) error {
	return s.editChange(ctx, changeKey, func(ctx context.Context, sess *store.Session, c *models.Change) (sync.Task, error) {
		c.Status = status
		c.PendingStatus = true
		c.PendingStatusMessage = message
		if status != models.StatusSubmitted {
			return sync.NewChangeStatusTask(c.Key, sync.HighPriority), nil
		}
		// A submit goes out after any review still waiting on the change.
		pending, err := pendingReview(ctx, sess, c.Key)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return sync.NewUploadReviewTask(pending.Key, sync.HighPriority), nil
		}
		return sync.NewChangeStatusTask(c.Key, sync.HighPriority), nil
	})
}

func (s *reviewService) Abandon(ctx context.Context, changeKey int64, message string) error {
	return s.setStatus(ctx, changeKey, models.StatusAbandoned, message)
}

func (s *reviewService) Restore(ctx context.Context, changeKey int64, message string) error {
	return s.setStatus(ctx, changeKey, models.StatusNew, message)
}

func (s *reviewService) Submit(ctx context.Context, changeKey int64) error {
	return s.setStatus(ctx, changeKey, models.StatusSubmitted, "")
}

func (s *reviewService) Star(ctx context.Context, changeKey int64, starred bool) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		if c.Starred == starred && !c.PendingStarred {
			return nil, nil
		}
		c.Starred = starred
		c.PendingStarred = true
		return sync.NewChangeStarredTask(c.Key, sync.HighPriority), nil
	})
}

func (s *reviewService) Rebase(ctx context.Context, changeKey int64) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		c.PendingRebase = true
		return sync.NewRebaseChangeTask(c.Key, sync.HighPriority), nil
	})
}

func (s *reviewService) CherryPick(ctx context.Context, revisionKey int64, branch, message string) error {
	var key int64
	err := s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		if _, err := revisionByKey(ctx, sess, revisionKey); err != nil {
			return err
		}
		cp := &models.PendingCherryPick{RevisionKey: revisionKey, Branch: branch, Message: message}
		if err := sess.CreatePendingCherryPick(ctx, cp); err != nil {
			return err
		}
		key = cp.Key
		return nil
	})
	if err != nil {
		return err
	}
	s.sched.Submit(sync.NewSendCherryPickTask(key, sync.HighPriority))
	return nil
}

func (s *reviewService) EditCommitMessage(ctx context.Context, revisionKey int64, message string) error {
	err := s.cache.WithSession(ctx, func(ctx context.Context, sess *store.Session) error {
		r, err := revisionByKey(ctx, sess, revisionKey)
		if err != nil {
			return err
		}
		r.Message = message
		r.PendingMessage = true
		return sess.UpdateRevision(ctx, r)
	})
	if err != nil {
		return err
	}
	s.sched.Submit(sync.NewChangeCommitMessageTask(revisionKey, sync.HighPriority))
	return nil
}

// Hold keeps the change's reviews local. Releasing the hold queues an upload
// of everything still pending.
func (s *reviewService) Hold(ctx context.Context, changeKey int64, held bool) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		wasHeld := c.Held
		c.Held = held
		if wasHeld && !held {
			return sync.NewUploadReviewsTask(sync.HighPriority), nil
		}
		return nil, nil
	})
}

func (s *reviewService) MarkReviewed(ctx context.Context, changeKey int64, reviewed bool) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		c.Reviewed = reviewed
		return nil, nil
	})
}

func (s *reviewService) Hide(ctx context.Context, changeKey int64, hidden bool) error {
	return s.editChange(ctx, changeKey, func(_ context.Context, _ *store.Session, c *models.Change) (sync.Task, error) {
		c.Hidden = hidden
		return nil, nil
	})
}

// OpenChange queues a lookup of a change by number and returns the task so
// the caller can wait for it.
func (s *reviewService) OpenChange(_ context.Context, number int) sync.Task {
	t := sync.NewSyncChangeByNumberTask(number, sync.HighPriority)
	s.sched.Submit(t)
	return t
}

func projectByName(ctx context.Context, sess *store.Session, name string) (*models.Project, error) {
	p, err := sess.GetProjectByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("services: project %q: %w", name, store.ErrNotFound)
	}
	return p, nil
}

func changeByKey(ctx context.Context, sess *store.Session, key int64) (*models.Change, error) {
	c, err := sess.GetChange(ctx, key)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("services: change %d: %w", key, store.ErrNotFound)
	}
	return c, nil
}

func revisionByKey(ctx context.Context, sess *store.Session, key int64) (*models.Revision, error) {
	r, err := sess.GetRevision(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("services: revision %d: %w", key, store.ErrNotFound)
	}
	return r, nil
}

// pendingReview returns a review message of the change that is waiting to
// be uploaded.
func pendingReview(ctx context.Context, sess *store.Session, changeKey int64) (*models.Message, error) {
	msgs, err := sess.ListChangeMessages(ctx, changeKey)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Pending {
			return m, nil
		}
	}
	return nil, nil
}
