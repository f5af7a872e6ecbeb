package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/services"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/dmitrijs2005/revsync/internal/sync"
)

func (a *App) Projects(ctx context.Context) error {
	return a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		projects, err := s.ListProjects(ctx, false)
		if err != nil {
			return err
		}
		for _, p := range projects {
			mark := " "
			if p.Subscribed {
				mark = "*"
			}
			fmt.Fprintf(a.out, "%s %-30s %s\n", mark, p.Name, p.Description)
		}
		return nil
	})
}

func (a *App) Subscribe(ctx context.Context, project string, on bool) error {
	if on {
		return a.service.Subscribe(ctx, project)
	}
	return a.service.Unsubscribe(ctx, project)
}

func (a *App) Changes(ctx context.Context, project string) error {
	return a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		p, err := s.GetProjectByName(ctx, project)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("project %q: %w", project, store.ErrNotFound)
		}
		changes, err := s.ListChanges(ctx, p.Key, false)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if c.Hidden {
				continue
			}
			mark := " "
			if !c.Reviewed {
				mark = "+"
			}
			fmt.Fprintf(a.out, "%s %6d %-9s %s\n", mark, c.Number, c.Status, c.Subject)
		}
		return nil
	})
}

func (a *App) Show(ctx context.Context, number int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	return a.cache.WithSession(ctx, func(ctx context.Context, s *store.Session) error {
		owner, err := s.GetAccount(ctx, c.OwnerID)
		if err != nil {
			return err
		}
		ownerName := ""
		if owner != nil {
			ownerName = owner.Name
		}
		fmt.Fprintf(a.out, "Change %d: %s\n", c.Number, c.Subject)
		fmt.Fprintf(a.out, "  owner %s, branch %s, status %s", ownerName, c.Branch, c.Status)
		if c.Topic != "" {
			fmt.Fprintf(a.out, ", topic %s", c.Topic)
		}
		fmt.Fprintln(a.out)

		revisions, err := s.ListRevisions(ctx, c.Key)
		if err != nil {
			return err
		}
		for _, r := range revisions {
			fmt.Fprintf(a.out, "  patchset %d %s\n", r.Number, r.Commit)
		}

		approvals, err := s.ListApprovals(ctx, c.Key)
		if err != nil {
			return err
		}
		for _, ap := range approvals {
			draft := ""
			if ap.Draft {
				draft = " (draft)"
			}
			fmt.Fprintf(a.out, "  %s %+d by %d%s\n", ap.Category, ap.Value, ap.ReviewerID, draft)
		}

		messages, err := s.ListChangeMessages(ctx, c.Key)
		if err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Fprintf(a.out, "  [%s] %s\n", m.Created.Local().Format("2006-01-02 15:04"), firstLine(m.Body))
		}
		return nil
	})
}

// Open fetches the change and its git objects and waits for them.
func (a *App) Open(ctx context.Context, number int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	if err := a.engine.EnsureChange(ctx, c.ID, a.FetchTimeout); err != nil {
		return err
	}
	return a.Show(ctx, number)
}

func (a *App) Vote(ctx context.Context, number int, label string, value int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	return a.service.Vote(ctx, c.Key, label, value)
}

func (a *App) Comment(ctx context.Context, number int, file string, line int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	r, err := a.latestRevision(ctx, c)
	if err != nil {
		return err
	}
	body, err := GetMultiline(a.reader, "Comment:", a.out)
	if err != nil {
		return err
	}
	in := services.CommentInput{File: file, Body: body}
	if line > 0 {
		in.Line = &line
	}
	return a.service.Comment(ctx, r.Key, in)
}

func (a *App) Review(ctx context.Context, number int, upload bool) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	r, err := a.latestRevision(ctx, c)
	if err != nil {
		return err
	}
	body, err := GetMultiline(a.reader, "Review message:", a.out)
	if err != nil {
		return err
	}
	return a.service.Review(ctx, r.Key, body, upload)
}

func (a *App) Topic(ctx context.Context, number int, topic string) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	return a.service.SetTopic(ctx, c.Key, topic)
}

// SetStatus abandons, restores or submits a change.
func (a *App) SetStatus(ctx context.Context, number int, status string) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	switch status {
	case models.StatusSubmitted:
		return a.service.Submit(ctx, c.Key)
	case models.StatusAbandoned, models.StatusNew:
		msg, err := GetSimpleText(a.reader, "Message (optional):", a.out)
		if err != nil {
			return err
		}
		if status == models.StatusNew {
			return a.service.Restore(ctx, c.Key, msg)
		}
		return a.service.Abandon(ctx, c.Key, msg)
	}
	return fmt.Errorf("unsupported status %q", status)
}

func (a *App) Star(ctx context.Context, number int, on bool) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	return a.service.Star(ctx, c.Key, on)
}

func (a *App) Rebase(ctx context.Context, number int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	return a.service.Rebase(ctx, c.Key)
}

func (a *App) CherryPick(ctx context.Context, number int, branch string) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	r, err := a.latestRevision(ctx, c)
	if err != nil {
		return err
	}
	msg, err := GetMultiline(a.reader, "Commit message for the cherry-pick:", a.out)
	if err != nil {
		return err
	}
	if msg == "" {
		msg = r.Message
	}
	return a.service.CherryPick(ctx, r.Key, branch, msg)
}

func (a *App) EditMessage(ctx context.Context, number int) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	r, err := a.latestRevision(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, r.Message)
	msg, err := GetMultiline(a.reader, "New commit message:", a.out)
	if err != nil {
		return err
	}
	if msg == "" {
		return nil
	}
	return a.service.EditCommitMessage(ctx, r.Key, msg)
}

// Flag toggles one of the local-only change flags: held, reviewed or hidden.
func (a *App) Flag(ctx context.Context, number int, flag string, on bool) error {
	c, err := a.change(ctx, number)
	if err != nil {
		return err
	}
	switch flag {
	case "held":
		return a.service.Hold(ctx, c.Key, on)
	case "reviewed":
		return a.service.MarkReviewed(ctx, c.Key, on)
	case "hidden":
		return a.service.Hide(ctx, c.Key, on)
	}
	return fmt.Errorf("unknown flag %q", flag)
}

// Sync queues an immediate refresh and upload.
func (a *App) Sync(_ context.Context) error {
	a.engine.Submit(sync.NewSyncSubscribedProjectsTask(sync.HighPriority))
	a.engine.Submit(sync.NewUploadReviewsTask(sync.HighPriority))
	return nil
}

func (a *App) ClearError(_ context.Context) error {
	a.engine.ClearError()
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
