package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/revsync/internal/models"
	"github.com/dmitrijs2005/revsync/internal/sync"
)

// execIface defines the command surface the REPL needs to operate.
// App satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Projects(ctx context.Context) error
	Subscribe(ctx context.Context, project string, on bool) error
	Changes(ctx context.Context, project string) error
	Show(ctx context.Context, number int) error
	Open(ctx context.Context, number int) error
	Vote(ctx context.Context, number int, label string, value int) error
	Comment(ctx context.Context, number int, file string, line int) error
	Review(ctx context.Context, number int, upload bool) error
	Topic(ctx context.Context, number int, topic string) error
	SetStatus(ctx context.Context, number int, status string) error
	Star(ctx context.Context, number int, on bool) error
	Rebase(ctx context.Context, number int) error
	CherryPick(ctx context.Context, number int, branch string) error
	EditMessage(ctx context.Context, number int) error
	Flag(ctx context.Context, number int, flag string, on bool) error
	Sync(ctx context.Context) error
	ClearError(ctx context.Context) error
}

const helpText = `Available commands:
  projects                      list projects (* = subscribed)
  subscribe|unsubscribe <name>  follow a project
  changes <project>             list open changes
  show <n>                      show a change
  open <n>                      fetch a change with its git objects and show it
  vote <n> <label> <value>      record a draft vote
  comment <n> <file> [line]     write a draft inline comment
  draft <n> | review <n>        save or send a review message
  topic <n> <topic>             set the topic
  abandon|restore|submit <n>    change the status
  star|unstar <n>               star a change
  rebase <n>                    rebase onto the branch tip
  cherrypick <n> <branch>       cherry-pick onto a branch
  message <n>                   edit the commit message
  hold|unhold <n>               keep reviews local
  reviewed|unreviewed <n>       mark as read
  hide|unhide <n>               hide from lists
  sync                          refresh now
  clear                         clear the error indicator
  exit | quit                   leave the program`

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

// runREPL reads commands from reader until EOF or "exit" and dispatches them
// to a. Errors are reported to w and never end the loop.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader, w io.Writer) {
	for {
		fmt.Fprintf(w, "revsync %s> ", statusFn())
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "exit" || parts[0] == "quit" {
			fmt.Fprintln(w, "Bye!")
			return
		}
		if err := dispatch(ctx, a, parts[0], parts[1:], w); err != nil {
			report(w, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func report(w io.Writer, err error) {
	var usage usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintln(w, usage.Error())
	case errors.Is(err, sync.ErrDataNotAvailable):
		fmt.Fprintln(w, "Data not available:", err)
	default:
		fmt.Fprintln(w, "Error:", err)
	}
}

func changeNumber(args []string, n int, usage string) (int, error) {
	if len(args) < n {
		return 0, usageError(usage)
	}
	number, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, usageError(usage)
	}
	return number, nil
}

func dispatch(ctx context.Context, a execIface, cmd string, args []string, w io.Writer) error {
	switch cmd {
	case "help":
		fmt.Fprintln(w, helpText)
		return nil
	case "projects":
		return a.Projects(ctx)
	case "subscribe", "unsubscribe":
		if len(args) != 1 {
			return usageError(cmd + " <project>")
		}
		return a.Subscribe(ctx, args[0], cmd == "subscribe")
	case "changes":
		if len(args) != 1 {
			return usageError("changes <project>")
		}
		return a.Changes(ctx, args[0])
	case "sync":
		return a.Sync(ctx)
	case "clear":
		return a.ClearError(ctx)
	}

	usage := cmd + " <n>"
	switch cmd {
	case "vote":
		usage = "vote <n> <label> <value>"
	case "comment":
		usage = "comment <n> <file> [line]"
	case "topic":
		usage = "topic <n> <topic>"
	case "cherrypick":
		usage = "cherrypick <n> <branch>"
	}

	switch cmd {
	case "show", "open", "draft", "review", "abandon", "restore", "submit", "star", "unstar",
		"rebase", "message", "hold", "unhold", "reviewed", "unreviewed", "hide", "unhide":
		number, err := changeNumber(args, 1, usage)
		if err != nil {
			return err
		}
		return dispatchChange(ctx, a, cmd, number)

	case "vote":
		number, err := changeNumber(args, 3, usage)
		if err != nil {
			return err
		}
		value, err := strconv.Atoi(args[2])
		if err != nil {
			return usageError(usage)
		}
		return a.Vote(ctx, number, args[1], value)

	case "comment":
		number, err := changeNumber(args, 2, usage)
		if err != nil {
			return err
		}
		line := 0
		if len(args) > 2 {
			if line, err = strconv.Atoi(args[2]); err != nil {
				return usageError(usage)
			}
		}
		return a.Comment(ctx, number, args[1], line)

	case "topic":
		number, err := changeNumber(args, 2, usage)
		if err != nil {
			return err
		}
		return a.Topic(ctx, number, strings.Join(args[1:], " "))

	case "cherrypick":
		number, err := changeNumber(args, 2, usage)
		if err != nil {
			return err
		}
		return a.CherryPick(ctx, number, args[1])
	}

	fmt.Fprintln(w, "Unknown command:", cmd)
	return nil
}

func dispatchChange(ctx context.Context, a execIface, cmd string, number int) error {
	switch cmd {
	case "show":
		return a.Show(ctx, number)
	case "open":
		return a.Open(ctx, number)
	case "draft", "review":
		return a.Review(ctx, number, cmd == "review")
	case "abandon":
		return a.SetStatus(ctx, number, models.StatusAbandoned)
	case "restore":
		return a.SetStatus(ctx, number, models.StatusNew)
	case "submit":
		return a.SetStatus(ctx, number, models.StatusSubmitted)
	case "star", "unstar":
		return a.Star(ctx, number, cmd == "star")
	case "rebase":
		return a.Rebase(ctx, number)
	case "message":
		return a.EditMessage(ctx, number)
	case "hold", "unhold":
		return a.Flag(ctx, number, "held", cmd == "hold")
	case "reviewed", "unreviewed":
		return a.Flag(ctx, number, "reviewed", cmd == "reviewed")
	}
	return a.Flag(ctx, number, "hidden", cmd == "hide")
}
