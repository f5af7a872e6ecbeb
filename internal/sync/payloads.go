package sync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/revsync/internal/store"
)

// Wire shapes of the REST payloads. Only the fields the reconcilers read are
// declared.

const remoteTimeLayout = "2006-01-02 15:04:05.999999999"

// remoteTime is a UTC timestamp in the server's "2006-01-02 15:04:05.000000000"
// format.
type remoteTime struct {
	time.Time
}

func (t *remoteTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := time.ParseInLocation(remoteTimeLayout, s, time.UTC)
	if err != nil {
		v, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
	}
	t.Time = v.UTC()
	return nil
}

type remoteAccount struct {
	AccountID int     `json:"_account_id"`
	Name      *string `json:"name"`
	Username  *string `json:"username"`
	Email     *string `json:"email"`
}

func (a *remoteAccount) info() store.AccountInfo {
	return store.AccountInfo{Name: a.Name, Username: a.Username, Email: a.Email}
}

type remoteProject struct {
	Description string `json:"description"`
}

type remoteBranch struct {
	Ref string `json:"ref"`
}

type remoteFetch struct {
	URL string `json:"url"`
	Ref string `json:"ref"`
}

type remoteCommit struct {
	Parents []struct {
		Commit string `json:"commit"`
	} `json:"parents"`
	Message string `json:"message"`
}

type remoteAction struct {
	Enabled bool `json:"enabled"`
}

type remoteRevision struct {
	Number  int                     `json:"_number"`
	Fetch   map[string]remoteFetch  `json:"fetch"`
	Commit  remoteCommit            `json:"commit"`
	Actions map[string]remoteAction `json:"actions"`
}

func (r *remoteRevision) parent() string {
	if len(r.Commit.Parents) == 0 {
		return ""
	}
	return r.Commit.Parents[0].Commit
}

func (r *remoteRevision) canSubmit() bool {
	a, ok := r.Actions["submit"]
	return ok && a.Enabled
}

type remoteMessage struct {
	ID             string         `json:"id"`
	Author         *remoteAccount `json:"author"`
	Date           remoteTime     `json:"date"`
	Message        string         `json:"message"`
	RevisionNumber *int           `json:"_revision_number"`
}

type remoteComment struct {
	ID        string         `json:"id"`
	Author    *remoteAccount `json:"author"`
	InReplyTo string         `json:"in_reply_to"`
	Updated   remoteTime     `json:"updated"`
	Side      string         `json:"side"`
	Line      *int           `json:"line"`
	Message   string         `json:"message"`
}

type remoteApproval struct {
	remoteAccount
	Value *int `json:"value"`
}

type remoteLabel struct {
	All    []remoteApproval  `json:"all"`
	Values map[string]string `json:"values"`
}

type remoteChange struct {
	ID              string                    `json:"id"`
	Project         string                    `json:"project"`
	Branch          string                    `json:"branch"`
	ChangeID        string                    `json:"change_id"`
	Subject         string                    `json:"subject"`
	Status          string                    `json:"status"`
	Topic           string                    `json:"topic"`
	Created         remoteTime                `json:"created"`
	Updated         remoteTime                `json:"updated"`
	Starred         bool                      `json:"starred"`
	Number          int                       `json:"_number"`
	Owner           remoteAccount             `json:"owner"`
	Revisions       map[string]remoteRevision `json:"revisions"`
	Messages        []remoteMessage           `json:"messages"`
	Labels          map[string]remoteLabel    `json:"labels"`
	PermittedLabels map[string][]string       `json:"permitted_labels"`
	MoreChanges     bool                      `json:"_more_changes"`
}

type reviewInput struct {
	Message      string                          `json:"message"`
	Labels       map[string]int                  `json:"labels,omitempty"`
	Comments     map[string][]reviewCommentInput `json:"comments,omitempty"`
	StrictLabels bool                            `json:"strict_labels"`
}

type reviewCommentInput struct {
	Line      *int   `json:"line,omitempty"`
	Side      string `json:"side,omitempty"`
	Message   string `json:"message"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// labelValue parses a label value such as "+1", " 0" or "-2".
func labelValue(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

// versionBefore reports whether a "major.minor[...]" version string is older
// than major.minor. Unparseable versions count as current.
func versionBefore(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	digits := parts[1]
	if i := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = digits[:i]
	}
	mnr, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	if maj != major {
		return maj < major
	}
	return mnr < minor
}
