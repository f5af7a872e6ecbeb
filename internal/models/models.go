// Package models defines the entities held in the local review cache.
//
// Keys (the Key fields) are local surrogate identifiers assigned by the
// cache. ID fields carry the remote service's identifiers.
package models

import "time"

// Change statuses as reported by the remote service.
const (
	StatusNew       = "NEW"
	StatusSubmitted = "SUBMITTED"
	StatusMerged    = "MERGED"
	StatusAbandoned = "ABANDONED"
)

// SystemAccountID identifies the synthetic author of server-generated messages.
const SystemAccountID = 0

// IsClosed reports whether a change status is terminal.
func IsClosed(status string) bool {
	return status == StatusMerged || status == StatusAbandoned
}

type Project struct {
	Key         int64
	Name        string
	Description string
	Subscribed  bool
	Updated     *time.Time
}

type Branch struct {
	Key        int64
	ProjectKey int64
	Name       string
}

type Account struct {
	ID       int
	Name     string
	Username string
	Email    string
}

// Change is a reviewable unit. The Pending* flags mark local edits that have
// not been uploaded yet.
type Change struct {
	Key                  int64
	ID                   string
	Number               int
	ProjectKey           int64
	OwnerID              int
	Branch               string
	ChangeID             string
	Topic                string
	Subject              string
	Created              time.Time
	Updated              time.Time
	Status               string
	Hidden               bool
	Reviewed             bool
	Starred              bool
	Held                 bool
	PendingTopic         bool
	PendingRebase        bool
	PendingStatus        bool
	PendingStatusMessage string
	PendingStarred       bool
}

func (c *Change) Closed() bool {
	return IsClosed(c.Status)
}

// Revision is one patchset of a change.
type Revision struct {
	Key            int64
	ChangeKey      int64
	Number         int
	Message        string
	Commit         string
	Parent         string
	FetchAuth      bool
	FetchRef       string
	CanSubmit      bool
	PendingMessage bool
}

// Message is a review message. Local drafts have an empty ID until uploaded.
type Message struct {
	Key         int64
	RevisionKey int64
	AuthorID    int
	ID          string
	Created     time.Time
	Body        string
	Draft       bool
	Pending     bool
}

// Comment is an inline comment on a file of a revision. Parent marks the
// base side of the diff.
type Comment struct {
	Key         int64
	RevisionKey int64
	AuthorID    int
	ID          string
	InReplyTo   string
	Created     time.Time
	File        string
	Parent      bool
	Line        *int
	Body        string
	Draft       bool
	Pending     bool
}

type Label struct {
	Key         int64
	ChangeKey   int64
	Category    string
	Value       int
	Description string
}

type PermittedLabel struct {
	Key       int64
	ChangeKey int64
	Category  string
	Value     int
}

type Approval struct {
	Key        int64
	ChangeKey  int64
	ReviewerID int
	Category   string
	Value      int
	Draft      bool
	Pending    bool
}

type PendingCherryPick struct {
	Key         int64
	RevisionKey int64
	Branch      string
	Message     string
}
