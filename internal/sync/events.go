package sync

import "fmt"

type EventKind int

const (
	ProjectAdded EventKind = iota + 1
	ChangeAdded
	ChangeUpdated
)

func (k EventKind) String() string {
	switch k {
	case ProjectAdded:
		return "ProjectAdded"
	case ChangeAdded:
		return "ChangeAdded"
	case ChangeUpdated:
		return "ChangeUpdated"
	}
	return "Unknown"
}

// UpdateEvent tells consumers which cached entities changed. For change
// events RelatedChangeKeys holds the change itself, the change owning a
// parent commit of one of its revisions, and changes whose revisions sit on
// top of one of its commits.
type UpdateEvent struct {
	Kind              EventKind
	ProjectKey        int64
	ChangeKey         int64
	RelatedChangeKeys []int64
	StatusChanged     bool
	ReviewFlagChanged bool
}

func (e UpdateEvent) String() string {
	switch e.Kind {
	case ProjectAdded:
		return fmt.Sprintf("%s(project=%d)", e.Kind, e.ProjectKey)
	default:
		return fmt.Sprintf("%s(change=%d related=%v status_changed=%t review_flag_changed=%t)",
			e.Kind, e.ChangeKey, e.RelatedChangeKeys, e.StatusChanged, e.ReviewFlagChanged)
	}
}
