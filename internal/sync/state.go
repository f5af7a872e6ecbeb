package sync

// SchedulerState is the engine's mutable scheduling state. The engine owns
// it and hands out copies.
type SchedulerState struct {
	Offline       bool
	Error         bool
	AccountID     int
	ServerVersion string
}

// transition returns the tasks to enqueue when the offline flag moves from
// oldOffline to newOffline. Only the online→offline edge produces work.
func transition(oldOffline, newOffline bool) []Task {
	if oldOffline || !newOffline {
		return nil
	}
	return []Task{
		NewSyncSubscribedProjectsTask(HighPriority),
		NewUploadReviewsTask(HighPriority),
	}
}
