// Package services turns user actions into local cache edits and queues the
// sync tasks that upload them.
//
// Every edit is committed locally first, so it survives going offline; the
// pending markers it sets are picked up again by UploadReviewsTask on the
// next reconnect.
package services
