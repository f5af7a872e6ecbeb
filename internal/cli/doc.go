// Package cli is the interactive front end of revsync.
//
// The REPL reads commands from stdin and turns them into local edits through
// the review service; the sync engine uploads them in the background. The
// prompt shows whether the engine is offline or has hit an error, and change
// updates pushed by the engine are announced as they arrive.
//
// Commands that need a change the cache does not hold yet fetch it first and
// wait; when that is impossible (offline, unknown change) they report that
// the data is not available instead of blocking.
package cli
