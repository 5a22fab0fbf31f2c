// Package sdkcontext owns the shared identity and metadata attached to
// every event, and serializes access to it on a single goroutine.
package sdkcontext

import "errors"

var ErrProviderClosed = errors.New("context provider closed")

// Context is the state producers read when building an event. It is only
// mutated on the Provider goroutine; callbacks receive copies.
type Context struct {
	ApplicationID Optional[string]
	SessionID     Optional[string]
	ViewID        Optional[string]
	ActionID      Optional[string]

	Service string
	Source  string
	Version string
	Env     string
}
