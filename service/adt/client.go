// Package adt implements the client side of the remote debugger API: a
// stateful request/response HTTP interface with a long-poll call for
// waiting on debuggees.
package adt

import (
	"context"

	"github.com/pkg/errors"
)

// ErrListenTimeout is returned by ListenForDebuggee when the remote
// listener expired without a debuggee appearing. The caller is expected to
// re-issue the call.
var ErrListenTimeout = errors.New("debuggee listener timed out")

// ErrNotAttached is returned by operations that require an attached
// debuggee before Attach succeeded.
var ErrNotAttached = errors.New("no debuggee attached")

// Client is the remote debugger API. The remote side is stateful: variable
// reads are relative to the cursor set by the last RepositionCursor call,
// and Attach binds the session to one debuggee.
type Client interface {
	// Attach binds this session to a waiting debuggee.
	Attach(ctx context.Context, debuggeeID string) error
	// Detach releases the attached debuggee.
	Detach(ctx context.Context) error

	// RepositionCursor moves the debugger cursor to the given stack
	// entry. All subsequent variable reads are relative to it.
	RepositionCursor(ctx context.Context, stackRef string) error
	// StackTrace returns the current stack, innermost frame first.
	StackTrace(ctx context.Context) ([]StackEntry, error)
	// Step performs an execution control action and reports the new
	// stop position.
	Step(ctx context.Context, mode StepMode, stackRef string) (*DebugStep, error)

	// RootVariables returns the root of the variable hierarchy for the
	// current cursor position.
	RootVariables(ctx context.Context) ([]DebugVariable, error)
	// ExpandChildren returns the children of the given parent paths.
	ExpandChildren(ctx context.Context, parents []string) ([]DebugVariable, error)
	// FetchVariables bulk-reads the variables at the given paths. Paths
	// unknown to the remote are omitted from the result.
	FetchVariables(ctx context.Context, keys []string) ([]DebugVariable, error)
	// SetVariableValue writes a scalar value and returns the value as
	// stored by the remote.
	SetVariableValue(ctx context.Context, path, value string) (string, error)

	// ListenForDebuggee long-polls until a debuggee owned by the
	// identity's user appears, the remote listener times out
	// (ErrListenTimeout), or the transport fails. There is no local
	// cancellation of an in-flight poll beyond ctx applying to the
	// underlying request.
	ListenForDebuggee(ctx context.Context, ident ListenerIdentity) (*Debuggee, error)

	// ResolveSource maps a front-end source path to the remote source
	// object used for breakpoint placement.
	ResolveSource(ctx context.Context, path string) (SourceRef, error)
	// ReplaceBreakpoints replaces the full breakpoint set of one source
	// object. The call is idempotent by replacement.
	ReplaceBreakpoints(ctx context.Context, source SourceRef, lines []int) ([]Breakpoint, error)
}
