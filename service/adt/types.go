package adt

// MetaType is the remote debugger's classification of a variable's shape.
// It drives both display formatting and expansion strategy.
type MetaType string

const (
	MetaSimple     MetaType = "simple"
	MetaString     MetaType = "string"
	MetaStructure  MetaType = "structure"
	MetaTable      MetaType = "table"
	MetaObjectRef  MetaType = "objectref"
	MetaDataRef    MetaType = "dataref"
	MetaClass      MetaType = "class"
	MetaBoxedComp  MetaType = "boxedcomp"
	MetaAnonymComp MetaType = "anonymcomp"
	MetaUnknown    MetaType = "unknown"
)

// Expandable reports whether a variable of this meta type has children the
// front-end can drill into. Scalar shapes get reference 0 instead.
func (m MetaType) Expandable() bool {
	switch m {
	case MetaStructure, MetaTable, MetaObjectRef, MetaDataRef:
		return true
	}
	return false
}

// SynthesizesChildren reports whether children of this meta type are
// addressed as "<id>[<index>]" and can be constructed locally without a
// remote child enumeration call. Only tables support indexed row addressing;
// any future meta type needing real enumeration must not set this.
func (m MetaType) SynthesizesChildren() bool {
	return m == MetaTable
}

// DebugVariable is one variable as reported by the remote debugger.
type DebugVariable struct {
	// ID is the remote system's addressable path for this value, e.g.
	// "LS_STRUCT-FIELD" or "LT_TAB[3]".
	ID string
	// Name is the unqualified display name.
	Name string
	// MetaType classifies the variable's shape.
	MetaType MetaType
	// DeclaredType is the declared type name, when reported.
	DeclaredType string
	// TechnicalType is the elementary technical type, e.g. "I" or "C".
	TechnicalType string
	// Value is the scalar rendering for elementary variables.
	Value string
	// TableLines is the row count for tables.
	TableLines int
	// ReadOnly marks variables the remote refuses to modify.
	ReadOnly bool
}

// Listener modes accepted by the remote debuggee listener. User mode
// catches debuggees started by the listener's user anywhere; terminal mode
// restricts the catch to the registering terminal.
const (
	ListenModeUser     = "user"
	ListenModeTerminal = "terminal"
)

// ListenerIdentity identifies one attach listener registration.
type ListenerIdentity struct {
	ConnectionID string
	TerminalID   string
	IdeID        string
	Username     string
	// Mode selects the listener scope, ListenModeUser by default.
	Mode string
}

// Debuggee is a remote execution context that hit a breakpoint and is
// waiting to be attached to.
type Debuggee struct {
	ID       string
	Kind     string
	Program  string
	User     string
	Terminal string
}

// SourceRef addresses a remote source object for breakpoint placement.
type SourceRef struct {
	URI  string
	Name string
}

// Breakpoint is a breakpoint as confirmed by the remote debugger.
type Breakpoint struct {
	ID        string
	Line      int
	Confirmed bool
}

// StackEntry is one frame of the remote stack. Ref is the opaque stack
// reference the cursor repositioning call expects.
type StackEntry struct {
	Ref         string
	Line        int
	Source      SourceRef
	Description string
}

// StepMode selects an execution control action, forwarded verbatim.
type StepMode string

const (
	StepInto     StepMode = "stepInto"
	StepOver     StepMode = "stepOver"
	StepReturn   StepMode = "stepReturn"
	StepContinue StepMode = "stepContinue"
)

// DebugStep describes where execution stopped after a step.
type DebugStep struct {
	Reason string
	URI    string
	Line   int
	// Exited is set when the debuggee finished instead of stopping.
	Exited bool
}
