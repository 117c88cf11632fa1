package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888
	NotYetImplemented  int = 7777

	FailedToAttach             = 3001
	UnableToSetBreakpoints     = 2002
	UnableToDisplayThreads     = 2003
	UnableToProduceStackTrace  = 2004
	UnableToListScopes         = 2005
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	UnableToSetVariable        = 2010
	UnableToStep               = 2011
	ListenerAlreadyActive      = 2012
)

// UsageError reports a synchronous caller mistake, e.g. starting a second
// listener for a connection that already has one.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}
