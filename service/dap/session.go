package dap

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/remdap/remdap/pkg/logflags"
	"github.com/remdap/remdap/service/adt"
)

// defaultThreadID is the thread id reported to the front-end. The remote
// debugger exposes a single stopped execution context per attached session.
const defaultThreadID = 1

// Session resolves scopes, variables and expressions for one attached
// debuggee. The remote side keeps a mutable cursor: variable reads are
// relative to the frame selected by the last reposition call, so the session
// tracks currentFrameID explicitly and repositions only on change.
type Session struct {
	client  adt.Client
	handles *handlesMap
	// connID identifies the connection this session belongs to.
	connID string
	// currentFrameID is the front-end frame id the remote cursor points
	// at; 0 means no frame has been positioned yet.
	currentFrameID int
	// stack is the last stack reported to the front-end; frame ids
	// decode to depths into it.
	stack []adt.StackEntry

	chunkSize  int
	batchLimit int

	log *logrus.Entry
}

// NewSession creates a resolver session bound to an attached remote client.
func NewSession(client adt.Client, connID string, chunkSize, batchLimit int) *Session {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	if batchLimit <= 0 {
		batchLimit = 5
	}
	return &Session{
		client:     client,
		handles:    newHandlesMap(),
		connID:     connID,
		chunkSize:  chunkSize,
		batchLimit: batchLimit,
		log:        logflags.DAPLogger(),
	}
}

// setStack records the stack the front-end was shown. Frame ids issued for
// it stay decodable until the next stop.
func (s *Session) setStack(stack []adt.StackEntry) {
	s.stack = stack
}

// frameRef maps a frame id to the remote stack reference, if the frame is
// still part of the last reported stack.
func (s *Session) frameRef(frameID int) (string, bool) {
	depth := decodeFrameDepth(frameID)
	if depth < 0 || depth >= len(s.stack) {
		return "", false
	}
	return s.stack[depth].Ref, true
}

// invalidateThread discards every handle issued for the thread. Must run on
// each stop so stale handles cannot be confused with new ones. Late results
// of in-flight fetches observe "not found" afterwards, which consumers treat
// as an empty outcome.
func (s *Session) invalidateThread(threadID int) {
	s.handles.reset(threadID)
	s.currentFrameID = 0
	s.stack = nil
}

// sessionRegistry tracks resolver sessions by connection id. Entry points
// that arrive without a session context fall back to the most recently
// touched session; that pointer is best-effort and may reference a
// torn-down session.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	last     *Session
}

var sessions = &sessionRegistry{sessions: make(map[string]*Session)}

func (r *sessionRegistry) touch(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.connID] = s
	r.last = s
}

func (r *sessionRegistry) drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

// SessionFor returns the session registered for a connection id.
func SessionFor(connID string) (*Session, bool) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	s, ok := sessions.sessions[connID]
	return s, ok
}

// LastSession returns the most recently touched session, or nil. Callers
// must tolerate a session whose connection has already gone away.
func LastSession() *Session {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	return sessions.last
}
