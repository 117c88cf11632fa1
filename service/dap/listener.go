package dap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/remdap/remdap/pkg/logflags"
	"github.com/remdap/remdap/service/adt"
)

// SessionStarter receives the one-time handoff when a listener acquires a
// debuggee. It is implemented by the debug session front-end.
type SessionStarter interface {
	StartAttachSession(debuggee *adt.Debuggee, connID string)
}

// attachListener is one long-poll loop waiting for a debuggee on behalf of
// one connection.
type attachListener struct {
	ident  adt.ListenerIdentity
	client adt.Client
}

// listenerSet tracks the active attach listeners, at most one per
// connection id. The long-poll call has no cancellation primitive, so
// stopping a listener only removes it from the set; the loop drops any
// result that arrives for a listener no longer in the set.
type listenerSet struct {
	mu      sync.Mutex
	active  map[string]*attachListener
	starter SessionStarter
	bps     *breakpointStore
	backoff time.Duration
	log     *logrus.Entry
}

func newListenerSet(starter SessionStarter, bps *breakpointStore, backoff time.Duration) *listenerSet {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &listenerSet{
		active:  make(map[string]*attachListener),
		starter: starter,
		bps:     bps,
		backoff: backoff,
		log:     logflags.ListenerLogger(),
	}
}

// Start registers a listener for the identity's connection and begins its
// loop. A connection with an active listener is refused.
func (l *listenerSet) Start(client adt.Client, ident adt.ListenerIdentity) error {
	al := &attachListener{ident: ident, client: client}
	l.mu.Lock()
	if _, exists := l.active[ident.ConnectionID]; exists {
		l.mu.Unlock()
		return &UsageError{Msg: fmt.Sprintf("a debuggee listener is already active for connection %q", ident.ConnectionID)}
	}
	l.active[ident.ConnectionID] = al
	l.mu.Unlock()

	if err := l.bps.Sync(context.Background(), ident.ConnectionID, client); err != nil {
		l.log.Errorf("initial breakpoint sync for %s: %v", ident.ConnectionID, err)
	}

	go l.loop(al)
	return nil
}

// stillActive is the stale-result guard: the loop checks it both before
// waiting and after the wait resolves, so a poll completing after the
// listener was deregistered is ignored instead of acted on. Identity of the
// registered listener is compared, not just presence of the key, so a
// restarted listener does not revive an old loop.
func (l *listenerSet) stillActive(al *attachListener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[al.ident.ConnectionID] == al
}

// remove deregisters the listener if it is still the registered one.
func (l *listenerSet) remove(al *attachListener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[al.ident.ConnectionID] != al {
		return false
	}
	delete(l.active, al.ident.ConnectionID)
	return true
}

func (l *listenerSet) loop(al *attachListener) {
	ctx := context.Background()
	for {
		if !l.stillActive(al) {
			return
		}
		debuggee, err := al.client.ListenForDebuggee(ctx, al.ident)
		if !l.stillActive(al) {
			// Deregistered while waiting. Drop the result even if a
			// debuggee arrived; nobody owns this connection anymore.
			return
		}
		if err != nil {
			if errors.Is(err, adt.ErrListenTimeout) {
				continue
			}
			l.log.Errorf("listener %s: %v", al.ident.ConnectionID, err)
			time.Sleep(l.backoff)
			continue
		}
		if debuggee == nil {
			continue
		}
		// Deregister before handing off so no duplicate loop can exist
		// for this connection. The handoff happens at most once per
		// Start.
		if !l.remove(al) {
			return
		}
		l.log.Debugf("listener %s: debuggee %s (%s), handing off", al.ident.ConnectionID, debuggee.ID, debuggee.Program)
		l.starter.StartAttachSession(debuggee, al.ident.ConnectionID)
		return
	}
}

// Stop removes the listener of one connection, if any. The in-flight long
// poll is not cancelled; its result is dropped by the loop's membership
// re-check.
func (l *listenerSet) Stop(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[connID]; !ok {
		return false
	}
	delete(l.active, connID)
	return true
}

// StopAll removes every tracked listener. In-flight long polls are not
// cancelled; their results are dropped by the loop's membership re-check.
func (l *listenerSet) StopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.active {
		delete(l.active, id)
	}
}

// BreakpointsChanged re-pushes the declared breakpoint set of every
// connection with an active listener.
func (l *listenerSet) BreakpointsChanged(ctx context.Context) {
	l.mu.Lock()
	listeners := make([]*attachListener, 0, len(l.active))
	for _, al := range l.active {
		listeners = append(listeners, al)
	}
	l.mu.Unlock()
	for _, al := range listeners {
		if err := l.bps.Sync(ctx, al.ident.ConnectionID, al.client); err != nil {
			l.log.Errorf("breakpoint sync for %s: %v", al.ident.ConnectionID, err)
		}
	}
}
