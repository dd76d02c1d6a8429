// Package retry implements the turn/start automatic-retry engine: when a
// turn/start response is immediately followed by a retry-safe "error"
// notification for the same thread, one reissue of the original turn/start
// request is attempted before giving up.
package retry

import (
	"sync"

	"github.com/kandev/codexmux/internal/wire"
)

// MaxTurnStartRetryAttempts bounds automatic turn/start retries to one
// reissue per turn.
const MaxTurnStartRetryAttempts = 1

// Context tracks the state needed to reissue a turn/start request.
type Context struct {
	WorkspaceID string
	ThreadID    string
	Params      wire.Value
	Attempts    int
}

// Engine tracks in-flight turn/start retry contexts, keyed by turn id.
type Engine struct {
	mu       sync.Mutex
	byTurn   map[string]*Context
	byThread map[string][]string // threadID -> turn ids, for bulk eviction
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		byTurn:   make(map[string]*Context),
		byThread: make(map[string][]string),
	}
}

// Register records a fresh retry context for a just-started turn. Any
// existing record for the same thread is evicted first, since a thread can
// only have one active turn at a time.
func (e *Engine) Register(workspaceID, threadID, turnID string, params wire.Value) {
	if turnID == "" || threadID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictThreadLocked(threadID)
	e.byTurn[turnID] = &Context{WorkspaceID: workspaceID, ThreadID: threadID, Params: params}
	e.byThread[threadID] = append(e.byThread[threadID], turnID)
}

// Lookup returns a copy of the retry context for turnID, if any.
func (e *Engine) Lookup(turnID string) (Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.byTurn[turnID]
	if !ok {
		return Context{}, false
	}
	return *ctx, true
}

// Reserve atomically claims the next retry attempt for turnID. It returns
// false once the attempt budget is exhausted.
func (e *Engine) Reserve(turnID string) (Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.byTurn[turnID]
	if !ok {
		return Context{}, false
	}
	if ctx.Attempts >= MaxTurnStartRetryAttempts {
		return Context{}, false
	}
	ctx.Attempts++
	return *ctx, true
}

// Clear removes the retry context for a single turn.
func (e *Engine) Clear(turnID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearTurnLocked(turnID)
}

// ClearThread removes every retry context recorded for threadID, used when
// a thread is archived.
func (e *Engine) ClearThread(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictThreadLocked(threadID)
}

func (e *Engine) clearTurnLocked(turnID string) {
	ctx, ok := e.byTurn[turnID]
	if !ok {
		return
	}
	delete(e.byTurn, turnID)
	turns := e.byThread[ctx.ThreadID]
	for i, id := range turns {
		if id == turnID {
			e.byThread[ctx.ThreadID] = append(turns[:i], turns[i+1:]...)
			break
		}
	}
	if len(e.byThread[ctx.ThreadID]) == 0 {
		delete(e.byThread, ctx.ThreadID)
	}
}

// Reset drops every tracked retry context, used when a child session's
// stdout stream ends so stale records don't outlive the process they
// belonged to.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTurn = make(map[string]*Context)
	e.byThread = make(map[string][]string)
}

func (e *Engine) evictThreadLocked(threadID string) {
	for _, turnID := range e.byThread[threadID] {
		delete(e.byTurn, turnID)
	}
	delete(e.byThread, threadID)
}

// CanRetry reports whether a retry-safe error for a turn with known context
// and attempts-so-far is eligible for an automatic retry: the error must not
// already be flagged as retrying, the attempt budget must remain, and the
// error must look like a transient websocket hiccup.
func CanRetry(details wire.TurnErrorDetails, hasContext bool, attempts int) bool {
	return hasContext &&
		!details.WillRetry &&
		attempts < MaxTurnStartRetryAttempts &&
		details.IsRetrySafe()
}
