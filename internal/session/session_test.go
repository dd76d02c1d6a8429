package session

import (
	"sync"
	"testing"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/retry"
	"github.com/kandev/codexmux/internal/router"
	"github.com/kandev/codexmux/internal/wire"
)

type recordedEvent struct {
	workspaceID string
	value       wire.Value
}

type fakeSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeSink) EmitEvent(workspaceID string, value wire.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{workspaceID: workspaceID, value: value})
}

func (f *fakeSink) snapshot() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestSession(ownerWorkspaceID string, sink *fakeSink) *ChildSession {
	cs := &ChildSession{
		pending:             make(map[uint64]chan wire.Value),
		requestContext:      make(map[uint64]requestContext),
		backgroundCallbacks: make(map[string]chan wire.Value),
		registry:            router.NewRegistry(),
		retryEngine:         retry.NewEngine(),
		ownerWorkspaceID:    ownerWorkspaceID,
		sink:                sink,
		log:                 logger.Default(),
	}
	cs.registry.RegisterWorkspace(ownerWorkspaceID, "")
	return cs
}

func TestHandleLineRoutesSingleWorkspaceNotification(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)

	cs.handleLine([]byte(`{"method":"item/started","params":{"threadId":"t-1"}}`))

	events := sink.snapshot()
	if len(events) != 1 || events[0].workspaceID != "ws-1" {
		t.Fatalf("events = %+v, want single event routed to ws-1", events)
	}
}

func TestHandleLineDropsAmbiguousEventWithMultipleWorkspaces(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)
	cs.registry.RegisterWorkspace("ws-2", "")

	cs.handleLine([]byte(`{"method":"item/started","params":{"threadId":"unmapped-thread"}}`))

	if events := sink.snapshot(); len(events) != 0 {
		t.Fatalf("events = %+v, want no events for an ambiguous thread", events)
	}
}

func TestHandleLineDeliversPendingResponse(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)

	respCh := make(chan wire.Value, 1)
	cs.mu.Lock()
	cs.pending[7] = respCh
	cs.requestContext[7] = requestContext{workspaceID: "ws-1", method: "thread/start"}
	cs.mu.Unlock()

	cs.handleLine([]byte(`{"id":7,"result":{"threadId":"t-9"}}`))

	select {
	case v := <-respCh:
		if threadID, _ := v.ThreadID(); threadID != "t-9" {
			t.Fatalf("delivered value threadId = %q, want t-9", threadID)
		}
	default:
		t.Fatalf("expected a response to be delivered to pending channel")
	}

	if events := sink.snapshot(); len(events) != 0 {
		t.Fatalf("events = %+v, want no fan-out event for a request/response pair", events)
	}
}

func TestHandleLineParseErrorEmitsSyntheticNotification(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)

	cs.handleLine([]byte(`not json`))

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one parse-error event", events)
	}
	if method, _ := events[0].value.Method(); method != "codex/parseError" {
		t.Fatalf("method = %q, want codex/parseError", method)
	}
}

func TestHandleLineBroadcastsGlobalNotification(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)
	cs.registry.RegisterWorkspace("ws-2", "")

	cs.handleLine([]byte(`{"method":"account/updated","params":{}}`))

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want broadcast to both workspaces", events)
	}
}

func TestHandleLineThreadArchivedClearsRetryContext(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)
	cs.retryEngine.Register("ws-1", "t-1", "turn-1", wire.Value{})

	cs.handleLine([]byte(`{"method":"thread/archived","params":{"threadId":"t-1"}}`))

	if _, ok := cs.retryEngine.Lookup("turn-1"); ok {
		t.Fatalf("expected retry context cleared on thread/archived")
	}
}

func TestHandleLineTurnCompletedClearsRetryContext(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)
	cs.retryEngine.Register("ws-1", "t-1", "turn-1", wire.Value{})

	cs.handleLine([]byte(`{"method":"turn/completed","params":{"threadId":"t-1","turnId":"turn-1"}}`))

	if _, ok := cs.retryEngine.Lookup("turn-1"); ok {
		t.Fatalf("expected retry context cleared on turn/completed")
	}
}

func TestHandleLineRoutesBackgroundThreadCallback(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)

	ch := make(chan wire.Value, 1)
	cs.RegisterBackgroundThreadCallback("t-1", ch)

	cs.handleLine([]byte(`{"method":"item/started","params":{"threadId":"t-1"}}`))

	select {
	case <-ch:
	default:
		t.Fatalf("expected notification delivered to background callback")
	}
	if events := sink.snapshot(); len(events) != 0 {
		t.Fatalf("events = %+v, want none (suppressed by background callback)", events)
	}
}

func TestTerminateClosesPendingChannels(t *testing.T) {
	sink := &fakeSink{}
	cs := newTestSession("ws-1", sink)

	respCh := make(chan wire.Value, 1)
	cs.mu.Lock()
	cs.pending[1] = respCh
	cs.mu.Unlock()

	cs.terminate()

	_, open := <-respCh
	if open {
		t.Fatalf("expected pending channel to be closed on terminate")
	}
}
