package retry

import (
	"testing"

	"github.com/kandev/codexmux/internal/wire"
)

func TestCanRetryWhenSafeAndBudgetRemains(t *testing.T) {
	details := wire.TurnErrorDetails{Code: "websocket_closed"}
	if !CanRetry(details, true, 0) {
		t.Fatalf("expected retry eligible")
	}
}

func TestCanRetryFalseWhenAlreadyRetrying(t *testing.T) {
	details := wire.TurnErrorDetails{Code: "websocket_closed", WillRetry: true}
	if CanRetry(details, true, 0) {
		t.Fatalf("expected no retry when willRetry already set")
	}
}

func TestCanRetryFalseWhenBudgetExhausted(t *testing.T) {
	details := wire.TurnErrorDetails{Code: "websocket_closed"}
	if CanRetry(details, true, MaxTurnStartRetryAttempts) {
		t.Fatalf("expected no retry once budget exhausted")
	}
}

func TestCanRetryFalseWhenNotSafe(t *testing.T) {
	details := wire.TurnErrorDetails{Code: "invalid_argument"}
	if CanRetry(details, true, 0) {
		t.Fatalf("expected no retry for a non-safe error")
	}
}

func TestCanRetryFalseWithoutContext(t *testing.T) {
	details := wire.TurnErrorDetails{Code: "websocket_closed"}
	if CanRetry(details, false, 0) {
		t.Fatalf("expected no retry without a registered context")
	}
}

func TestEngineRegisterEvictsPriorThreadContext(t *testing.T) {
	e := NewEngine()
	e.Register("ws-1", "thread-1", "turn-1", wire.Value{})
	e.Register("ws-1", "thread-1", "turn-2", wire.Value{})

	if _, ok := e.Lookup("turn-1"); ok {
		t.Fatalf("expected turn-1 to be evicted when thread-1 restarted")
	}
	if _, ok := e.Lookup("turn-2"); !ok {
		t.Fatalf("expected turn-2 to be registered")
	}
}

func TestEngineReserveRespectsBudget(t *testing.T) {
	e := NewEngine()
	e.Register("ws-1", "thread-1", "turn-1", wire.Value{})

	if _, ok := e.Reserve("turn-1"); !ok {
		t.Fatalf("expected first reservation to succeed")
	}
	if _, ok := e.Reserve("turn-1"); ok {
		t.Fatalf("expected second reservation to fail (budget exhausted)")
	}
}

func TestEngineClearThreadRemovesAllTurns(t *testing.T) {
	e := NewEngine()
	e.Register("ws-1", "thread-1", "turn-1", wire.Value{})
	e.ClearThread("thread-1")
	if _, ok := e.Lookup("turn-1"); ok {
		t.Fatalf("expected turn-1 cleared")
	}
}

func TestEngineClearRemovesSingleTurn(t *testing.T) {
	e := NewEngine()
	e.Register("ws-1", "thread-1", "turn-1", wire.Value{})
	e.Clear("turn-1")
	if _, ok := e.Lookup("turn-1"); ok {
		t.Fatalf("expected turn-1 cleared")
	}
	if _, ok := e.byThread["thread-1"]; ok {
		t.Fatalf("expected thread-1 bookkeeping cleared")
	}
}
