package manager

import (
	"testing"

	"github.com/kandev/codexmux/internal/config"
	"github.com/kandev/codexmux/internal/push"
	"github.com/kandev/codexmux/internal/wire"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	broker := push.Load(t.TempDir(), nil, nil, nil)
	return New(config.AgentConfig{BinaryPath: "/nonexistent/codex-binary-for-tests"}, broker, nil)
}

func TestDetachUnattachedWorkspaceIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.Detach("workspace-1"); err != nil {
		t.Fatalf("Detach on unattached workspace should be a no-op, got %v", err)
	}
}

func TestSendRequestWithoutAttachmentErrors(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SendRequest("workspace-1", "thread/start", wire.Value{})
	if err == nil {
		t.Fatal("expected an error sending a request to an unattached workspace")
	}
}

func TestAttachWithMissingBinaryReturnsError(t *testing.T) {
	m := newTestManager(t)
	if err := m.Attach("workspace-1", "/tmp", ""); err == nil {
		t.Fatal("expected Attach to fail when the configured agent binary cannot be found")
	}
	// A failed attach must not leave a dangling session entry behind.
	if _, err := m.SendRequest("workspace-1", "thread/start", wire.Value{}); err == nil {
		t.Fatal("expected no session to be registered after a failed attach")
	}
}

func TestAttachSharingUnknownWorkspaceErrors(t *testing.T) {
	m := newTestManager(t)
	err := m.Attach("workspace-2", "/tmp/b", "workspace-1")
	if err == nil {
		t.Fatal("expected Attach to fail when the workspace to share a session with isn't attached")
	}
}

func TestAttachAlreadyAttachedIsNoop(t *testing.T) {
	m := newTestManager(t)
	m.mu.Lock()
	m.sessions["workspace-1"] = nil
	m.mu.Unlock()
	if err := m.Attach("workspace-1", "/tmp", ""); err != nil {
		t.Fatalf("expected no-op for an already-attached workspace, got %v", err)
	}
}

func TestSetEventForwarderIsUsedBySink(t *testing.T) {
	m := newTestManager(t)
	var got string
	m.SetEventForwarder(func(workspaceID string, value wire.Value) {
		got = workspaceID
	})
	sink{m: m}.EmitEvent("workspace-9", wire.Value{"method": "turn/completed"})
	if got != "workspace-9" {
		t.Fatalf("expected forwarder to observe workspace-9, got %q", got)
	}
}
