// Package manager owns the set of spawned agent child sessions and the
// workspace-to-session attachment used to route HTTP/websocket traffic to
// the right one.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/config"
	"github.com/kandev/codexmux/internal/push"
	"github.com/kandev/codexmux/internal/session"
	"github.com/kandev/codexmux/internal/wire"
)

// Manager owns the set of attached workspace-to-session mappings, spawning
// and tearing down agent child processes as workspaces attach and detach.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session.ChildSession

	agentCfg config.AgentConfig
	broker   *push.Broker
	log      *logger.Logger

	// forward, when set, additionally receives every routed event (the
	// websocket gateway wires this in to fan events out to UI clients).
	forward func(workspaceID string, value wire.Value)
}

// New returns an empty Manager.
func New(agentCfg config.AgentConfig, broker *push.Broker, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		sessions: make(map[string]*session.ChildSession),
		agentCfg: agentCfg,
		broker:   broker,
		log:      log,
	}
}

// SetEventForwarder installs a callback invoked for every event routed to a
// workspace, in addition to the push broker's own gating logic.
func (m *Manager) SetEventForwarder(forward func(workspaceID string, value wire.Value)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward = forward
}

// sink adapts a Manager to session.EventSink.
type sink struct {
	m *Manager
}

func (s sink) EmitEvent(workspaceID string, value wire.Value) {
	s.m.broker.HandleAppServerEvent(workspaceID, "", value)
	s.m.mu.RLock()
	forward := s.m.forward
	s.m.mu.RUnlock()
	if forward != nil {
		forward(workspaceID, value)
	}
}

// Attach binds workspaceID to path and routes its traffic through a child
// session. If shareWithWorkspaceID is non-empty, workspaceID is registered
// onto the already-running session owning that workspace instead of
// spawning a new child process — this is how several logical workspaces
// end up fanned out onto a single session, per the router's multi-workspace
// destination resolution. Attach is a no-op if workspaceID is already
// attached.
func (m *Manager) Attach(workspaceID, path, shareWithWorkspaceID string) error {
	m.mu.Lock()
	if _, exists := m.sessions[workspaceID]; exists {
		m.mu.Unlock()
		return nil
	}
	var existing *session.ChildSession
	if shareWithWorkspaceID != "" {
		cs, ok := m.sessions[shareWithWorkspaceID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("attach workspace %q: no existing session for workspace %q", workspaceID, shareWithWorkspaceID)
		}
		existing = cs
	}
	m.mu.Unlock()

	if existing != nil {
		existing.RegisterWorkspace(workspaceID, path)
		m.mu.Lock()
		m.sessions[workspaceID] = existing
		m.mu.Unlock()
		return nil
	}

	cs, err := session.Spawn(session.SpawnConfig{
		WorkspaceID:   workspaceID,
		Path:          path,
		BinaryPath:    m.agentCfg.BinaryPath,
		ExtraArgs:     m.agentCfg.ExtraArgs,
		CodexHome:     m.agentCfg.CodexHome,
		ClientVersion: m.agentCfg.ClientVersion,
	}, sink{m: m}, m.log)
	if err != nil {
		return fmt.Errorf("attach workspace %q: %w", workspaceID, err)
	}

	m.mu.Lock()
	m.sessions[workspaceID] = cs
	m.mu.Unlock()
	return nil
}

// Detach unregisters workspaceID from its session, killing the underlying
// child process only if no other attached workspace still shares it.
func (m *Manager) Detach(workspaceID string) error {
	m.mu.Lock()
	cs, ok := m.sessions[workspaceID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, workspaceID)
	stillShared := false
	for _, other := range m.sessions {
		if other == cs {
			stillShared = true
			break
		}
	}
	m.mu.Unlock()

	cs.UnregisterWorkspace(workspaceID)
	if stillShared {
		return nil
	}
	return cs.Kill()
}

// SendRequest issues method against the session owning workspaceID.
func (m *Manager) SendRequest(workspaceID, method string, params wire.Value) (wire.Value, error) {
	m.mu.RLock()
	cs, ok := m.sessions[workspaceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no attached session for workspace %q", workspaceID)
	}
	return cs.SendRequestForWorkspace(context.Background(), workspaceID, method, params)
}
