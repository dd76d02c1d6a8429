// Package router resolves which attached workspace a child process's
// JSON-RPC line belongs to, and decides whether a notification should
// broadcast to every attached workspace instead of routing to just one.
package router

import (
	"sync"

	"github.com/kandev/codexmux/internal/pathnorm"
	"github.com/kandev/codexmux/internal/wire"
)

// globalNotificationMethods are account-scoped notifications that have no
// natural single-workspace owner and broadcast to every attached workspace
// when no thread or request context ties them to one.
var globalNotificationMethods = map[string]bool{
	"account/updated":            true,
	"account/rateLimits/updated": true,
	"account/login/completed":    true,
}

// IsGlobalWorkspaceNotification reports whether method is one of the
// account-scoped notifications eligible for broadcast.
func IsGlobalWorkspaceNotification(method string) bool {
	return globalNotificationMethods[method]
}

// ShouldBroadcastGlobalWorkspaceNotification reports whether a notification
// should fan out to every attached workspace rather than route to one: the
// method must be global, and neither a thread id nor a request-scoped
// workspace may already pin it to a single workspace.
func ShouldBroadcastGlobalWorkspaceNotification(method string, threadID string, hasThreadID bool, requestWorkspace string, hasRequestWorkspace bool) bool {
	return IsGlobalWorkspaceNotification(method) && !hasThreadID && !hasRequestWorkspace
}

// Registry tracks the set of workspace ids currently attached to a child
// session, the normalised root path each workspace was opened at, and the
// thread-id-to-workspace-id mapping discovered by observing traffic.
type Registry struct {
	mu              sync.RWMutex
	workspaceIDs    map[string]struct{}
	workspaceRoots  map[string]string
	threadWorkspace map[string]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workspaceIDs:    make(map[string]struct{}),
		workspaceRoots:  make(map[string]string),
		threadWorkspace: make(map[string]string),
	}
}

// RegisterWorkspace attaches workspaceID, recording its normalised root path
// when non-empty.
func (r *Registry) RegisterWorkspace(workspaceID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaceIDs[workspaceID] = struct{}{}
	if path == "" {
		return
	}
	normalized := pathnorm.NormalizeForMatching(path)
	if normalized != "" {
		r.workspaceRoots[workspaceID] = normalized
	}
}

// UnregisterWorkspace detaches workspaceID and drops its recorded root.
func (r *Registry) UnregisterWorkspace(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workspaceIDs, workspaceID)
	delete(r.workspaceRoots, workspaceID)
}

// WorkspaceCount returns the number of currently attached workspaces.
func (r *Registry) WorkspaceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaceIDs)
}

// WorkspaceIDs returns a snapshot of the attached workspace ids.
func (r *Registry) WorkspaceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workspaceIDs))
	for id := range r.workspaceIDs {
		ids = append(ids, id)
	}
	return ids
}

// MapThread records which workspace owns threadID.
func (r *Registry) MapThread(threadID, workspaceID string) {
	if threadID == "" || workspaceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadWorkspace[threadID] = workspaceID
}

// WorkspaceForThread returns the workspace mapped to threadID, if any.
func (r *Registry) WorkspaceForThread(threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.threadWorkspace[threadID]
	return id, ok
}

// ForgetThread removes threadID's workspace mapping, used when a thread is
// archived.
func (r *Registry) ForgetThread(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threadWorkspace, threadID)
}

// ResolveWorkspaceForCwd finds the workspace whose root is a prefix of cwd.
func (r *Registry) ResolveWorkspaceForCwd(cwd string) (string, bool) {
	r.mu.RLock()
	roots := make(map[string]string, len(r.workspaceRoots))
	for k, v := range r.workspaceRoots {
		roots[k] = v
	}
	r.mu.RUnlock()
	return pathnorm.ResolveWorkspaceForCwd(cwd, roots)
}

// ResolveSpawnedThreadWorkspace resolves a spawned child thread's workspace
// via its parent thread id, per a thread/source.thread_spawn.parent_thread_id
// reference.
func (r *Registry) ResolveSpawnedThreadWorkspace(parentThreadID string) (string, bool) {
	if parentThreadID == "" {
		return "", false
	}
	return r.WorkspaceForThread(parentThreadID)
}

// ResolveStartedThreadWorkspace resolves the workspace for a thread/started
// notification: the spawning parent's workspace takes precedence, falling
// back to a cwd-prefix match against the registered workspace roots.
func (r *Registry) ResolveStartedThreadWorkspace(v wire.Value) (string, bool) {
	if parentThreadID, ok := v.ThreadSpawnParentThreadID(); ok {
		if workspaceID, ok := r.ResolveSpawnedThreadWorkspace(parentThreadID); ok {
			return workspaceID, true
		}
	}
	if cwd, ok := v.ThreadCwd(); ok {
		if workspaceID, ok := r.ResolveWorkspaceForCwd(cwd); ok {
			return workspaceID, true
		}
	}
	return "", false
}

// ResolveRoutedWorkspaceID decides which single workspace (if any) owns an
// inbound event.
//
//   - With a thread id: the thread-to-workspace mapping wins; otherwise the
//     request-scoped workspace (the workspace that issued the originating
//     request) wins; otherwise, if at most one workspace is attached, the
//     fallback workspace is assumed; otherwise the event is ambiguous and
//     dropped.
//   - Without a thread id: the request-scoped workspace wins, falling back
//     to the given fallback workspace id.
func ResolveRoutedWorkspaceID(
	threadID string, hasThreadID bool,
	mappedThreadWorkspace string, hasMappedThreadWorkspace bool,
	requestWorkspace string, hasRequestWorkspace bool,
	fallbackWorkspaceID string,
	registeredWorkspaceCount int,
) (string, bool) {
	if hasThreadID {
		if hasMappedThreadWorkspace {
			return mappedThreadWorkspace, true
		}
		if hasRequestWorkspace {
			return requestWorkspace, true
		}
		if registeredWorkspaceCount <= 1 {
			return fallbackWorkspaceID, true
		}
		return "", false
	}
	if hasRequestWorkspace {
		return requestWorkspace, true
	}
	return fallbackWorkspaceID, true
}
