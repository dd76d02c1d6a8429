// Package session manages one spawned agent child process: the stdio
// JSON-RPC framing, the request/response/notification bookkeeping, the
// workspace-routing side effects driven by observed traffic, and the
// turn/start automatic-retry hook.
package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/retry"
	"github.com/kandev/codexmux/internal/router"
	"github.com/kandev/codexmux/internal/tracing"
	"github.com/kandev/codexmux/internal/wire"
)

const (
	requestTimeout    = 300 * time.Second
	handshakeTimeout  = 15 * time.Second
	maxLineBufferSize = 16 * 1024 * 1024
)

// EventSink receives routed events bound for a single workspace.
type EventSink interface {
	EmitEvent(workspaceID string, value wire.Value)
}

type requestContext struct {
	workspaceID string
	method      string
}

// ChildSession owns one spawned agent process and every workspace attached
// to it. A session starts with exactly one owning workspace and gains more
// through RegisterWorkspace or when a request is sent on behalf of another
// workspace; threads discovered in its traffic are mapped onto the attached
// workspaces.
type ChildSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	mu             sync.Mutex
	pending        map[uint64]chan wire.Value
	requestContext map[uint64]requestContext

	bgMu                sync.Mutex
	backgroundCallbacks map[string]chan wire.Value

	nextID atomic.Uint64

	ioGroup *errgroup.Group

	registry    *router.Registry
	retryEngine *retry.Engine

	ownerWorkspaceID string
	sink             EventSink
	log              *logger.Logger
}

// SpawnConfig describes the agent process to launch and the workspace it is
// opened against.
type SpawnConfig struct {
	WorkspaceID   string
	Path          string
	BinaryPath    string
	ExtraArgs     []string
	CodexHome     string
	ClientVersion string
}

// Spawn preflights the agent binary, starts the child process, and performs
// the initialize/initialized handshake before returning a ready session.
func Spawn(cfg SpawnConfig, sink EventSink, log *logger.Logger) (*ChildSession, error) {
	if log == nil {
		log = logger.Default()
	}

	if _, err := checkInstallation(cfg.BinaryPath); err != nil {
		return nil, err
	}

	cmd := buildCommand(context.Background(), cfg.BinaryPath, cfg.ExtraArgs, cfg.Path, cfg.CodexHome)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	cs := &ChildSession{
		cmd:                 cmd,
		stdin:               stdin,
		stdout:              stdout,
		pending:             make(map[uint64]chan wire.Value),
		requestContext:      make(map[uint64]requestContext),
		backgroundCallbacks: make(map[string]chan wire.Value),
		registry:            router.NewRegistry(),
		retryEngine:         retry.NewEngine(),
		ownerWorkspaceID:    cfg.WorkspaceID,
		sink:                sink,
		log:                 log.WithFields(),
	}
	cs.registry.RegisterWorkspace(cfg.WorkspaceID, cfg.Path)

	var ioGroup errgroup.Group
	cs.ioGroup = &ioGroup
	ioGroup.Go(func() error {
		cs.readLoop()
		return nil
	})
	ioGroup.Go(func() error {
		cs.stderrLoop(stderr)
		return nil
	})

	if err := cs.handshake(cfg.ClientVersion); err != nil {
		cs.log.WithError(err).Error("agent handshake failed, killing process tree")
		_ = cs.Kill()
		return nil, err
	}

	cs.sink.EmitEvent(cfg.WorkspaceID, wire.Value{
		"method": "codex/connected",
		"params": map[string]interface{}{"workspaceId": cfg.WorkspaceID},
	})

	return cs, nil
}

func (cs *ChildSession) handshake(clientVersion string) error {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	params := wire.Value{
		"clientInfo": map[string]interface{}{
			"name":    "codexmux",
			"title":   "Codexmux",
			"version": clientVersion,
		},
		"capabilities": map[string]interface{}{
			"experimentalApi": true,
		},
	}

	if _, err := cs.SendRequestForWorkspace(ctx, cs.ownerWorkspaceID, "initialize", params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return cs.SendNotification("initialized", wire.Value{})
}

// Kill terminates the entire child process tree.
func (cs *ChildSession) Kill() error {
	if cs.cmd.Process == nil {
		return nil
	}
	return killProcessTree(cs.cmd.Process.Pid)
}

// Wait blocks until the child process exits and its stdout/stderr reader
// goroutines have drained.
func (cs *ChildSession) Wait() error {
	err := cs.cmd.Wait()
	if cs.ioGroup != nil {
		_ = cs.ioGroup.Wait()
	}
	return err
}

// RegisterWorkspace attaches an additional workspace (e.g. one that the
// manager attaches onto an already-running session) to this session.
func (cs *ChildSession) RegisterWorkspace(workspaceID, path string) {
	cs.registry.RegisterWorkspace(workspaceID, path)
}

// UnregisterWorkspace detaches workspaceID from this session.
func (cs *ChildSession) UnregisterWorkspace(workspaceID string) {
	cs.registry.UnregisterWorkspace(workspaceID)
}

// RegisterBackgroundThreadCallback routes every notification for threadID to
// ch instead of the default single-workspace event fan-out, until
// unregistered.
func (cs *ChildSession) RegisterBackgroundThreadCallback(threadID string, ch chan wire.Value) {
	cs.bgMu.Lock()
	defer cs.bgMu.Unlock()
	cs.backgroundCallbacks[threadID] = ch
}

// UnregisterBackgroundThreadCallback removes a previously registered
// background callback.
func (cs *ChildSession) UnregisterBackgroundThreadCallback(threadID string) {
	cs.bgMu.Lock()
	defer cs.bgMu.Unlock()
	delete(cs.backgroundCallbacks, threadID)
}

func (cs *ChildSession) backgroundCallback(threadID string) (chan wire.Value, bool) {
	cs.bgMu.Lock()
	defer cs.bgMu.Unlock()
	ch, ok := cs.backgroundCallbacks[threadID]
	return ch, ok
}

// SendRequest issues method against the session's owning workspace.
func (cs *ChildSession) SendRequest(ctx context.Context, method string, params wire.Value) (wire.Value, error) {
	return cs.SendRequestForWorkspace(ctx, cs.ownerWorkspaceID, method, params)
}

// SendRequestForWorkspace issues a request attributed to workspaceID,
// waiting up to requestTimeout for a response.
func (cs *ChildSession) SendRequestForWorkspace(ctx context.Context, workspaceID, method string, params wire.Value) (wire.Value, error) {
	ctx, span := tracing.StartChildRequest(ctx, workspaceID, method)
	defer span.End()

	id := cs.nextID.Add(1)
	respCh := make(chan wire.Value, 1)

	cs.registry.RegisterWorkspace(workspaceID, "")

	cs.mu.Lock()
	cs.pending[id] = respCh
	cs.requestContext[id] = requestContext{workspaceID: workspaceID, method: method}
	cs.mu.Unlock()

	if threadID, ok := wire.TurnStartRequestThreadID(params); ok {
		cs.registry.MapThread(threadID, workspaceID)
	}

	message := wire.Value{"id": id, "method": method, "params": params}
	if err := cs.writeMessage(message); err != nil {
		cs.mu.Lock()
		delete(cs.pending, id)
		delete(cs.requestContext, id)
		cs.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case response, open := <-respCh:
		if !open {
			return nil, errors.New("request canceled")
		}
		if method == "turn/start" {
			if _, hasErr := response["error"]; !hasErr {
				if turnID, ok := response.TurnStartResponseTurnID(); ok {
					if threadID, ok := wire.TurnStartRequestThreadID(params); ok {
						cs.retryEngine.Register(workspaceID, threadID, turnID, params)
					}
				}
			}
		}
		return response, nil
	case <-timeoutCtx.Done():
		cs.mu.Lock()
		delete(cs.pending, id)
		delete(cs.requestContext, id)
		cs.mu.Unlock()
		return nil, fmt.Errorf("request %q timed out after %s", method, requestTimeout)
	}
}

// SendNotification writes a one-way notification with no id.
func (cs *ChildSession) SendNotification(method string, params wire.Value) error {
	return cs.writeMessage(wire.Value{"method": method, "params": params})
}

// SendResponse writes a response to a request the child process issued to
// us (e.g. an approval prompt).
func (cs *ChildSession) SendResponse(id uint64, result interface{}) error {
	return cs.writeMessage(wire.Value{"id": id, "result": result})
}

func (cs *ChildSession) writeMessage(v interface{}) error {
	data, err := wire.Encode(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	_, err = cs.stdin.Write(data)
	return err
}

func (cs *ChildSession) readLoop() {
	scanner := bufio.NewScanner(cs.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBufferSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)
		cs.handleLine(lineCopy)
	}
	cs.log.Info("agent stdout stream ended, draining pending requests")
	cs.terminate()
}

func (cs *ChildSession) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cs.sink.EmitEvent(cs.ownerWorkspaceID, wire.Value{
			"method": "codex/stderr",
			"params": map[string]interface{}{"line": line},
		})
	}
}

// terminate runs when the stdout stream ends. Pending request channels are
// closed (not sent a value), so any in-flight SendRequestForWorkspace call
// observes a closed channel and returns "request canceled".
func (cs *ChildSession) terminate() {
	cs.mu.Lock()
	for id, ch := range cs.pending {
		close(ch)
		delete(cs.pending, id)
	}
	cs.requestContext = make(map[uint64]requestContext)
	cs.mu.Unlock()
	cs.retryEngine.Reset()
}

func (cs *ChildSession) takeRequestContext(id uint64) (requestContext, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rc, ok := cs.requestContext[id]
	if ok {
		delete(cs.requestContext, id)
	}
	return rc, ok
}

func (cs *ChildSession) deliverPending(id uint64, value wire.Value) {
	cs.mu.Lock()
	ch, ok := cs.pending[id]
	if ok {
		delete(cs.pending, id)
	}
	cs.mu.Unlock()
	if ok {
		ch <- value
	}
}

// handleLine applies the full routing and side-effect pipeline to one
// decoded line from the child's stdout, in the order the child process
// actually asked us to care about them: request-context resolution first
// (so thread/workspace discoveries from this line are available to the
// routing decision below), then the routing decision itself, then the
// method-specific side effects that are only valid once a workspace has
// actually been resolved, and finally dispatch to the caller or UI.
func (cs *ChildSession) handleLine(raw []byte) {
	value, err := wire.Decode(raw)
	if err != nil {
		cs.sink.EmitEvent(cs.ownerWorkspaceID, wire.Value{
			"method": "codex/parseError",
			"params": map[string]interface{}{
				"error": err.Error(),
				"raw":   string(raw),
			},
		})
		return
	}

	id, hasID := value.ID()
	method, hasMethod := value.Method()
	hasResultOrError := value.HasResultOrError()
	threadID, hasThreadID := value.ThreadID()
	turnID, hasTurnID := value.TurnID()

	var requestWorkspace, requestMethod string
	var hasRequestWorkspace bool
	if hasID && hasResultOrError {
		if rc, ok := cs.takeRequestContext(id); ok {
			requestWorkspace, hasRequestWorkspace = rc.workspaceID, true
			requestMethod = rc.method
		}
	}

	if hasRequestWorkspace && hasThreadID {
		cs.registry.MapThread(threadID, requestWorkspace)
	}

	if requestMethod == "thread/list" {
		for _, entry := range value.ThreadListEntries() {
			if entry.ThreadID == "" || !entry.HasCwd {
				continue
			}
			if workspaceID, ok := cs.registry.ResolveWorkspaceForCwd(entry.Cwd); ok {
				cs.registry.MapThread(entry.ThreadID, workspaceID)
			}
		}
	}

	if method == "thread/started" && hasThreadID {
		if workspaceID, ok := cs.registry.ResolveStartedThreadWorkspace(value); ok {
			cs.registry.MapThread(threadID, workspaceID)
		}
	}

	var mappedThreadWorkspace string
	var hasMappedThreadWorkspace bool
	if hasThreadID {
		mappedThreadWorkspace, hasMappedThreadWorkspace = cs.registry.WorkspaceForThread(threadID)
	}

	routedWorkspaceID, routed := router.ResolveRoutedWorkspaceID(
		threadID, hasThreadID,
		mappedThreadWorkspace, hasMappedThreadWorkspace,
		requestWorkspace, hasRequestWorkspace,
		cs.ownerWorkspaceID,
		cs.registry.WorkspaceCount(),
	)
	if !routed {
		return
	}

	if method == "thread/archived" && hasThreadID {
		cs.registry.ForgetThread(threadID)
		cs.retryEngine.ClearThread(threadID)
	}
	if method == "turn/completed" && hasTurnID {
		cs.retryEngine.Clear(turnID)
	}
	if method == "error" && hasTurnID {
		cs.handleTurnError(value, turnID, routedWorkspaceID)
	}

	if hasID && hasResultOrError {
		cs.deliverPending(id, value)
		return
	}
	if !hasMethod {
		return
	}

	if hasThreadID {
		if ch, ok := cs.backgroundCallback(threadID); ok {
			ch <- value
			return
		}
	}

	if router.ShouldBroadcastGlobalWorkspaceNotification(method, threadID, hasThreadID, requestWorkspace, hasRequestWorkspace) {
		ids := cs.registry.WorkspaceIDs()
		if len(ids) == 0 {
			ids = []string{routedWorkspaceID}
		}
		for _, id := range ids {
			cs.sink.EmitEvent(id, value)
		}
		return
	}

	cs.sink.EmitEvent(routedWorkspaceID, value)
}

func (cs *ChildSession) handleTurnError(value wire.Value, turnID, routedWorkspaceID string) {
	details := wire.ExtractTurnErrorDetails(value)
	existing, hasContext := cs.retryEngine.Lookup(turnID)
	attempts := 0
	if hasContext {
		attempts = existing.Attempts
	}

	if retry.CanRetry(details, hasContext, attempts) {
		if reserved, ok := cs.retryEngine.Reserve(turnID); ok {
			value.SetWillRetry(true)
			go cs.reissueTurnStart(reserved, turnID, routedWorkspaceID)
			return
		}
		cs.retryEngine.Clear(turnID)
		return
	}
	if !details.WillRetry {
		cs.retryEngine.Clear(turnID)
	}
}

func (cs *ChildSession) reissueTurnStart(retryCtx retry.Context, turnID, routedWorkspaceID string) {
	response, err := cs.SendRequestForWorkspace(context.Background(), retryCtx.WorkspaceID, "turn/start", retryCtx.Params)

	var failureReason string
	if err != nil {
		failureReason = err.Error()
	} else if msg, ok := response.ResponseErrorMessage(); ok {
		failureReason = msg
	}
	if failureReason == "" {
		return
	}

	cs.retryEngine.Clear(turnID)
	cs.sink.EmitEvent(routedWorkspaceID, wire.Value{
		"method": "error",
		"params": map[string]interface{}{
			"threadId": retryCtx.ThreadID,
			"turnId":   turnID,
			"error": map[string]interface{}{
				"message": fmt.Sprintf("Automatic retry failed: %s", failureReason),
			},
			"willRetry": false,
		},
	})
}
