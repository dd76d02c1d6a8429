package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codexmux/internal/push"
	"github.com/kandev/codexmux/internal/wire"
)

type fakeManager struct {
	attachErr  error
	detachErr  error
	sendResult wire.Value
	sendErr    error

	lastAttachWorkspace string
	lastAttachPath      string
	lastAttachShareWith string
	lastSendMethod      string
}

func (f *fakeManager) Attach(workspaceID, path, shareWithWorkspaceID string) error {
	f.lastAttachWorkspace = workspaceID
	f.lastAttachPath = path
	f.lastAttachShareWith = shareWithWorkspaceID
	return f.attachErr
}

func (f *fakeManager) Detach(workspaceID string) error {
	return f.detachErr
}

func (f *fakeManager) SendRequest(workspaceID, method string, params wire.Value) (wire.Value, error) {
	f.lastSendMethod = method
	return f.sendResult, f.sendErr
}

type fakeGateway struct {
	servedWorkspace string
}

func (f *fakeGateway) ServeWorkspace(workspaceID string, w http.ResponseWriter, r *http.Request) error {
	f.servedWorkspace = workspaceID
	w.WriteHeader(http.StatusOK)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeManager, *fakeGateway) {
	t.Helper()
	mgr := &fakeManager{}
	gw := &fakeGateway{}
	broker := push.Load(t.TempDir(), nil, nil, nil)
	return New(mgr, broker, gw, nil), mgr, gw
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleAttachSuccess(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/workspaces/ws-1/attach", attachRequest{Path: "/tmp/project"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ws-1", mgr.lastAttachWorkspace)
	assert.Equal(t, "/tmp/project", mgr.lastAttachPath)
}

func TestHandleAttachSharesExistingSession(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/workspaces/ws-2/attach", attachRequest{
		Path:                "/tmp/b",
		AttachToWorkspaceID: "ws-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ws-1", mgr.lastAttachShareWith)
}

func TestHandleAttachPropagatesManagerError(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	mgr.attachErr = errors.New("boom")
	rec := doJSON(t, s, http.MethodPost, "/workspaces/ws-1/attach", attachRequest{Path: "/tmp"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleSendRequestSuccess(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	mgr.sendResult = wire.Value{"ok": true}
	rec := doJSON(t, s, http.MethodPost, "/workspaces/ws-1/request", sendRequestBody{Method: "thread/start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "thread/start", mgr.lastSendMethod)
}

func TestHandleSendRequestError(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	mgr.sendErr = errors.New("no session")
	rec := doJSON(t, s, http.MethodPost, "/workspaces/ws-1/request", sendRequestBody{Method: "thread/start"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlePresenceRequiresClientID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/push/presence", presenceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegisterDeviceAndGetState(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/push/devices", registerDeviceRequest{
		DeviceID: "dev-1", Platform: "ios", Token: "tok-123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/push/state", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWebsocketDelegatesToGateway(t *testing.T) {
	s, _, gw := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/workspaces/ws-7/ws", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "ws-7", gw.servedWorkspace)
}
