// Package api exposes the HTTP control surface: workspace attach/detach,
// request passthrough to a workspace's child session, and the push-broker
// presence/device/config endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/push"
	"github.com/kandev/codexmux/internal/wire"
)

// Manager is the subset of the workspace-session manager the API depends
// on. It is satisfied by *manager.Manager (see internal/manager).
type Manager interface {
	Attach(workspaceID, path, shareWithWorkspaceID string) error
	Detach(workspaceID string) error
	SendRequest(workspaceID, method string, params wire.Value) (wire.Value, error)
}

// WebsocketGateway serves the per-workspace event stream. It is satisfied
// by *gateway.Gateway (see internal/gateway).
type WebsocketGateway interface {
	ServeWorkspace(workspaceID string, w http.ResponseWriter, r *http.Request) error
}

// Server wires the gin engine for the HTTP control API.
type Server struct {
	engine  *gin.Engine
	manager Manager
	broker  *push.Broker
	gateway WebsocketGateway
	log     *logger.Logger
}

// New builds a Server with all routes registered.
func New(mgr Manager, broker *push.Broker, gw WebsocketGateway, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, manager: mgr, broker: broker, gateway: gw, log: log}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	workspaces := s.engine.Group("/workspaces")
	{
		workspaces.POST("/:workspaceId/attach", s.handleAttach)
		workspaces.POST("/:workspaceId/detach", s.handleDetach)
		workspaces.POST("/:workspaceId/request", s.handleSendRequest)
		workspaces.GET("/:workspaceId/ws", s.handleWebsocket)
	}

	pushGroup := s.engine.Group("/push")
	{
		pushGroup.POST("/presence", s.handlePresence)
		pushGroup.POST("/devices", s.handleRegisterDevice)
		pushGroup.DELETE("/devices/:deviceId", s.handleUnregisterDevice)
		pushGroup.PATCH("/config", s.handlePatchConfig)
		pushGroup.GET("/config", s.handleGetConfig)
		pushGroup.GET("/state", s.handleGetState)
	}
}

type attachRequest struct {
	Path string `json:"path"`
	// AttachToWorkspaceID, if set, routes this workspace through the child
	// session already running for that workspace instead of spawning a new
	// process — several workspaces can share one session this way.
	AttachToWorkspaceID string `json:"attachToWorkspaceId"`
}

func (s *Server) handleAttach(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.Attach(workspaceID, req.Path, req.AttachToWorkspaceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": workspaceID})
}

func (s *Server) handleDetach(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if err := s.manager.Detach(workspaceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": workspaceID})
}

type sendRequestBody struct {
	Method string     `json:"method"`
	Params wire.Value `json:"params"`
}

func (s *Server) handleSendRequest(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.manager.SendRequest(workspaceID, body.Method, body.Params)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type presenceRequest struct {
	ClientID           string   `json:"clientId"`
	ClientKind         string   `json:"clientKind"`
	Platform           string   `json:"platform"`
	IsSupported        *bool    `json:"isSupported"`
	IsFocused          bool     `json:"isFocused"`
	IsAfk              bool     `json:"isAfk"`
	ActiveWorkspaceIDs []string `json:"activeWorkspaceIds"`
}

func (s *Server) handlePresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.broker.RecordPresence(push.PresenceHeartbeatInput{
		ClientID:           req.ClientID,
		ClientKind:         req.ClientKind,
		Platform:           req.Platform,
		IsSupported:        req.IsSupported,
		IsFocused:          req.IsFocused,
		IsAfk:              req.IsAfk,
		ActiveWorkspaceIDs: req.ActiveWorkspaceIDs,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type registerDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
	Label    string `json:"label"`
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	device, err := s.broker.RegisterDevice(push.DeviceRegistrationInput{
		DeviceID: req.DeviceID, Platform: req.Platform, Token: req.Token, Label: req.Label,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) handleUnregisterDevice(c *gin.Context) {
	if err := s.broker.UnregisterDevice(c.Param("deviceId")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type patchConfigRequest struct {
	RelayURL       *string `json:"relayUrl"`
	RelayAuthToken *string `json:"relayAuthToken"`
}

func (s *Server) handlePatchConfig(c *gin.Context) {
	var req patchConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snapshot, err := s.broker.PatchConfig(push.ConfigPatch{RelayURL: req.RelayURL, RelayAuthToken: req.RelayAuthToken})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.ConfigSnapshot())
}

func (s *Server) handleGetState(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.StateSnapshot())
}

func (s *Server) handleWebsocket(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if err := s.gateway.ServeWorkspace(workspaceID, c.Writer, c.Request); err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
	}
}
