// Package push implements the cross-device push-notification broker:
// desktop presence tracking, device registration, and relay/direct-FCM
// dispatch of turn-completed and turn-error events, deduplicated and gated
// on whether a supported, non-AFK desktop client is present for the
// workspace.
package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/wire"
)

const (
	heartbeatStaleWindow = 45 * time.Second
	dedupeWindow         = 5 * time.Second
	maxPreviewChars      = 200
	stateFileName        = "push_notifications.json"
)

// DeviceRegistration is one registered mobile push target.
type DeviceRegistration struct {
	DeviceID     string `json:"deviceId"`
	Platform     string `json:"platform"`
	Token        string `json:"token"`
	Label        string `json:"label,omitempty"`
	Enabled      bool   `json:"enabled"`
	LastSeenAtMs int64  `json:"lastSeenAtMs,omitempty"`
}

// persistedState is the on-disk shape of the broker's durable state.
type persistedState struct {
	RelayURL       string               `json:"relayUrl,omitempty"`
	RelayAuthToken string               `json:"relayAuthToken,omitempty"`
	Devices        []DeviceRegistration `json:"devices"`
}

// presenceRecord is a single client's last reported heartbeat.
type presenceRecord struct {
	ClientID          string
	ClientKind        string
	Platform          string
	IsSupported       bool
	IsFocused         bool
	IsAfk             bool
	ActiveWorkspaceIDs []string
	LastSeenAtMs      int64
}

// Event is a candidate push notification derived from an app-server
// message, before delivery gating.
type Event struct {
	Kind          string // "turn.completed" | "turn.error"
	WorkspaceID   string
	WorkspaceName string
	ThreadID      string
	TurnID        string
	Preview       string
}

// PresenceHeartbeatInput is the inbound payload for RecordPresence.
type PresenceHeartbeatInput struct {
	ClientID           string
	ClientKind         string
	Platform           string
	IsSupported        *bool
	IsFocused          bool
	IsAfk              bool
	ActiveWorkspaceIDs []string
}

// DeviceRegistrationInput is the inbound payload for RegisterDevice.
type DeviceRegistrationInput struct {
	DeviceID string
	Platform string
	Token    string
	Label    string
}

// ConfigPatch applies only the fields that are non-nil; a non-nil pointer to
// an empty string clears the corresponding setting.
type ConfigPatch struct {
	RelayURL       *string
	RelayAuthToken *string
}

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// Relay sends a prepared delivery to an operator-configured relay endpoint.
// Direct FCM dispatch is provided by a separate DirectSender implementation
// (see fcm.go); the two are mutually exclusive per event.
type Relay interface {
	Deliver(delivery PreparedDelivery) error
}

type DirectSender interface {
	Send(ctx PreparedDelivery) error
}

// Broker owns the push-notification state: presence, registered devices,
// relay configuration, and dedupe bookkeeping.
type Broker struct {
	mu sync.Mutex

	dataDir string
	log     *logger.Logger

	relayURL       string
	relayAuthToken string
	devices        map[string]DeviceRegistration
	presence       map[string]presenceRecord
	lastMessage    map[string]string // "workspaceId:threadId" -> preview
	dedupeSentAt   map[string]int64

	relay  Relay
	direct DirectSender
}

// Load reads persisted state from dataDir/push_notifications.json, treating
// a missing or corrupt file as an empty starting state.
func Load(dataDir string, relay Relay, direct DirectSender, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Default()
	}
	b := &Broker{
		dataDir:      dataDir,
		log:          log,
		devices:      make(map[string]DeviceRegistration),
		presence:     make(map[string]presenceRecord),
		lastMessage:  make(map[string]string),
		dedupeSentAt: make(map[string]int64),
		relay:        relay,
		direct:       direct,
	}

	state, err := readStateFile(filepath.Join(dataDir, stateFileName))
	if err != nil {
		log.WithError(err).Warn("failed to read persisted push state, starting empty")
		return b
	}
	b.relayURL = state.RelayURL
	b.relayAuthToken = state.RelayAuthToken
	for _, d := range state.Devices {
		b.devices[d.DeviceID] = d
	}
	return b
}

func readStateFile(path string) (persistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return persistedState{}, nil
		}
		return persistedState{}, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return persistedState{}, err
	}
	return state, nil
}

func (b *Broker) persistLocked() error {
	state := persistedState{RelayURL: b.relayURL, RelayAuthToken: b.relayAuthToken}
	for _, d := range b.devices {
		state.Devices = append(state.Devices, d)
	}

	path := filepath.Join(b.dataDir, stateFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RecordPresence upserts a client's heartbeat, pruning stale entries first.
func (b *Broker) RecordPresence(in PresenceHeartbeatInput) error {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return fmt.Errorf("missing `clientId`")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneStaleLocked(nowFunc())

	kind := normalizeClientKind(in.ClientKind)
	isSupported := true
	if in.IsSupported != nil {
		isSupported = *in.IsSupported
	}

	var activeWorkspaceIDs []string
	for _, id := range in.ActiveWorkspaceIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			activeWorkspaceIDs = append(activeWorkspaceIDs, trimmed)
		}
	}

	b.presence[clientID] = presenceRecord{
		ClientID:           clientID,
		ClientKind:         kind,
		Platform:           strings.TrimSpace(in.Platform),
		IsSupported:        isSupported,
		IsFocused:          in.IsFocused,
		IsAfk:              in.IsAfk,
		ActiveWorkspaceIDs: activeWorkspaceIDs,
		LastSeenAtMs:       nowFunc(),
	}
	return nil
}

func normalizeClientKind(kind string) string {
	if strings.TrimSpace(strings.ToLower(kind)) == "mobile" {
		return "mobile"
	}
	return "desktop"
}

func normalizePlatform(platform string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(platform))
	if normalized != "android" && normalized != "ios" {
		return "", fmt.Errorf("`platform` must be `android` or `ios`")
	}
	return normalized, nil
}

// RegisterDevice validates and stores a push-token registration, persisting
// immediately.
func (b *Broker) RegisterDevice(in DeviceRegistrationInput) (DeviceRegistration, error) {
	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		return DeviceRegistration{}, fmt.Errorf("missing `deviceId`")
	}
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return DeviceRegistration{}, fmt.Errorf("missing `token`")
	}
	platform, err := normalizePlatform(in.Platform)
	if err != nil {
		return DeviceRegistration{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	device := DeviceRegistration{
		DeviceID:     deviceID,
		Platform:     platform,
		Token:        token,
		Label:        strings.TrimSpace(in.Label),
		Enabled:      true,
		LastSeenAtMs: nowFunc(),
	}
	b.devices[deviceID] = device
	if err := b.persistLocked(); err != nil {
		return DeviceRegistration{}, err
	}
	return device, nil
}

// UnregisterDevice removes a previously registered device.
func (b *Broker) UnregisterDevice(deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("missing `deviceId`")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, deviceID)
	return b.persistLocked()
}

// ConfigSnapshot is the redacted view of the broker's relay configuration.
type ConfigSnapshot struct {
	RelayURL              string `json:"relayUrl,omitempty"`
	HasRelayAuthToken     bool   `json:"hasRelayAuthToken"`
	RegisteredDeviceCount int    `json:"registeredDeviceCount"`
}

// PatchConfig applies only the non-nil fields of patch.
func (b *Broker) PatchConfig(patch ConfigPatch) (ConfigSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if patch.RelayURL != nil {
		b.relayURL = *patch.RelayURL
	}
	if patch.RelayAuthToken != nil {
		b.relayAuthToken = *patch.RelayAuthToken
	}
	if err := b.persistLocked(); err != nil {
		return ConfigSnapshot{}, err
	}
	return b.configSnapshotLocked(), nil
}

func (b *Broker) configSnapshotLocked() ConfigSnapshot {
	return ConfigSnapshot{
		RelayURL:              b.relayURL,
		HasRelayAuthToken:     strings.TrimSpace(b.relayAuthToken) != "",
		RegisteredDeviceCount: len(b.devices),
	}
}

// ConfigSnapshot returns the current relay configuration.
func (b *Broker) ConfigSnapshot() ConfigSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configSnapshotLocked()
}

// DeviceSnapshot is a redacted device record for presentation.
type DeviceSnapshot struct {
	DeviceID     string `json:"deviceId"`
	Platform     string `json:"platform"`
	Label        string `json:"label,omitempty"`
	Enabled      bool   `json:"enabled"`
	TokenPreview string `json:"tokenPreview"`
	LastSeenAtMs int64  `json:"lastSeenAtMs,omitempty"`
}

// PresenceSnapshot is a redacted presence record for presentation.
type PresenceSnapshot struct {
	ClientID           string   `json:"clientId"`
	ClientKind         string   `json:"clientKind"`
	Platform           string   `json:"platform,omitempty"`
	IsFocused          bool     `json:"isFocused"`
	IsAfk              bool     `json:"isAfk"`
	ActiveWorkspaceIDs []string `json:"activeWorkspaceIds,omitempty"`
	LastSeenAtMs       int64    `json:"lastSeenAtMs"`
}

// StateSnapshot is the full, redacted state used by the config/state
// inspection surface.
type StateSnapshot struct {
	Config   ConfigSnapshot     `json:"config"`
	Devices  []DeviceSnapshot   `json:"devices"`
	Presence []PresenceSnapshot `json:"presence"`
}

// StateSnapshot prunes stale entries, then returns a redacted view of the
// broker's entire state.
func (b *Broker) StateSnapshot() StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneStaleLocked(nowFunc())

	snapshot := StateSnapshot{Config: b.configSnapshotLocked()}
	for _, d := range b.devices {
		snapshot.Devices = append(snapshot.Devices, DeviceSnapshot{
			DeviceID:     d.DeviceID,
			Platform:     d.Platform,
			Label:        d.Label,
			Enabled:      d.Enabled,
			TokenPreview: redactTokenPreview(d.Token),
			LastSeenAtMs: d.LastSeenAtMs,
		})
	}
	for _, p := range b.presence {
		snapshot.Presence = append(snapshot.Presence, PresenceSnapshot{
			ClientID:           p.ClientID,
			ClientKind:         p.ClientKind,
			Platform:           p.Platform,
			IsFocused:          p.IsFocused,
			IsAfk:              p.IsAfk,
			ActiveWorkspaceIDs: p.ActiveWorkspaceIDs,
			LastSeenAtMs:       p.LastSeenAtMs,
		})
	}
	return snapshot
}

func redactTokenPreview(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s…%s", token[:4], token[len(token)-4:])
}

func (b *Broker) pruneStaleLocked(nowMs int64) {
	for clientID, p := range b.presence {
		if nowMs-p.LastSeenAtMs > heartbeatStaleWindow.Milliseconds() {
			delete(b.presence, clientID)
		}
	}
	for key, sentAt := range b.dedupeSentAt {
		if nowMs-sentAt > dedupeWindow.Milliseconds() {
			delete(b.dedupeSentAt, key)
		}
	}
}

func clampPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxPreviewChars {
		return text
	}
	return string(runes[:maxPreviewChars]) + "…"
}

// HandleAppServerEvent inspects one routed app-server message and, if it
// represents a task outcome worth notifying about, runs it through delivery
// gating and dispatches it via relay or direct FCM.
func (b *Broker) HandleAppServerEvent(workspaceID, workspaceName string, value wire.Value) {
	method, _ := value.Method()

	var event *Event
	switch method {
	case "item/completed":
		b.captureLastAgentMessage(workspaceID, value)
	case "turn/completed":
		event = b.buildTurnCompletedEvent(workspaceID, workspaceName, value)
	case "error":
		event = b.buildTurnErrorEvent(workspaceID, workspaceName, value)
	}
	if event == nil {
		return
	}

	delivery, ok := b.prepareDelivery(*event)
	if !ok {
		return
	}

	if delivery.RelayURL != "" {
		go func() {
			if b.relay != nil {
				if err := b.relay.Deliver(delivery); err != nil {
					b.log.WithError(err).Warn("push relay delivery failed")
				}
			}
		}()
		return
	}
	go func() {
		if b.direct != nil {
			if err := b.direct.Send(delivery); err != nil {
				b.log.WithError(err).Warn("direct FCM delivery failed")
			}
		}
	}()
}

func (b *Broker) captureLastAgentMessage(workspaceID string, value wire.Value) {
	params, _ := value["params"].(map[string]interface{})
	item, _ := params["item"].(map[string]interface{})
	if item == nil {
		return
	}
	itemType, _ := item["type"].(string)
	if itemType != "agentMessage" {
		return
	}
	text, _ := item["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	threadID, _ := value.ThreadID()
	if threadID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastMessage[threadKey(workspaceID, threadID)] = clampPreview(text)
}

func threadKey(workspaceID, threadID string) string {
	return workspaceID + ":" + threadID
}

func (b *Broker) buildTurnCompletedEvent(workspaceID, workspaceName string, value wire.Value) *Event {
	threadID, ok := value.ThreadID()
	if !ok {
		return nil
	}
	turnID, _ := value.TurnID()

	b.mu.Lock()
	key := threadKey(workspaceID, threadID)
	preview, had := b.lastMessage[key]
	if had {
		delete(b.lastMessage, key)
	}
	b.mu.Unlock()

	if !had || preview == "" {
		preview = "Your agent finished a task."
	}
	return &Event{
		Kind:          "turn.completed",
		WorkspaceID:   workspaceID,
		WorkspaceName: workspaceName,
		ThreadID:      threadID,
		TurnID:        turnID,
		Preview:       clampPreview(preview),
	}
}

func (b *Broker) buildTurnErrorEvent(workspaceID, workspaceName string, value wire.Value) *Event {
	details := wire.ExtractTurnErrorDetails(value)
	if details.WillRetry {
		return nil
	}
	threadID, ok := value.ThreadID()
	if !ok {
		return nil
	}
	turnID, _ := value.TurnID()

	message := details.Message
	if message == "" {
		message = "Agent run failed."
	}
	return &Event{
		Kind:          "turn.error",
		WorkspaceID:   workspaceID,
		WorkspaceName: workspaceName,
		ThreadID:      threadID,
		TurnID:        turnID,
		Preview:       clampPreview(message),
	}
}

func makeDedupeKey(e Event) string {
	turnPart := e.TurnID
	if turnPart == "" {
		turnPart = "-"
	}
	return fmt.Sprintf("%s:%s:%s:%s", e.Kind, e.WorkspaceID, e.ThreadID, turnPart)
}

func (b *Broker) hasNonAfkDesktopForWorkspaceLocked(workspaceID string) bool {
	for _, p := range b.presence {
		if p.ClientKind != "desktop" || !p.IsSupported || p.IsAfk {
			continue
		}
		if len(p.ActiveWorkspaceIDs) == 0 {
			return true
		}
		for _, id := range p.ActiveWorkspaceIDs {
			if id == workspaceID {
				return true
			}
		}
	}
	return false
}

// PreparedDelivery is a gated, ready-to-send notification.
type PreparedDelivery struct {
	RelayURL       string
	RelayAuthToken string
	Event          Event
	Title          string
	Body           string
	Devices        []DeviceRegistration
	TimestampMs    int64
}

func (b *Broker) prepareDelivery(event Event) (PreparedDelivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := nowFunc()
	b.pruneStaleLocked(now)

	if b.hasNonAfkDesktopForWorkspaceLocked(event.WorkspaceID) {
		return PreparedDelivery{}, false
	}

	var devices []DeviceRegistration
	for _, d := range b.devices {
		if d.Enabled {
			devices = append(devices, d)
		}
	}
	if len(devices) == 0 {
		return PreparedDelivery{}, false
	}

	key := makeDedupeKey(event)
	if sentAt, ok := b.dedupeSentAt[key]; ok && now-sentAt <= dedupeWindow.Milliseconds() {
		return PreparedDelivery{}, false
	}
	b.dedupeSentAt[key] = now

	title := "Agent Complete"
	if event.WorkspaceName != "" {
		title = fmt.Sprintf("Agent Complete — %s", event.WorkspaceName)
	}
	if event.Kind == "turn.error" {
		title = "Agent Error"
		if event.WorkspaceName != "" {
			title = fmt.Sprintf("Agent Error — %s", event.WorkspaceName)
		}
	}

	return PreparedDelivery{
		RelayURL:       b.relayURL,
		RelayAuthToken: b.relayAuthToken,
		Event:          event,
		Title:          title,
		Body:           event.Preview,
		Devices:        devices,
		TimestampMs:    now,
	}, true
}
