package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	fcmScope                  = "https://www.googleapis.com/auth/firebase.messaging"
	defaultServiceAccountFile = "firebase-service-account.json"
)

// DirectFCMSender posts one message per device straight to the Firebase
// Cloud Messaging HTTP v1 endpoint, authenticated with a service-account
// token. It never retries: a failed device send is skipped and the
// remaining devices are still tried; Send returns the last failure, which
// the broker logs rather than surfacing to its caller.
type DirectFCMSender struct {
	dataDir string
	client  *http.Client

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
	projectID   string
}

// NewDirectFCMSender returns a DirectFCMSender that lazily resolves
// credentials from GOOGLE_APPLICATION_CREDENTIALS or
// dataDir/firebase-service-account.json on first use.
func NewDirectFCMSender(dataDir string) *DirectFCMSender {
	return &DirectFCMSender{dataDir: dataDir, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *DirectFCMSender) resolve(ctx context.Context) (oauth2.TokenSource, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenSource != nil {
		return s.tokenSource, s.projectID, nil
	}

	var credsJSON []byte
	var err error
	if path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); path != "" {
		credsJSON, err = os.ReadFile(path)
	} else {
		credsJSON, err = os.ReadFile(filepath.Join(s.dataDir, defaultServiceAccountFile))
	}
	if err != nil {
		return nil, "", fmt.Errorf("load firebase service account: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, credsJSON, fcmScope)
	if err != nil {
		return nil, "", fmt.Errorf("parse firebase service account: %w", err)
	}
	if creds.ProjectID == "" {
		return nil, "", fmt.Errorf("firebase service account is missing a project id")
	}

	s.tokenSource = creds.TokenSource
	s.projectID = creds.ProjectID
	return s.tokenSource, s.projectID, nil
}

type fcmMessage struct {
	Message fcmMessageBody `json:"message"`
}

type fcmMessageBody struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      fcmAndroidConfig  `json:"android"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroidConfig struct {
	Priority string `json:"priority"`
}

// Send posts one FCM message per device in the prepared delivery. Devices
// targeting platforms other than android/ios are skipped.
func (s *DirectFCMSender) Send(delivery PreparedDelivery) error {
	ctx := context.Background()
	tokenSource, projectID, err := s.resolve(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID)

	var lastErr error
	for _, device := range delivery.Devices {
		if device.Platform != "android" && device.Platform != "ios" {
			continue
		}
		if err := s.sendToDevice(ctx, tokenSource, endpoint, delivery, device); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *DirectFCMSender) sendToDevice(ctx context.Context, tokenSource oauth2.TokenSource, endpoint string, delivery PreparedDelivery, device DeviceRegistration) error {
	token, err := tokenSource.Token()
	if err != nil {
		return fmt.Errorf("fetch fcm access token: %w", err)
	}

	data := map[string]string{
		"kind":        delivery.Event.Kind,
		"workspaceId": delivery.Event.WorkspaceID,
		"threadId":    delivery.Event.ThreadID,
		"timestampMs": strconv.FormatInt(delivery.TimestampMs, 10),
	}
	if delivery.Event.TurnID != "" {
		data["turnId"] = delivery.Event.TurnID
	}

	payload := fcmMessage{Message: fcmMessageBody{
		Token:        device.Token,
		Notification: fcmNotification{Title: delivery.Title, Body: delivery.Body},
		Data:         data,
		Android:      fcmAndroidConfig{Priority: "HIGH"},
	}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal fcm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request for device %s: %w", device.DeviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d for device %s", resp.StatusCode, device.DeviceID)
	}
	return nil
}
