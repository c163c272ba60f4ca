// Package webhook launches apps by POSTing a session request to the app's
// registered webhook endpoint. The app backend responds by opening a WebSocket
// connection to the app upgrade endpoint and completing the init handshake.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
)

const launchTimeout = 10 * time.Second

type launchRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Launcher resolves a package name to its webhook URL via a template
// (e.g. "https://%s/webhook") and delivers the launch event.
type Launcher struct {
	client      *http.Client
	urlTemplate string
}

func NewLauncher(urlTemplate string) *Launcher {
	return &Launcher{
		client:      &http.Client{Timeout: launchTimeout},
		urlTemplate: urlTemplate,
	}
}

var _ domain.AppLauncher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, packageName, userID, sessionID string) error {
	body, err := json.Marshal(launchRequest{
		Type:      "session_request",
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode launch request: %w", err)
	}

	url := fmt.Sprintf(l.urlTemplate, packageName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build launch request for %s: %w", packageName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver launch webhook to %s: %w", packageName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("launch webhook for %s returned status %d", packageName, resp.StatusCode)
	}
	return nil
}
