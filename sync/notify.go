package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Severity labels a notification for the user.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Notifier delivers user-facing notifications. Delivery is fire-and-forget:
// a failed notification never affects daemon state.
type Notifier interface {
	Notify(severity Severity, title, body string)
}

// NopNotifier drops all notifications. Used when no notify service is
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(Severity, string, string) {}

const (
	supervisorURL     = "http://supervisor"
	powerPollAttempts = 30
	powerPollInterval = 2 * time.Second
)

// SupervisorClient talks to the Home Assistant Supervisor REST API for
// notifications and smart-switch control. Without a SUPERVISOR_TOKEN in the
// environment all calls degrade to log-only.
type SupervisorClient struct {
	baseURL string
	token   string
	service string
	http    *http.Client
}

// NewSupervisorClient creates a client sending notifications through the
// given HA notify service (e.g. "persistent_notification").
func NewSupervisorClient(service string) *SupervisorClient {
	token := os.Getenv("SUPERVISOR_TOKEN")
	if token == "" {
		sub("notify").Warn("SUPERVISOR_TOKEN not set, notifications will be logged only")
	}
	return &SupervisorClient{
		baseURL: supervisorURL,
		token:   token,
		service: service,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends a notification, logging and swallowing any delivery failure.
func (c *SupervisorClient) Notify(severity Severity, title, body string) {
	l := sub("notify")
	l.Info("notification", "severity", string(severity), "title", title, "body", body)

	if c.token == "" || c.service == "" {
		return
	}

	payload := map[string]string{
		"title":   fmt.Sprintf("[%s] %s", severity, title),
		"message": body,
	}
	url := fmt.Sprintf("%s/core/api/services/notify/%s", c.baseURL, c.service)
	if err := c.post(context.Background(), url, payload); err != nil {
		l.Warn("notification delivery failed", "err", err)
	}
}

// TurnOn switches an entity on via the HA switch service.
func (c *SupervisorClient) TurnOn(ctx context.Context, entityID string) error {
	return c.switchService(ctx, "turn_on", entityID)
}

// TurnOff switches an entity off.
func (c *SupervisorClient) TurnOff(ctx context.Context, entityID string) error {
	return c.switchService(ctx, "turn_off", entityID)
}

func (c *SupervisorClient) switchService(ctx context.Context, action, entityID string) error {
	if c.token == "" {
		return fmt.Errorf("no supervisor token available")
	}
	url := fmt.Sprintf("%s/core/api/services/switch/%s", c.baseURL, action)
	return c.post(ctx, url, map[string]string{"entity_id": entityID})
}

// WaitForState polls an entity until it reports the wanted state ("on" or
// "off"), giving up after a bounded number of attempts.
func (c *SupervisorClient) WaitForState(ctx context.Context, entityID, want string) error {
	l := sub("notify")
	for attempt := 1; attempt <= powerPollAttempts; attempt++ {
		state, err := c.entityState(ctx, entityID)
		if err != nil {
			l.Debug("state poll failed", "entity", entityID, "attempt", attempt, "err", err)
		} else if state == want {
			l.Info("entity reached state", "entity", entityID, "state", want, "attempts", attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(powerPollInterval):
		}
	}
	return fmt.Errorf("entity %s did not reach state %q after %d attempts", entityID, want, powerPollAttempts)
}

func (c *SupervisorClient) entityState(ctx context.Context, entityID string) (string, error) {
	url := fmt.Sprintf("%s/core/api/states/%s", c.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("state query: HTTP %d", resp.StatusCode)
	}

	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *SupervisorClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("supervisor call %s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}
