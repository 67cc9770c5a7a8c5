// Package notify delivers best-effort run notifications to schedule
// recipients. Callers log failures and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"recurflow/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error
}

// Message renders the human-readable notification text for an outcome.
func Message(s domain.Schedule, o domain.RunOutcome) string {
	if !o.Success {
		return fmt.Sprintf("%s failed: %s", s.Name, o.Error)
	}
	if o.ArtifactRef == "" {
		return fmt.Sprintf("%s completed", s.Name)
	}
	return fmt.Sprintf("%s completed: %s", s.Name, o.ArtifactRef)
}

// Log writes one log line per recipient.
type Log struct{}

func (Log) Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error {
	for _, r := range recipients {
		log.Info().
			Str("recipient", r).
			Str("schedule_id", s.ID).
			Str("artifact", o.ArtifactRef).
			Msg(Message(s, o))
	}
	return nil
}

type InboxStore interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Inbox stores one in-app notification per recipient.
type Inbox struct {
	Store InboxStore
}

func (n Inbox) Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error {
	msg := Message(s, o)
	var errs []error
	for _, r := range recipients {
		if err := n.Store.InsertNotification(ctx, domain.Notification{Recipient: r, ScheduleID: s.ID, Message: msg}); err != nil {
			errs = append(errs, fmt.Errorf("inbox %s: %w", r, err))
		}
	}
	return errors.Join(errs...)
}

// Webhook posts one JSON message per recipient to an external delivery
// service (email, push), throttled by Limiter.
type Webhook struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
}

type webhookMessage struct {
	Recipient   string    `json:"recipient"`
	ScheduleID  string    `json:"schedule_id"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	RanAt       time.Time `json:"ran_at"`
}

func (n Webhook) Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var errs []error
	for _, r := range recipients {
		if n.Limiter != nil {
			if err := n.Limiter.Wait(ctx); err != nil {
				return errors.Join(append(errs, fmt.Errorf("rate limit: %w", err))...)
			}
		}
		if err := n.post(ctx, client, webhookMessage{
			Recipient:   r,
			ScheduleID:  s.ID,
			Success:     o.Success,
			Message:     Message(s, o),
			ArtifactRef: o.ArtifactRef,
			RanAt:       o.RanAt,
		}); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", r, err))
		}
	}
	return errors.Join(errs...)
}

func (n Webhook) post(ctx context.Context, client *http.Client, m webhookMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipients, s, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
