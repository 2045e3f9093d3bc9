package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"stageline/internal/config"
	"stageline/internal/domain"
)

// Webhook POSTs each matching event as JSON to a configured URL.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	filter eventFilter
}

func NewWebhook(cfg config.Webhook) *Webhook {
	return &Webhook{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		Client: &http.Client{},
		filter: newEventFilter(cfg.Events),
	}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookEvent struct {
	ID        int64                `json:"id"`
	Type      domain.EventType     `json:"type"`
	ProjectID string               `json:"project_id"`
	FromStage *string              `json:"from_stage,omitempty"`
	ToStage   string               `json:"to_stage"`
	ActorID   string               `json:"actor_id"`
	TS        string               `json:"ts"`
	Summary   string               `json:"summary"`
	Metadata  domain.EventMetadata `json:"metadata"`
}

func (w *Webhook) Notify(ctx context.Context, evt domain.WorkflowEvent) error {
	if !w.filter.match(evt.Type) {
		return nil
	}
	data, err := json.Marshal(webhookEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		ProjectID: evt.ProjectID,
		FromStage: evt.FromStage,
		ToStage:   evt.ToStage,
		ActorID:   evt.ActorID,
		TS:        evt.TS,
		Summary:   Summary(evt),
		Metadata:  evt.Metadata,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", string(evt.Type))
	req.Header.Set("X-Stageline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Stageline-Project", evt.ProjectID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
