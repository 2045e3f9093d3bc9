package engine

import (
	"context"
	"time"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// HistoryQuery filters audit history. Page is 1-based; dates are RFC3339.
type HistoryQuery struct {
	EventType domain.EventType
	GateID    string
	From      string
	To        string
	Page      int
	PageSize  int
}

type HistoryPage struct {
	Events   []domain.WorkflowEvent `json:"events"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

func (q HistoryQuery) normalize() (HistoryQuery, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PageSize <= 0:
		q.PageSize = DefaultPageSize
	case q.PageSize > MaxPageSize:
		q.PageSize = MaxPageSize
	}
	if q.EventType != "" && !q.EventType.Valid() {
		return q, newError(KindInvalidInput, map[string]any{"event_type": q.EventType}, "unknown event type %q", q.EventType)
	}
	var err error
	if q.From, err = normalizeTime("from", q.From); err != nil {
		return q, err
	}
	if q.To, err = normalizeTime("to", q.To); err != nil {
		return q, err
	}
	return q, nil
}

func normalizeTime(field, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", newError(KindInvalidInput, map[string]any{field: v}, "%s must be an RFC3339 timestamp", field)
	}
	return t.UTC().Format(time.RFC3339), nil
}

// History returns a project's audit events, most recent first.
func (e Engine) History(ctx context.Context, projectID string, q HistoryQuery) (HistoryPage, error) {
	if _, err := e.loadProject(ctx, nil, projectID); err != nil {
		return HistoryPage{}, err
	}
	return e.queryHistory(ctx, projectID, q)
}

// HistoryForGate returns the events that recorded gateID in their metadata.
func (e Engine) HistoryForGate(ctx context.Context, gateID string, page, pageSize int) (HistoryPage, error) {
	if _, err := e.loadGate(ctx, nil, gateID); err != nil {
		return HistoryPage{}, err
	}
	return e.queryHistory(ctx, "", HistoryQuery{GateID: gateID, Page: page, PageSize: pageSize})
}

func (e Engine) queryHistory(ctx context.Context, projectID string, q HistoryQuery) (HistoryPage, error) {
	q, err := q.normalize()
	if err != nil {
		return HistoryPage{}, err
	}
	evts, total, err := e.Repo.QueryEvents(ctx, repo.EventFilter{
		ProjectID: projectID,
		Type:      q.EventType,
		GateID:    q.GateID,
		From:      q.From,
		To:        q.To,
		Limit:     q.PageSize,
		Offset:    (q.Page - 1) * q.PageSize,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	if evts == nil {
		evts = []domain.WorkflowEvent{}
	}
	return HistoryPage{Events: evts, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}
