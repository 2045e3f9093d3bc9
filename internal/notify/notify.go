// Package notify delivers best-effort progression notifications after
// workflow changes commit. Delivery failures are logged and counted, never
// propagated to the caller.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stageline/internal/domain"
	"stageline/internal/metrics"
)

const defaultTimeout = 5 * time.Second

type Notifier interface {
	Name() string
	Notify(ctx context.Context, evt domain.WorkflowEvent) error
}

// Dispatcher fans an event out to every notifier on a background goroutine.
// A nil *Dispatcher drops events.
type Dispatcher struct {
	Notifiers []Notifier
	Timeout   time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics

	wg sync.WaitGroup
}

func NewDispatcher(logger zerolog.Logger, m *metrics.Metrics, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		Notifiers: notifiers,
		Timeout:   defaultTimeout,
		Logger:    logger.With().Str("component", "notify").Logger(),
		Metrics:   m,
	}
}

// Dispatch returns immediately. ctx only contributes its values; its
// cancellation does not abort delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, evt domain.WorkflowEvent) {
	if d == nil || len(d.Notifiers) == 0 {
		return
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := context.WithoutCancel(ctx)
	for _, n := range d.Notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			nctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			if err := n.Notify(nctx, evt); err != nil {
				d.Metrics.RecordNotification(n.Name(), "error")
				d.Logger.Warn().Err(err).
					Str("notifier", n.Name()).
					Str("project_id", evt.ProjectID).
					Str("event_type", string(evt.Type)).
					Msg("progression notification failed")
				return
			}
			d.Metrics.RecordNotification(n.Name(), "ok")
		}(n)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Summary renders a one-line human description of evt.
func Summary(evt domain.WorkflowEvent) string {
	from := ""
	if evt.FromStage != nil {
		from = *evt.FromStage
	}
	switch md := evt.Metadata.(type) {
	case domain.GateDecisionMetadata:
		verb := "approved"
		if evt.Type == domain.EventGateRejected {
			verb = "rejected"
		}
		return fmt.Sprintf("[%s] gate %q %s by %s", evt.ProjectID, md.GateName, verb, evt.ActorID)
	case domain.StageGateMetadata:
		verb := "approved"
		if evt.Type == domain.EventGateRejected {
			verb = "rejected"
		}
		return fmt.Sprintf("[%s] stage %s gate %s by %s", evt.ProjectID, evt.ToStage, verb, evt.ActorID)
	case domain.GateResetMetadata:
		return fmt.Sprintf("[%s] gate %q reset by %s", evt.ProjectID, md.GateName, evt.ActorID)
	case domain.ReviewerAssignedMetadata:
		return fmt.Sprintf("[%s] %s assigned as %s on gate %s", evt.ProjectID, md.ContactID, md.Role, md.GateKey)
	case domain.ManualOverrideMetadata:
		return fmt.Sprintf("[%s] stage overridden %s -> %s by %s: %s", evt.ProjectID, from, evt.ToStage, evt.ActorID, md.Reason)
	}
	return strings.TrimSpace(fmt.Sprintf("[%s] stage advanced %s -> %s by %s", evt.ProjectID, from, evt.ToStage, evt.ActorID))
}

// eventFilter restricts a notifier to the listed event types; empty means all.
type eventFilter struct {
	set map[domain.EventType]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[domain.EventType]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[domain.EventType(key)] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(t domain.EventType) bool {
	if len(f.set) == 0 {
		return true
	}
	_, ok := f.set[t]
	return ok
}
