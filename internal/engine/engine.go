package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/metrics"
	"stageline/internal/notify"
	"stageline/internal/repo"
	"stageline/internal/template"
)

const tracerName = "stageline/engine"

// Engine owns every workflow mutation. Each mutation runs in one SQL
// transaction under a per-entity lock and appends its audit event in the
// same transaction.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Templates *template.Registry
	Contacts  ContactDirectory
	Notify    *notify.Dispatcher
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    zerolog.Logger
	Now       func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, templates *template.Registry) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Templates: templates,
		Contacts:  SQLContacts{Repo: r},
		Tracer:    otel.Tracer(tracerName),
		Logger:    zerolog.Nop(),
		Now:       time.Now,
		locks:     newKeyedMutex(),
	}
}

var fallbackLocks = newKeyedMutex()

func (e Engine) lock(key string) func() {
	if e.locks != nil {
		return e.locks.Lock(key)
	}
	return fallbackLocks.Lock(key)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evt domain.WorkflowEvent) (domain.WorkflowEvent, error) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evt)
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := e.Tracer
	if tr == nil {
		tr = otel.Tracer(tracerName)
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if k := KindOf(err); k != "" {
			span.SetAttributes(attribute.String("error.kind", string(k)))
		}
	}
	span.End()
}

// conflict converts a lost optimistic-lock race into ConcurrentModification.
func (e Engine) conflict(entity, id string) *Error {
	e.Metrics.RecordConflict()
	e.Logger.Warn().Str("entity", entity).Str("id", id).Msg("concurrent modification detected")
	return newError(KindConcurrentModification, map[string]any{"entity": entity, "id": id},
		"%s %s was modified concurrently; reload and retry", entity, id)
}

func (e Engine) loadProject(ctx context.Context, tx *sql.Tx, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, newError(KindProjectNotFound, map[string]any{"project_id": projectID}, "project %s not found", projectID)
	}
	return p, err
}

func (e Engine) loadGate(ctx context.Context, tx *sql.Tx, gateID string) (domain.Gate, error) {
	g, err := e.Repo.GetGate(ctx, tx, gateID)
	if errors.Is(err, repo.ErrNotFound) {
		return g, newError(KindGateNotFound, map[string]any{"gate_id": gateID}, "gate %s not found", gateID)
	}
	return g, err
}

func (e Engine) templateFor(p domain.Project) (*template.WorkflowTemplate, error) {
	if e.Templates == nil {
		return nil, newError(KindConfiguration, nil, "no template registry configured")
	}
	return e.Templates.Load(p.Workflow.TemplateID)
}

func (e Engine) dispatch(ctx context.Context, evt domain.WorkflowEvent) {
	e.Notify.Dispatch(ctx, evt)
}

func requireActor(actorID string) error {
	if actorID == "" {
		return newError(KindInvalidInput, nil, "actor id is required")
	}
	return nil
}
