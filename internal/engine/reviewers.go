package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ContactDirectory resolves reviewer contacts. It is consulted only when
// assigning reviewers.
type ContactDirectory interface {
	GetContact(ctx context.Context, id string) (domain.Contact, error)
}

// SQLContacts reads contacts from the workspace database.
type SQLContacts struct {
	Repo repo.Repo
}

func (s SQLContacts) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	return s.Repo.GetContact(ctx, nil, id)
}

// AssignReviewer links an active contact to a gate and records a
// reviewer_assigned event. A contact may be assigned to a gate once.
func (e Engine) AssignReviewer(ctx context.Context, gateID, contactID, role, actorID string) (rv domain.GateReviewer, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.AssignReviewer",
		attribute.String("gate.id", gateID), attribute.String("contact.id", contactID))
	defer func() { finishSpan(span, err) }()
	if err := requireActor(actorID); err != nil {
		return rv, evt, err
	}
	unlock, err := e.lockGateProject(ctx, gateID)
	if err != nil {
		return rv, evt, err
	}
	rv, evt, err = e.assignLocked(ctx, gateID, contactID, strings.TrimSpace(role), actorID)
	unlock()
	if err == nil {
		e.dispatch(ctx, evt)
	}
	return rv, evt, err
}

func (e Engine) assignLocked(ctx context.Context, gateID, contactID, role, actorID string) (domain.GateReviewer, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	g, err := e.loadGate(ctx, tx, gateID)
	if err != nil {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, err
	}
	c, err := e.contact(ctx, contactID)
	if err != nil {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, err
	}
	if !c.Active {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, newError(KindContactInactiveMissing,
			map[string]any{"contact_id": contactID}, "contact %s is inactive", contactID)
	}
	dup := newError(KindDuplicateAssignment, map[string]any{"gate_id": gateID, "contact_id": contactID},
		"contact %s is already assigned to gate %s", contactID, g.GateKey)
	if _, err := e.Repo.GetReviewer(ctx, tx, gateID, contactID); err == nil {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, dup
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.GateReviewer{}, domain.WorkflowEvent{}, err
	}

	rv := domain.GateReviewer{
		ID:         uuid.NewString(),
		GateID:     gateID,
		ContactID:  contactID,
		Role:       role,
		AssignedAt: e.timestamp(),
	}
	if err := e.Repo.InsertReviewer(ctx, tx, rv); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.GateReviewer{}, domain.WorkflowEvent{}, dup
		}
		return domain.GateReviewer{}, domain.WorkflowEvent{}, fmt.Errorf("insert reviewer: %w", err)
	}
	evt, err := e.appendEvent(ctx, tx, domain.WorkflowEvent{
		ProjectID: g.ProjectID,
		Type:      domain.EventReviewerAssigned,
		ToStage:   g.StageID,
		ActorID:   actorID,
		Metadata: domain.ReviewerAssignedMetadata{
			GateID:     g.ID,
			GateKey:    g.GateKey,
			ReviewerID: rv.ID,
			ContactID:  contactID,
			Role:       role,
		},
	})
	if err != nil {
		return rv, evt, err
	}
	if err := tx.Commit(); err != nil {
		return rv, evt, err
	}
	return rv, evt, nil
}

func (e Engine) contact(ctx context.Context, id string) (domain.Contact, error) {
	dir := e.Contacts
	if dir == nil {
		dir = SQLContacts{Repo: e.Repo}
	}
	c, err := dir.GetContact(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, newError(KindContactInactiveMissing, map[string]any{"contact_id": id}, "contact %s not found", id)
	}
	return c, err
}

// RemoveReviewer unlinks a contact from a gate.
func (e Engine) RemoveReviewer(ctx context.Context, gateID, contactID string) error {
	unlock, err := e.lockGateProject(ctx, gateID)
	if err != nil {
		return err
	}
	defer unlock()
	err = e.Repo.DeleteReviewer(ctx, nil, gateID, contactID)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(KindInvalidInput, map[string]any{"gate_id": gateID, "contact_id": contactID},
			"contact %s is not assigned to gate %s", contactID, gateID)
	}
	return err
}

func (e Engine) ListReviewers(ctx context.Context, gateID string) ([]domain.GateReviewer, error) {
	if _, err := e.loadGate(ctx, nil, gateID); err != nil {
		return nil, err
	}
	return e.Repo.ListReviewers(ctx, nil, gateID)
}

type ContactInput struct {
	ID    string
	Name  string
	Email string
}

func (e Engine) CreateContact(ctx context.Context, in ContactInput) (domain.Contact, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Contact{}, newError(KindInvalidInput, nil, "contact name is required")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Contact{
		ID:        id,
		Name:      name,
		Email:     strings.TrimSpace(in.Email),
		Active:    true,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertContact(ctx, nil, c); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return c, fmt.Errorf("contact %s already exists: %w", id, repo.ErrDuplicate)
		}
		return c, err
	}
	return c, nil
}

func (e Engine) ListContacts(ctx context.Context, includeInactive bool) ([]domain.Contact, error) {
	return e.Repo.ListContacts(ctx, includeInactive)
}

// SetContactActive toggles a contact. Existing assignments are kept.
func (e Engine) SetContactActive(ctx context.Context, id string, active bool) error {
	err := e.Repo.SetContactActive(ctx, id, active)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(KindContactInactiveMissing, map[string]any{"contact_id": id}, "contact %s not found", id)
	}
	return err
}
