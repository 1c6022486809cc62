package incidents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"

	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

// Escalator schedules the first escalation step for an incident. Declared as
// a local interface so the incident lifecycle does not depend on the
// escalation engine directly.
type Escalator interface {
	ScheduleForIncident(ctx context.Context, incidentID string) error
}

var (
	ErrBadSeverity   = errors.New("unknown severity")
	ErrSettled       = errors.New("incident is resolved or closed")
	ErrEmptyTitle    = errors.New("incident title required")
	ErrUnknownStatus = errors.New("unknown status")
)

// Service owns the incident lifecycle: declaration, status transitions,
// severity changes, and assignment. Every mutation appends an event and
// updates the projection in one transaction.
type Service struct {
	db          *sql.DB
	incidents   store.IncidentsStore
	events      store.EventStore
	escalations store.EscalationStore
	escalator   Escalator
	logger      *utils.Logger
}

func NewService(db *sql.DB, incidentsStore store.IncidentsStore, events store.EventStore, escalations store.EscalationStore, logger *utils.Logger) *Service {
	return &Service{
		db:          db,
		incidents:   incidentsStore,
		events:      events,
		escalations: escalations,
		logger:      logger,
	}
}

// SetEscalator wires the escalation scheduler in after construction; the
// scheduler itself needs the stores this service is built from.
func (s *Service) SetEscalator(e Escalator) {
	s.escalator = e
}

type DeclareParams struct {
	OrganizationID     string
	FacilityID         string
	AreaID             string
	Title              string
	Severity           string
	ChannelRef         string
	DeclaredByMemberID string
	Assets             []store.IncidentAsset
	SourcePlatform     string
	SourceEventID      string
	RawSourcePayload   string
}

// Declare creates the incident, its first event, the projection row, and the
// escalation runtime in one transaction, then kicks off escalation
// scheduling. A scheduling failure is logged but never fails the declare.
func (s *Service) Declare(ctx context.Context, p DeclareParams) (*store.Incident, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, ErrEmptyTitle
	}
	severity := strings.ToUpper(strings.TrimSpace(p.Severity))
	if !ValidSeverity(severity) {
		return nil, fmt.Errorf("%w: %q", ErrBadSeverity, p.Severity)
	}
	incidentID, err := newID()
	if err != nil {
		return nil, err
	}
	eventID, err := newID()
	if err != nil {
		return nil, err
	}
	inc := &store.Incident{
		ID:                 incidentID,
		OrganizationID:     p.OrganizationID,
		FacilityID:         p.FacilityID,
		AreaID:             p.AreaID,
		Title:              strings.TrimSpace(p.Title),
		ChannelRef:         p.ChannelRef,
		DeclaredByMemberID: p.DeclaredByMemberID,
	}
	for i := range p.Assets {
		p.Assets[i].IncidentID = incidentID
	}
	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.incidents.CreateIncidentTx(ctx, tx, inc, p.Assets); err != nil {
			return err
		}
		ev := &store.IncidentEvent{
			ID:               eventID,
			EventType:        "declared",
			ActorType:        actorType(p.DeclaredByMemberID),
			ActorMemberID:    optionalID(p.DeclaredByMemberID),
			SourcePlatform:   p.SourcePlatform,
			SourceEventID:    p.SourceEventID,
			RawSourcePayload: p.RawSourcePayload,
			Payload: map[string]any{
				"title":    inc.Title,
				"severity": severity,
				"status":   StatusDeclared,
			},
		}
		initial := &store.IncidentCurrentState{
			IncidentID:     incidentID,
			OrganizationID: p.OrganizationID,
			Status:         StatusDeclared,
			Severity:       severity,
		}
		if err := s.events.InsertInitialEventTx(ctx, tx, ev, initial); err != nil {
			return err
		}
		return s.escalations.CreateRuntimeTx(ctx, tx, &store.IncidentEscalationRuntime{
			IncidentID:     incidentID,
			OrganizationID: p.OrganizationID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.scheduleEscalation(ctx, incidentID)
	return inc, nil
}

type ChangeParams struct {
	IncidentID    string
	ActorMemberID string
}

// ChangeStatus appends a status-change event after validating the transition
// against the locked projection. Reopening a closed incident resets the
// escalation runtime and starts a fresh escalation run.
func (s *Service) ChangeStatus(ctx context.Context, p ChangeParams, newStatus string) (int64, error) {
	newStatus = strings.ToUpper(strings.TrimSpace(newStatus))
	if !ValidStatus(newStatus) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, newStatus)
	}
	eventID, err := newID()
	if err != nil {
		return 0, err
	}
	var seq int64
	var reopened bool
	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		st, err := s.events.LockCurrentState(ctx, tx, p.IncidentID)
		if err != nil {
			return err
		}
		if err := CheckTransition(st.Status, newStatus); err != nil {
			return err
		}
		reopened = IsReopen(st.Status, newStatus)
		ev := &store.IncidentEvent{
			ID:            eventID,
			EventType:     "status_change",
			ActorType:     actorType(p.ActorMemberID),
			ActorMemberID: optionalID(p.ActorMemberID),
			Payload: map[string]any{
				"from": st.Status,
				"to":   newStatus,
			},
		}
		seq, err = s.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{Status: &newStatus})
		if err != nil {
			return err
		}
		if reopened {
			return s.escalations.ResetRuntimeTx(ctx, tx, p.IncidentID, nil, 0)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reopened {
		s.scheduleEscalation(ctx, p.IncidentID)
	}
	return seq, nil
}

// ChangeSeverity appends a severity-change event. Settled incidents reject
// severity changes; an unchanged severity is a no-op. A severity change can
// alter which policy matches, so scheduling is re-run afterwards.
func (s *Service) ChangeSeverity(ctx context.Context, p ChangeParams, newSeverity string) (int64, error) {
	newSeverity = strings.ToUpper(strings.TrimSpace(newSeverity))
	if !ValidSeverity(newSeverity) {
		return 0, fmt.Errorf("%w: %q", ErrBadSeverity, newSeverity)
	}
	eventID, err := newID()
	if err != nil {
		return 0, err
	}
	var seq int64
	var changed bool
	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		st, err := s.events.LockCurrentState(ctx, tx, p.IncidentID)
		if err != nil {
			return err
		}
		if IsSettled(st.Status) {
			return fmt.Errorf("%w: status %s", ErrSettled, st.Status)
		}
		if st.Severity == newSeverity {
			seq = st.LastEventSequence
			return nil
		}
		changed = true
		ev := &store.IncidentEvent{
			ID:            eventID,
			EventType:     "severity_change",
			ActorType:     actorType(p.ActorMemberID),
			ActorMemberID: optionalID(p.ActorMemberID),
			Payload: map[string]any{
				"from": st.Severity,
				"to":   newSeverity,
			},
		}
		seq, err = s.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{Severity: &newSeverity})
		return err
	})
	if err != nil {
		return 0, err
	}
	if changed {
		s.scheduleEscalation(ctx, p.IncidentID)
	}
	return seq, nil
}

// Assign sets or clears the incident assignee. An empty assignee clears it.
func (s *Service) Assign(ctx context.Context, p ChangeParams, assigneeMemberID string) (int64, error) {
	eventID, err := newID()
	if err != nil {
		return 0, err
	}
	assigneeMemberID = strings.TrimSpace(assigneeMemberID)
	var seq int64
	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		st, err := s.events.LockCurrentState(ctx, tx, p.IncidentID)
		if err != nil {
			return err
		}
		payload := map[string]any{"assignee": assigneeMemberID}
		if st.AssignedToMemberID != nil {
			payload["previous"] = *st.AssignedToMemberID
		}
		ev := &store.IncidentEvent{
			ID:            eventID,
			EventType:     "assignee_change",
			ActorType:     actorType(p.ActorMemberID),
			ActorMemberID: optionalID(p.ActorMemberID),
			Payload:       payload,
		}
		seq, err = s.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{
			AssigneeSet: true,
			Assignee:    optionalID(assigneeMemberID),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Service) GetCurrentState(ctx context.Context, incidentID string) (*store.IncidentCurrentState, error) {
	return s.events.GetCurrentState(ctx, incidentID)
}

func (s *Service) ListEvents(ctx context.Context, incidentID string, limit int) ([]store.IncidentEvent, error) {
	return s.events.ListEvents(ctx, incidentID, limit)
}

func (s *Service) scheduleEscalation(ctx context.Context, incidentID string) {
	if s.escalator == nil {
		return
	}
	if err := s.escalator.ScheduleForIncident(ctx, incidentID); err != nil {
		s.logger.Errorf("incidents: schedule escalation for %s: %v", incidentID, err)
	}
}

func actorType(memberID string) string {
	if strings.TrimSpace(memberID) == "" {
		return store.ActorSystem
	}
	return store.ActorMember
}

func optionalID(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
