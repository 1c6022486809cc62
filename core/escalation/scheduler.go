package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"vigil-ims/config"
	"vigil-ims/core/incidents"
	"vigil-ims/core/jobs"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

// JobQueue is the slice of the job queue the escalation engine uses.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts jobs.EnqueueOptions) error
}

// StepJobPayload is the wire shape of one escalation-step job. PolicyID pins
// the job to the policy that was current at scheduling time; the worker drops
// the job silently if the runtime has since moved to another policy.
type StepJobPayload struct {
	OrganizationID string `json:"organization_id"`
	IncidentID     string `json:"incident_id"`
	PolicyID       string `json:"policy_id"`
	StepOrder      int    `json:"step_order"`
}

// StepJobID builds the deterministic job id so that rescheduling the same
// step replaces the pending job instead of duplicating it.
func StepJobID(incidentID string, stepOrder int) string {
	return fmt.Sprintf("%s:%d", incidentID, stepOrder)
}

// Scheduler selects the escalation policy for an incident and enqueues its
// steps.
type Scheduler struct {
	db          *sql.DB
	incidents   store.IncidentsStore
	events      store.EventStore
	escalations store.EscalationStore
	directory   store.DirectoryStore
	queue       JobQueue
	cfg         config.EscalationConfig
	logger      *utils.Logger
}

func NewScheduler(db *sql.DB, incidentsStore store.IncidentsStore, events store.EventStore, escalations store.EscalationStore, directory store.DirectoryStore, queue JobQueue, cfg config.EscalationConfig, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		db:          db,
		incidents:   incidentsStore,
		events:      events,
		escalations: escalations,
		directory:   directory,
		queue:       queue,
		cfg:         cfg,
		logger:      logger,
	}
}

// ScheduleForIncident re-runs policy selection for the incident. Each call
// fully supersedes the previous runtime state: the runtime row is rewritten
// in one transaction with the scheduling event, and in-flight jobs from the
// old policy self-detect as stale when they fire.
//
// When no policy matches, escalation falls back to the declaring team: the
// runtime is parked at step 1 with no policy and nothing is enqueued. When a
// policy matches, one delayed job per step is enqueued under the
// deterministic "<incidentId>:<stepOrder>" id so re-scheduling collapses
// duplicate jobs on the queue.
func (s *Scheduler) ScheduleForIncident(ctx context.Context, incidentID string) error {
	inc, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident %s: %w", incidentID, store.ErrNotFound)
	}
	state, err := s.events.GetCurrentState(ctx, incidentID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("incident state %s: %w", incidentID, store.ErrNotFound)
	}
	if incidents.IsSettled(state.Status) {
		return nil
	}
	assetTypes, err := s.incidents.ListIncidentAssetTypes(ctx, incidentID)
	if err != nil {
		return err
	}
	loc := s.incidentLocation(ctx, inc)
	policies, err := s.escalations.ListActivePolicies(ctx, inc.OrganizationID, inc.FacilityID)
	if err != nil {
		return err
	}
	selected := SelectPolicy(policies, MatchInput{
		Severity:   state.Severity,
		AreaID:     inc.AreaID,
		AssetTypes: assetTypes,
		Now:        utils.NowUTC(),
		Location:   loc,
	})
	if selected == nil {
		// The declaring team already holds the incident; nothing further to
		// schedule.
		if err := s.resetAndRecord(ctx, incidentID, nil, 1, map[string]any{
			"action": "fallback_declaring_team",
		}); err != nil {
			return err
		}
		s.logger.Printf("escalation: no policy matches incident %s, fallback to declaring team", incidentID)
		return nil
	}
	steps, err := s.escalations.ListPolicySteps(ctx, selected.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("policy %s has no steps", selected.ID)
	}
	if err := s.resetAndRecord(ctx, incidentID, &selected.ID, 0, map[string]any{
		"action":     "policy_selected",
		"policy_id":  selected.ID,
		"step_count": len(steps),
	}); err != nil {
		return err
	}
	for _, step := range steps {
		delay := time.Duration(step.DelayMinutes) * time.Minute
		if delay < 0 {
			delay = 0
		}
		err := s.queue.Enqueue(ctx, s.cfg.StepJobType, StepJobPayload{
			OrganizationID: inc.OrganizationID,
			IncidentID:     incidentID,
			PolicyID:       selected.ID,
			StepOrder:      step.StepOrder,
		}, jobs.EnqueueOptions{JobID: StepJobID(incidentID, step.StepOrder), Delay: delay})
		if err != nil {
			return err
		}
	}
	s.logger.Printf("escalation: incident %s scheduled on policy %s (%d steps)", incidentID, selected.ID, len(steps))
	return nil
}

// resetAndRecord rewrites the runtime row and appends the scheduling event in
// one transaction.
func (s *Scheduler) resetAndRecord(ctx context.Context, incidentID string, policyID *string, latestStepOrder int, payload map[string]any) error {
	eventID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		st, err := s.events.LockCurrentState(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		if err := s.escalations.ResetRuntimeTx(ctx, tx, incidentID, policyID, latestStepOrder); err != nil {
			return err
		}
		ev := &store.IncidentEvent{
			ID:        eventID.String(),
			EventType: "escalation",
			ActorType: store.ActorSystem,
			Payload:   payload,
		}
		_, err = s.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{})
		return err
	})
}

func (s *Scheduler) incidentLocation(ctx context.Context, inc *store.Incident) *time.Location {
	if strings.TrimSpace(inc.FacilityID) == "" {
		return time.UTC
	}
	facility, err := s.directory.GetFacility(ctx, inc.FacilityID)
	if err != nil || facility == nil {
		return time.UTC
	}
	if tz := strings.TrimSpace(facility.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
