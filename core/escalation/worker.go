package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"vigil-ims/config"
	"vigil-ims/core/chatops"
	"vigil-ims/core/incidents"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

var ErrNotNotified = errors.New("only notified members can acknowledge")

// Worker executes escalation-step jobs. Redeliveries are expected (the queue
// is at-least-once), so every effect is idempotent: step targets upsert on a
// fixed key and the runtime's latest step only moves forward.
type Worker struct {
	db          *sql.DB
	incidents   store.IncidentsStore
	events      store.EventStore
	escalations store.EscalationStore
	directory   store.DirectoryStore
	sender      chatops.Sender
	chatCfg     config.ChatConfig
	logger      *utils.Logger
}

func NewWorker(db *sql.DB, incidentsStore store.IncidentsStore, events store.EventStore, escalations store.EscalationStore, directory store.DirectoryStore, sender chatops.Sender, chatCfg config.ChatConfig, logger *utils.Logger) *Worker {
	return &Worker{
		db:          db,
		incidents:   incidentsStore,
		events:      events,
		escalations: escalations,
		directory:   directory,
		sender:      sender,
		chatCfg:     chatCfg,
		logger:      logger,
	}
}

// stepDelivery is the bookkeeping a fired step leaves behind, recorded on the
// step-execution event.
type stepDelivery struct {
	activeTeamIDs   []string
	inactiveTeamIDs []string
	targetMemberIDs []string
	notifiedExtIDs  []string
	unresolvedIDs   []string
}

// HandleStepJob is the queue handler for escalation-step jobs.
//
// Jobs can fire minutes after scheduling, so everything is re-validated
// against current state. A job is a silent no-op when the runtime is gone or
// pinned to a different policy, when the step definition is missing, when the
// incident has settled, or when the incident is acknowledged and the step is
// marked ifUnacked. Chat delivery failures return an error so the queue
// retries the whole step.
func (w *Worker) HandleStepJob(ctx context.Context, payload []byte) error {
	var p StepJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode step payload: %w", err)
	}
	rt, err := w.escalations.GetRuntime(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	if rt == nil || rt.PolicyID == nil || *rt.PolicyID != p.PolicyID {
		// Stale job from a superseded scheduling pass.
		return nil
	}
	state, err := w.events.GetCurrentState(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	if state == nil || incidents.IsSettled(state.Status) {
		return nil
	}
	step, err := w.escalations.GetPolicyStep(ctx, p.PolicyID, p.StepOrder)
	if err != nil {
		return err
	}
	if step == nil {
		return nil
	}
	if step.IfUnacked && rt.AckedAt != nil {
		// Acknowledgment short-circuits this step entirely.
		return nil
	}
	inc, err := w.incidents.GetIncident(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return nil
	}

	delivery, err := w.deliverStep(ctx, inc, state, step)
	if err != nil {
		return err
	}
	if err := w.recordStepExecuted(ctx, p, step, delivery); err != nil {
		return err
	}
	return w.escalations.AdvanceLatestStep(ctx, p.IncidentID, p.StepOrder)
}

func (w *Worker) deliverStep(ctx context.Context, inc *store.Incident, state *store.IncidentCurrentState, step *store.EscalationPolicyStep) (*stepDelivery, error) {
	d := &stepDelivery{}
	memberIDs, err := w.resolveTargetMembers(ctx, step, d)
	if err != nil {
		return nil, err
	}
	d.targetMemberIDs = memberIDs

	facilityName := w.facilityName(ctx, inc.FacilityID)
	text := buildStepMessage(inc, state, step, facilityName)

	type recipient struct {
		memberID string
		extID    string
	}
	var recipients []recipient
	for _, memberID := range memberIDs {
		extID, err := w.directory.ResolveChatIdentity(ctx, memberID, w.chatCfg.Platform)
		if err != nil {
			return nil, err
		}
		if extID == "" {
			// No identity on the platform; recorded on the event instead of
			// blocking delivery to the others.
			d.unresolvedIDs = append(d.unresolvedIDs, memberID)
			continue
		}
		recipients = append(recipients, recipient{memberID: memberID, extID: extID})
		d.notifiedExtIDs = append(d.notifiedExtIDs, extID)
	}

	if inc.ChannelRef != "" && len(d.notifiedExtIDs) > 0 {
		if err := w.sender.AddMembers(ctx, inc.ChannelRef, d.notifiedExtIDs); err != nil {
			return nil, fmt.Errorf("add channel members: %w", err)
		}
	}
	for _, r := range recipients {
		if err := w.sender.Send(ctx, chatops.ChatMessage{
			RecipientID: r.extID,
			ChannelRef:  inc.ChannelRef,
			Text:        text,
		}); err != nil {
			return nil, fmt.Errorf("notify member %s: %w", r.memberID, err)
		}
		if err := w.escalations.UpsertStepTarget(ctx, &store.IncidentEscalationStepTarget{
			IncidentID:     inc.ID,
			StepOrder:      step.StepOrder,
			TargetMemberID: r.memberID,
			NotifyType:     step.NotifyType,
		}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// resolveTargetMembers expands the step's targets into member ids. Team
// targets are partitioned by shift activity; only on-shift teams contribute
// their rosters.
func (w *Worker) resolveTargetMembers(ctx context.Context, step *store.EscalationPolicyStep, d *stepDelivery) ([]string, error) {
	if step.NotifyType == "member" {
		return dedupe(step.NotifyTargetIDs), nil
	}
	var teams []store.Team
	for _, teamID := range step.NotifyTargetIDs {
		team, err := w.directory.GetTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if team == nil {
			w.logger.Errorf("escalation: step targets unknown team %s", teamID)
			continue
		}
		teams = append(teams, *team)
	}
	active, inactive := PartitionTeamsByActivity(teams, utils.NowUTC())
	var members []string
	for _, team := range active {
		d.activeTeamIDs = append(d.activeTeamIDs, team.ID)
		roster, err := w.directory.ListTeamMemberIDs(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		members = append(members, roster...)
	}
	for _, team := range inactive {
		d.inactiveTeamIDs = append(d.inactiveTeamIDs, team.ID)
		w.logger.Printf("escalation: team %s off shift, skipped", team.ID)
	}
	return dedupe(members), nil
}

func (w *Worker) facilityName(ctx context.Context, facilityID string) string {
	if facilityID == "" {
		return ""
	}
	facility, err := w.directory.GetFacility(ctx, facilityID)
	if err != nil || facility == nil {
		return ""
	}
	return facility.Name
}

func (w *Worker) recordStepExecuted(ctx context.Context, p StepJobPayload, step *store.EscalationPolicyStep, d *stepDelivery) error {
	eventID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	payload := map[string]any{
		"action":        "step_executed",
		"step_order":    p.StepOrder,
		"notify_type":   step.NotifyType,
		"delay_minutes": step.DelayMinutes,
	}
	if len(step.NotifyTargetIDs) > 0 {
		payload["notify_target_ids"] = step.NotifyTargetIDs
	}
	if len(d.activeTeamIDs) > 0 {
		payload["active_target_ids"] = d.activeTeamIDs
	}
	if len(d.inactiveTeamIDs) > 0 {
		payload["inactive_target_ids"] = d.inactiveTeamIDs
	}
	if len(d.targetMemberIDs) > 0 {
		payload["target_member_ids"] = d.targetMemberIDs
	}
	if len(d.notifiedExtIDs) > 0 {
		payload["notified_platform_user_ids"] = d.notifiedExtIDs
	}
	if len(d.unresolvedIDs) > 0 {
		payload["unresolved_member_ids"] = d.unresolvedIDs
	}
	return store.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		st, err := w.events.LockCurrentState(ctx, tx, p.IncidentID)
		if err != nil {
			return err
		}
		ev := &store.IncidentEvent{
			ID:        eventID.String(),
			EventType: "escalation",
			ActorType: store.ActorSystem,
			Payload:   payload,
		}
		_, err = w.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{})
		return err
	})
}

// Acknowledge records a member's acknowledgment. Once a step has fired, only
// members notified in the latest executed step may acknowledge. The first ack
// wins on the runtime; later acks only mark the member's own target row.
func (w *Worker) Acknowledge(ctx context.Context, incidentID, memberID string) error {
	rt, err := w.escalations.GetRuntime(ctx, incidentID)
	if err != nil {
		return err
	}
	if rt == nil {
		return fmt.Errorf("escalation runtime %s: %w", incidentID, store.ErrNotFound)
	}
	now := utils.NowUTC()
	if rt.LatestStepOrder > 0 && memberID != "" {
		target, err := w.escalations.GetStepTarget(ctx, incidentID, rt.LatestStepOrder, memberID)
		if err != nil {
			return err
		}
		if target == nil {
			return ErrNotNotified
		}
		if _, err := w.escalations.AcknowledgeStepTarget(ctx, incidentID, rt.LatestStepOrder, memberID, now); err != nil {
			return err
		}
	}
	if err := w.escalations.SetAcked(ctx, incidentID, memberID, now); err != nil {
		return err
	}
	eventID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return store.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		st, err := w.events.LockCurrentState(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		ev := &store.IncidentEvent{
			ID:            eventID.String(),
			EventType:     "escalation",
			ActorType:     store.ActorMember,
			ActorMemberID: &memberID,
			Payload: map[string]any{
				"action":                    "acknowledged",
				"step_order":                rt.LatestStepOrder,
				"acknowledged_by_member_id": memberID,
			},
		}
		_, err = w.events.AppendEvent(ctx, tx, st, ev, store.ProjectionPatch{})
		return err
	})
}

func dedupe(ids []string) []string {
	seen := map[string]struct{}{}
	var res []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}
