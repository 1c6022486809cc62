package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrBadStepOrder = errors.New("policy steps must be contiguous starting at 1")

// EscalationStore covers escalation policies with their steps, the
// per-incident escalation runtime row, and the per-step notified targets.
type EscalationStore interface {
	CreatePolicy(ctx context.Context, p *EscalationPolicy, steps []EscalationPolicyStep) error
	GetPolicy(ctx context.Context, id string) (*EscalationPolicy, error)
	ListActivePolicies(ctx context.Context, organizationID, facilityID string) ([]EscalationPolicy, error)
	SetPolicyActive(ctx context.Context, id string, active bool) error
	ListPolicySteps(ctx context.Context, policyID string) ([]EscalationPolicyStep, error)
	GetPolicyStep(ctx context.Context, policyID string, stepOrder int) (*EscalationPolicyStep, error)

	GetRuntime(ctx context.Context, incidentID string) (*IncidentEscalationRuntime, error)
	CreateRuntimeTx(ctx context.Context, tx *sql.Tx, rt *IncidentEscalationRuntime) error
	SetRuntimePolicy(ctx context.Context, incidentID string, policyID *string) error
	SetAcked(ctx context.Context, incidentID, memberID string, at time.Time) error
	ResetRuntimeTx(ctx context.Context, tx *sql.Tx, incidentID string, policyID *string, latestStepOrder int) error
	AdvanceLatestStep(ctx context.Context, incidentID string, stepOrder int) error

	UpsertStepTarget(ctx context.Context, t *IncidentEscalationStepTarget) error
	ListStepTargets(ctx context.Context, incidentID string) ([]IncidentEscalationStepTarget, error)
	GetStepTarget(ctx context.Context, incidentID string, stepOrder int, memberID string) (*IncidentEscalationStepTarget, error)
	AcknowledgeStepTarget(ctx context.Context, incidentID string, stepOrder int, memberID string, at time.Time) (int64, error)
}

type escalationStore struct {
	db *sql.DB
}

func NewEscalationStore(db *sql.DB) EscalationStore {
	return &escalationStore{db: db}
}

// validateSteps enforces the contiguity rule: orders 1..N with no gaps or
// duplicates, and at least one step.
func validateSteps(steps []EscalationPolicyStep) error {
	if len(steps) == 0 {
		return ErrBadStepOrder
	}
	orders := make([]int, 0, len(steps))
	for _, s := range steps {
		orders = append(orders, s.StepOrder)
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			return fmt.Errorf("%w: got order %d at position %d", ErrBadStepOrder, o, i+1)
		}
	}
	return nil
}

func (s *escalationStore) CreatePolicy(ctx context.Context, p *EscalationPolicy, steps []EscalationPolicyStep) error {
	if err := validateSteps(steps); err != nil {
		return err
	}
	for _, st := range steps {
		if st.DelayMinutes < 0 {
			return fmt.Errorf("step %d: negative delay", st.StepOrder)
		}
		nt := strings.TrimSpace(st.NotifyType)
		if nt != "team" && nt != "member" {
			return fmt.Errorf("step %d: unknown notify type %q", st.StepOrder, st.NotifyType)
		}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_policies(id, organization_id, facility_id, name, conditions_json, priority, is_active, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			p.ID, p.OrganizationID, nullableStr(p.FacilityID), strings.TrimSpace(p.Name),
			p.Conditions.encode(), nullableFloat(p.Priority), boolToInt(p.IsActive), now, now); err != nil {
			return err
		}
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO escalation_policy_steps(policy_id, step_order, delay_minutes, notify_type, notify_target_ids_json, if_unacked)
				VALUES(?,?,?,?,?,?)`,
				p.ID, st.StepOrder, st.DelayMinutes, strings.TrimSpace(st.NotifyType),
				idsToJSON(dedupeIDs(st.NotifyTargetIDs)), boolToInt(st.IfUnacked)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *escalationStore) GetPolicy(ctx context.Context, id string) (*EscalationPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, facility_id, name, conditions_json, priority, is_active, created_at, updated_at
		FROM escalation_policies WHERE id=?`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *escalationStore) ListActivePolicies(ctx context.Context, organizationID, facilityID string) ([]EscalationPolicy, error) {
	// Facility-scoped policies apply only within their facility; org-wide
	// policies (NULL facility) apply everywhere.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, facility_id, name, conditions_json, priority, is_active, created_at, updated_at
		FROM escalation_policies
		WHERE organization_id=? AND is_active=1 AND (facility_id IS NULL OR facility_id=?)
		ORDER BY created_at ASC, id ASC`, organizationID, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EscalationPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*EscalationPolicy, error) {
	var p EscalationPolicy
	var facility sql.NullString
	var priority sql.NullFloat64
	var conditionsRaw string
	var active int
	if err := row.Scan(&p.ID, &p.OrganizationID, &facility, &p.Name, &conditionsRaw, &priority, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if facility.Valid {
		p.FacilityID = &facility.String
	}
	if priority.Valid {
		p.Priority = &priority.Float64
	}
	p.Conditions = ParseConditions(conditionsRaw)
	p.IsActive = active != 0
	return &p, nil
}

func (s *escalationStore) SetPolicyActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalation_policies SET is_active=?, updated_at=? WHERE id=?`,
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *escalationStore) ListPolicySteps(ctx context.Context, policyID string) ([]EscalationPolicyStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, step_order, delay_minutes, notify_type, notify_target_ids_json, if_unacked
		FROM escalation_policy_steps WHERE policy_id=? ORDER BY step_order ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EscalationPolicyStep
	for rows.Next() {
		st, err := scanPolicyStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *st)
	}
	return res, rows.Err()
}

func (s *escalationStore) GetPolicyStep(ctx context.Context, policyID string, stepOrder int) (*EscalationPolicyStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_id, step_order, delay_minutes, notify_type, notify_target_ids_json, if_unacked
		FROM escalation_policy_steps WHERE policy_id=? AND step_order=?`, policyID, stepOrder)
	st, err := scanPolicyStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

func scanPolicyStep(row rowScanner) (*EscalationPolicyStep, error) {
	var st EscalationPolicyStep
	var targetsRaw string
	var ifUnacked int
	if err := row.Scan(&st.PolicyID, &st.StepOrder, &st.DelayMinutes, &st.NotifyType, &targetsRaw, &ifUnacked); err != nil {
		return nil, err
	}
	st.NotifyTargetIDs = idsFromJSON(targetsRaw)
	st.IfUnacked = ifUnacked != 0
	return &st, nil
}

func (s *escalationStore) GetRuntime(ctx context.Context, incidentID string) (*IncidentEscalationRuntime, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, organization_id, policy_id, acked_at, acked_by_member_id, latest_step_order, updated_at
		FROM incident_escalation_runtime WHERE incident_id=?`, incidentID)
	var rt IncidentEscalationRuntime
	var policyID, ackedBy sql.NullString
	var ackedAt sql.NullTime
	if err := row.Scan(&rt.IncidentID, &rt.OrganizationID, &policyID, &ackedAt, &ackedBy, &rt.LatestStepOrder, &rt.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if policyID.Valid {
		rt.PolicyID = &policyID.String
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		rt.AckedAt = &t
	}
	if ackedBy.Valid {
		rt.AckedByMemberID = &ackedBy.String
	}
	return &rt, nil
}

func (s *escalationStore) CreateRuntimeTx(ctx context.Context, tx *sql.Tx, rt *IncidentEscalationRuntime) error {
	rt.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_escalation_runtime(incident_id, organization_id, policy_id, acked_at, acked_by_member_id, latest_step_order, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		rt.IncidentID, rt.OrganizationID, nullableStr(rt.PolicyID), nullableTime(rt.AckedAt), nullableStr(rt.AckedByMemberID), rt.LatestStepOrder, rt.UpdatedAt)
	return err
}

func (s *escalationStore) SetRuntimePolicy(ctx context.Context, incidentID string, policyID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incident_escalation_runtime SET policy_id=?, updated_at=? WHERE incident_id=?`,
		nullableStr(policyID), time.Now().UTC(), incidentID)
	return err
}

func (s *escalationStore) SetAcked(ctx context.Context, incidentID, memberID string, at time.Time) error {
	// First ack wins; later acks leave acked_at/acked_by untouched.
	_, err := s.db.ExecContext(ctx, `
		UPDATE incident_escalation_runtime SET acked_at=?, acked_by_member_id=?, updated_at=?
		WHERE incident_id=? AND acked_at IS NULL`,
		at.UTC(), memberID, time.Now().UTC(), incidentID)
	return err
}

// ResetRuntimeTx clears the ack and rewrites policy and step progress for a
// fresh escalation run. Each scheduling pass fully supersedes the previous
// runtime state.
func (s *escalationStore) ResetRuntimeTx(ctx context.Context, tx *sql.Tx, incidentID string, policyID *string, latestStepOrder int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE incident_escalation_runtime
		SET policy_id=?, acked_at=NULL, acked_by_member_id=NULL, latest_step_order=?, updated_at=?
		WHERE incident_id=?`,
		nullableStr(policyID), latestStepOrder, time.Now().UTC(), incidentID)
	return err
}

func (s *escalationStore) AdvanceLatestStep(ctx context.Context, incidentID string, stepOrder int) error {
	// Monotonic: a late redelivery of an earlier step never moves it back.
	_, err := s.db.ExecContext(ctx, `
		UPDATE incident_escalation_runtime SET latest_step_order=?, updated_at=?
		WHERE incident_id=? AND latest_step_order<?`,
		stepOrder, time.Now().UTC(), incidentID, stepOrder)
	return err
}

func (s *escalationStore) UpsertStepTarget(ctx context.Context, t *IncidentEscalationStepTarget) error {
	// Update-then-insert keeps redeliveries idempotent without driver-specific
	// upsert syntax. A re-notification refreshes notified_at and clears any
	// stale acknowledgment.
	if t.NotifiedAt.IsZero() {
		t.NotifiedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incident_escalation_step_targets SET notify_type=?, notified_at=?, acknowledged_at=NULL
		WHERE incident_id=? AND step_order=? AND target_member_id=?`,
		t.NotifyType, t.NotifiedAt.UTC(), t.IncidentID, t.StepOrder, t.TargetMemberID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incident_escalation_step_targets(incident_id, step_order, target_member_id, notify_type, notified_at, acknowledged_at)
		VALUES(?,?,?,?,?,?)`,
		t.IncidentID, t.StepOrder, t.TargetMemberID, t.NotifyType, t.NotifiedAt.UTC(), nullableTime(t.AcknowledgedAt))
	return err
}

func (s *escalationStore) ListStepTargets(ctx context.Context, incidentID string) ([]IncidentEscalationStepTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, step_order, target_member_id, notify_type, notified_at, acknowledged_at
		FROM incident_escalation_step_targets WHERE incident_id=?
		ORDER BY step_order ASC, target_member_id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []IncidentEscalationStepTarget
	for rows.Next() {
		var t IncidentEscalationStepTarget
		var acked sql.NullTime
		if err := rows.Scan(&t.IncidentID, &t.StepOrder, &t.TargetMemberID, &t.NotifyType, &t.NotifiedAt, &acked); err != nil {
			return nil, err
		}
		if acked.Valid {
			at := acked.Time
			t.AcknowledgedAt = &at
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *escalationStore) GetStepTarget(ctx context.Context, incidentID string, stepOrder int, memberID string) (*IncidentEscalationStepTarget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, step_order, target_member_id, notify_type, notified_at, acknowledged_at
		FROM incident_escalation_step_targets
		WHERE incident_id=? AND step_order=? AND target_member_id=?`, incidentID, stepOrder, memberID)
	var t IncidentEscalationStepTarget
	var acked sql.NullTime
	if err := row.Scan(&t.IncidentID, &t.StepOrder, &t.TargetMemberID, &t.NotifyType, &t.NotifiedAt, &acked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if acked.Valid {
		at := acked.Time
		t.AcknowledgedAt = &at
	}
	return &t, nil
}

func (s *escalationStore) AcknowledgeStepTarget(ctx context.Context, incidentID string, stepOrder int, memberID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incident_escalation_step_targets SET acknowledged_at=?
		WHERE incident_id=? AND step_order=? AND target_member_id=? AND acknowledged_at IS NULL`,
		at.UTC(), incidentID, stepOrder, memberID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
