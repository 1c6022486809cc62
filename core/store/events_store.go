package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventStore is the append-only incident event log together with its
// current-state projection. Every mutation of incident state flows through
// here: callers open a transaction, lock the projection row, and append. The
// projection update and the event insert commit atomically.
type EventStore interface {
	// LockCurrentState takes the per-incident projection lock inside tx and
	// returns the locked row. The lock is the sole serialization point for
	// sequence assignment; it is held until the transaction ends.
	LockCurrentState(ctx context.Context, tx *sql.Tx, incidentID string) (*IncidentCurrentState, error)
	// AppendEvent must run after LockCurrentState in the same transaction.
	// It assigns the next sequence, inserts the event, and applies the patch
	// plus last_event_sequence to the projection. The locked state is updated
	// in place.
	AppendEvent(ctx context.Context, tx *sql.Tx, st *IncidentCurrentState, ev *IncidentEvent, patch ProjectionPatch) (int64, error)
	// InsertInitialEventTx creates the first event (sequence 1) and the
	// projection row. Only valid at declaration time, when no projection row
	// exists yet.
	InsertInitialEventTx(ctx context.Context, tx *sql.Tx, ev *IncidentEvent, initial *IncidentCurrentState) error

	GetCurrentState(ctx context.Context, incidentID string) (*IncidentCurrentState, error)
	ListEvents(ctx context.Context, incidentID string, limit int) ([]IncidentEvent, error)
}

type eventsStore struct {
	db *sql.DB

	probeOnce sync.Once
	pg        bool
}

func NewEventStore(db *sql.DB) EventStore {
	return &eventsStore{db: db}
}

// rowLocking probes the database flavor once. The probe must run on the
// caller's transaction: with sqlite the pool is capped at one connection, so
// a query against the pool would wait on the connection the transaction
// already holds.
func (s *eventsStore) rowLocking(ctx context.Context, tx *sql.Tx) bool {
	s.probeOnce.Do(func() {
		pg, err := isPostgresDB(ctx, tx)
		if err == nil {
			s.pg = pg
		}
	})
	return s.pg
}

func (s *eventsStore) LockCurrentState(ctx context.Context, tx *sql.Tx, incidentID string) (*IncidentCurrentState, error) {
	query := `
		SELECT incident_id, organization_id, status, severity, assigned_to_member_id, last_event_sequence, updated_at
		FROM incident_current_state WHERE incident_id=?`
	if s.rowLocking(ctx, tx) {
		// sqlite serializes writers on its own; postgres needs the row lock.
		query += " FOR UPDATE"
	}
	row := tx.QueryRowContext(ctx, query, incidentID)
	var st IncidentCurrentState
	var assignee sql.NullString
	if err := row.Scan(&st.IncidentID, &st.OrganizationID, &st.Status, &st.Severity, &assignee, &st.LastEventSequence, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
		}
		return nil, err
	}
	if assignee.Valid {
		st.AssignedToMemberID = &assignee.String
	}
	return &st, nil
}

func (s *eventsStore) AppendEvent(ctx context.Context, tx *sql.Tx, st *IncidentCurrentState, ev *IncidentEvent, patch ProjectionPatch) (int64, error) {
	if st == nil {
		return 0, errors.New("append without locked state")
	}
	next := st.LastEventSequence + 1
	now := time.Now().UTC()
	ev.IncidentID = st.IncidentID
	if strings.TrimSpace(ev.OrganizationID) == "" {
		ev.OrganizationID = st.OrganizationID
	}
	ev.Sequence = next
	ev.CreatedAt = now
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return 0, err
	}
	if patch.Status != nil {
		st.Status = *patch.Status
	}
	if patch.Severity != nil {
		st.Severity = *patch.Severity
	}
	if patch.AssigneeSet {
		st.AssignedToMemberID = patch.Assignee
	}
	st.LastEventSequence = next
	st.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		UPDATE incident_current_state
		SET status=?, severity=?, assigned_to_member_id=?, last_event_sequence=?, updated_at=?
		WHERE incident_id=? AND last_event_sequence=?`,
		st.Status, st.Severity, nullableStr(st.AssignedToMemberID), next, now, st.IncidentID, next-1)
	if err != nil {
		return 0, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, ErrConflict
	}
	return next, nil
}

func (s *eventsStore) InsertInitialEventTx(ctx context.Context, tx *sql.Tx, ev *IncidentEvent, initial *IncidentCurrentState) error {
	now := time.Now().UTC()
	ev.IncidentID = initial.IncidentID
	if strings.TrimSpace(ev.OrganizationID) == "" {
		ev.OrganizationID = initial.OrganizationID
	}
	ev.Sequence = 1
	ev.CreatedAt = now
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return err
	}
	initial.LastEventSequence = 1
	initial.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_current_state(incident_id, organization_id, status, severity, assigned_to_member_id, last_event_sequence, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		initial.IncidentID, initial.OrganizationID, initial.Status, initial.Severity, nullableStr(initial.AssignedToMemberID), initial.LastEventSequence, now)
	return err
}

func insertEventTx(ctx context.Context, tx *sql.Tx, ev *IncidentEvent) error {
	if ev.EventVersion <= 0 {
		ev.EventVersion = 1
	}
	if ev.SchemaVersion <= 0 {
		ev.SchemaVersion = 1
	}
	if strings.TrimSpace(ev.ActorType) == "" {
		ev.ActorType = ActorSystem
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		if b, err := json.Marshal(ev.Payload); err == nil {
			payload = string(b)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_events(id, organization_id, incident_id, sequence, event_type, event_version, schema_version, actor_type, actor_member_id, actor_external_id, source_platform, source_event_id, payload_json, raw_source_json, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.OrganizationID, ev.IncidentID, ev.Sequence, strings.TrimSpace(ev.EventType), ev.EventVersion, ev.SchemaVersion,
		ev.ActorType, nullableStr(ev.ActorMemberID), nullableStr(ev.ActorExternalID),
		strings.TrimSpace(ev.SourcePlatform), strings.TrimSpace(ev.SourceEventID), payload, ev.RawSourcePayload, ev.CreatedAt)
	return err
}

func (s *eventsStore) GetCurrentState(ctx context.Context, incidentID string) (*IncidentCurrentState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT incident_id, organization_id, status, severity, assigned_to_member_id, last_event_sequence, updated_at
		FROM incident_current_state WHERE incident_id=?`, incidentID)
	var st IncidentCurrentState
	var assignee sql.NullString
	if err := row.Scan(&st.IncidentID, &st.OrganizationID, &st.Status, &st.Severity, &assignee, &st.LastEventSequence, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if assignee.Valid {
		st.AssignedToMemberID = &assignee.String
	}
	return &st, nil
}

func (s *eventsStore) ListEvents(ctx context.Context, incidentID string, limit int) ([]IncidentEvent, error) {
	query := `
		SELECT id, organization_id, incident_id, sequence, event_type, event_version, schema_version, actor_type, actor_member_id, actor_external_id, source_platform, source_event_id, payload_json, raw_source_json, created_at
		FROM incident_events WHERE incident_id=? ORDER BY sequence ASC`
	args := []any{incidentID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []IncidentEvent
	for rows.Next() {
		var ev IncidentEvent
		var actorMember, actorExternal sql.NullString
		var payloadRaw string
		if err := rows.Scan(&ev.ID, &ev.OrganizationID, &ev.IncidentID, &ev.Sequence, &ev.EventType, &ev.EventVersion, &ev.SchemaVersion,
			&ev.ActorType, &actorMember, &actorExternal, &ev.SourcePlatform, &ev.SourceEventID, &payloadRaw, &ev.RawSourcePayload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if actorMember.Valid {
			ev.ActorMemberID = &actorMember.String
		}
		if actorExternal.Valid {
			ev.ActorExternalID = &actorExternal.String
		}
		if strings.TrimSpace(payloadRaw) != "" {
			_ = json.Unmarshal([]byte(payloadRaw), &ev.Payload)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
