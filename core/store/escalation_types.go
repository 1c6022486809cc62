package store

import "time"

// Actor types recorded on incident events.
const (
	ActorMember      = "member"
	ActorSystem      = "system"
	ActorIntegration = "integration"
)

type IncidentEvent struct {
	ID               string         `json:"id"`
	OrganizationID   string         `json:"organization_id"`
	IncidentID       string         `json:"incident_id"`
	Sequence         int64          `json:"sequence"`
	EventType        string         `json:"event_type"`
	EventVersion     int            `json:"event_version"`
	SchemaVersion    int            `json:"schema_version"`
	ActorType        string         `json:"actor_type"`
	ActorMemberID    *string        `json:"actor_member_id,omitempty"`
	ActorExternalID  *string        `json:"actor_external_id,omitempty"`
	SourcePlatform   string         `json:"source_platform,omitempty"`
	SourceEventID    string         `json:"source_event_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	RawSourcePayload string         `json:"raw_source_payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type IncidentCurrentState struct {
	IncidentID         string    `json:"incident_id"`
	OrganizationID     string    `json:"organization_id"`
	Status             string    `json:"status"`
	Severity           string    `json:"severity"`
	AssignedToMemberID *string   `json:"assigned_to_member_id,omitempty"`
	LastEventSequence  int64     `json:"last_event_sequence"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ProjectionPatch carries the projection fields an event changes. Absent
// fields leave the projection untouched.
type ProjectionPatch struct {
	Status      *string
	Severity    *string
	AssigneeSet bool
	Assignee    *string
}

type EscalationPolicy struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	FacilityID     *string          `json:"facility_id,omitempty"`
	Name           string           `json:"name"`
	Conditions     PolicyConditions `json:"conditions"`
	Priority       *float64         `json:"priority,omitempty"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type EscalationPolicyStep struct {
	PolicyID        string   `json:"policy_id"`
	StepOrder       int      `json:"step_order"`
	DelayMinutes    int      `json:"delay_minutes"`
	NotifyType      string   `json:"notify_type"` // team | member
	NotifyTargetIDs []string `json:"notify_target_ids"`
	IfUnacked       bool     `json:"if_unacked"`
}

type IncidentEscalationRuntime struct {
	IncidentID      string     `json:"incident_id"`
	OrganizationID  string     `json:"organization_id"`
	PolicyID        *string    `json:"policy_id,omitempty"`
	AckedAt         *time.Time `json:"acked_at,omitempty"`
	AckedByMemberID *string    `json:"acked_by_member_id,omitempty"`
	LatestStepOrder int        `json:"latest_step_order"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type IncidentEscalationStepTarget struct {
	IncidentID     string     `json:"incident_id"`
	StepOrder      int        `json:"step_order"`
	TargetMemberID string     `json:"target_member_id"`
	NotifyType     string     `json:"notify_type"`
	NotifiedAt     time.Time  `json:"notified_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// ShiftInfo maps lowercase three-letter weekday keys ("mon".."sun") to
// "HH:MM-HH:MM" windows. A nil or empty schedule means always on shift.
type ShiftInfo map[string][]string

type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Timezone       string    `json:"timezone"`
	ShiftInfo      ShiftInfo `json:"shift_info,omitempty"`
}

type Member struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	DisplayName    string `json:"display_name"`
}

type Facility struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Timezone       string `json:"timezone"`
}
