package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Incident holds the declaration-time attributes of an incident. Everything
// mutable (status, severity, assignee) lives in the current-state projection;
// this row never changes after declare.
type Incident struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organization_id"`
	FacilityID         string    `json:"facility_id,omitempty"`
	AreaID             string    `json:"area_id,omitempty"`
	Title              string    `json:"title"`
	ChannelRef         string    `json:"channel_ref,omitempty"`
	DeclaredByMemberID string    `json:"declared_by_member_id,omitempty"`
	DeclaredAt         time.Time `json:"declared_at"`
}

type IncidentAsset struct {
	IncidentID string `json:"incident_id"`
	AssetID    string `json:"asset_id"`
	AssetType  string `json:"asset_type"`
}

type IncidentsStore interface {
	CreateIncidentTx(ctx context.Context, tx *sql.Tx, inc *Incident, assets []IncidentAsset) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidentAssetTypes(ctx context.Context, incidentID string) ([]string, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

func (s *incidentsStore) CreateIncidentTx(ctx context.Context, tx *sql.Tx, inc *Incident, assets []IncidentAsset) error {
	if inc.DeclaredAt.IsZero() {
		inc.DeclaredAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incidents(id, organization_id, facility_id, area_id, title, channel_ref, declared_by_member_id, declared_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		inc.ID, inc.OrganizationID, strings.TrimSpace(inc.FacilityID), strings.TrimSpace(inc.AreaID),
		strings.TrimSpace(inc.Title), strings.TrimSpace(inc.ChannelRef), strings.TrimSpace(inc.DeclaredByMemberID), inc.DeclaredAt.UTC()); err != nil {
		return err
	}
	for _, a := range assets {
		if strings.TrimSpace(a.AssetID) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incident_assets(incident_id, asset_id, asset_type)
			VALUES(?,?,?)`, inc.ID, strings.TrimSpace(a.AssetID), strings.TrimSpace(a.AssetType)); err != nil {
			return err
		}
	}
	return nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, facility_id, area_id, title, channel_ref, declared_by_member_id, declared_at
		FROM incidents WHERE id=?`, id)
	var inc Incident
	if err := row.Scan(&inc.ID, &inc.OrganizationID, &inc.FacilityID, &inc.AreaID, &inc.Title, &inc.ChannelRef, &inc.DeclaredByMemberID, &inc.DeclaredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inc, nil
}

func (s *incidentsStore) ListIncidentAssetTypes(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT asset_type FROM incident_assets
		WHERE incident_id=? AND asset_type!=''
		ORDER BY asset_type`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
