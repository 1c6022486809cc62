package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DirectoryStore is the organizational directory: facilities, teams with
// their shift schedules, team rosters, members, and chat identities.
type DirectoryStore interface {
	CreateFacility(ctx context.Context, f *Facility) error
	GetFacility(ctx context.Context, id string) (*Facility, error)

	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	SetTeamShiftInfo(ctx context.Context, teamID string, shifts ShiftInfo) error
	ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error)
	AddTeamMember(ctx context.Context, teamID, memberID string) error
	RemoveTeamMember(ctx context.Context, teamID, memberID string) error

	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id string) (*Member, error)

	SetChatIdentity(ctx context.Context, memberID, platform, externalID string) error
	// ResolveChatIdentity returns "" with a nil error when the member has no
	// identity on the platform; callers decide whether that is fatal.
	ResolveChatIdentity(ctx context.Context, memberID, platform string) (string, error)
}

type directoryStore struct {
	db *sql.DB
}

func NewDirectoryStore(db *sql.DB) DirectoryStore {
	return &directoryStore{db: db}
}

func (s *directoryStore) CreateFacility(ctx context.Context, f *Facility) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facilities(id, organization_id, name, timezone)
		VALUES(?,?,?,?)`, f.ID, f.OrganizationID, strings.TrimSpace(f.Name), strings.TrimSpace(f.Timezone))
	return err
}

func (s *directoryStore) GetFacility(ctx context.Context, id string) (*Facility, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, timezone FROM facilities WHERE id=?`, id)
	var f Facility
	if err := row.Scan(&f.ID, &f.OrganizationID, &f.Name, &f.Timezone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (s *directoryStore) CreateTeam(ctx context.Context, t *Team) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams(id, organization_id, name, timezone, shift_info_json)
		VALUES(?,?,?,?,?)`,
		t.ID, t.OrganizationID, strings.TrimSpace(t.Name), strings.TrimSpace(t.Timezone), shiftsToJSON(t.ShiftInfo))
	return err
}

func (s *directoryStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, timezone, shift_info_json FROM teams WHERE id=?`, id)
	var t Team
	var shiftsRaw string
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Timezone, &shiftsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ShiftInfo = shiftsFromJSON(shiftsRaw)
	return &t, nil
}

func (s *directoryStore) SetTeamShiftInfo(ctx context.Context, teamID string, shifts ShiftInfo) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE teams SET shift_info_json=? WHERE id=?`, shiftsToJSON(shifts), teamID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *directoryStore) ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id FROM team_members WHERE team_id=? ORDER BY member_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *directoryStore) AddTeamMember(ctx context.Context, teamID, memberID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE team_members SET added_at=added_at WHERE team_id=? AND member_id=?`, teamID, memberID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO team_members(team_id, member_id, added_at) VALUES(?,?,?)`,
		teamID, memberID, time.Now().UTC())
	return err
}

func (s *directoryStore) RemoveTeamMember(ctx context.Context, teamID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM team_members WHERE team_id=? AND member_id=?`, teamID, memberID)
	return err
}

func (s *directoryStore) CreateMember(ctx context.Context, m *Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members(id, organization_id, display_name)
		VALUES(?,?,?)`, m.ID, m.OrganizationID, strings.TrimSpace(m.DisplayName))
	return err
}

func (s *directoryStore) GetMember(ctx context.Context, id string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, display_name FROM members WHERE id=?`, id)
	var m Member
	if err := row.Scan(&m.ID, &m.OrganizationID, &m.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *directoryStore) SetChatIdentity(ctx context.Context, memberID, platform, externalID string) error {
	platform = strings.ToLower(strings.TrimSpace(platform))
	res, err := s.db.ExecContext(ctx, `
		UPDATE member_chat_identities SET external_id=? WHERE member_id=? AND platform=?`,
		strings.TrimSpace(externalID), memberID, platform)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO member_chat_identities(member_id, platform, external_id)
		VALUES(?,?,?)`, memberID, platform, strings.TrimSpace(externalID))
	return err
}

func (s *directoryStore) ResolveChatIdentity(ctx context.Context, memberID, platform string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id FROM member_chat_identities WHERE member_id=? AND platform=?`,
		memberID, strings.ToLower(strings.TrimSpace(platform)))
	var externalID string
	if err := row.Scan(&externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return externalID, nil
}

func shiftsToJSON(s ShiftInfo) string {
	if len(s) == 0 {
		return "{}"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func shiftsFromJSON(raw string) ShiftInfo {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var s ShiftInfo
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	if len(s) == 0 {
		return nil
	}
	return s
}
