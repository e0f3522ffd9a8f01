package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// --- Content units ---

// SaveUnit inserts or replaces a content unit and registers its person scope.
func (s *Store) SaveUnit(u ContentUnit) error {
	modified := u.ModifiedAt
	if modified.IsZero() {
		modified = time.Now()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning unit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO content_units (id, person_id, title, text, analysis_consent, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			person_id = excluded.person_id,
			title = excluded.title,
			text = excluded.text,
			analysis_consent = excluded.analysis_consent,
			modified_at = excluded.modified_at`,
		u.ID, u.PersonID, u.Title, u.Text, boolToInt(u.AnalysisConsent), formatTime(modified),
	); err != nil {
		return fmt.Errorf("saving unit %s: %w", u.ID, err)
	}
	if err := registerScope(tx, LevelPerson, u.PersonID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetUnit loads one content unit.
func (s *Store) GetUnit(id string) (ContentUnit, error) {
	row := s.db.QueryRow(`
		SELECT id, person_id, title, text, analysis_consent, modified_at
		FROM content_units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return ContentUnit{}, ErrNotFound
	}
	return u, err
}

// SetConsent flips the analysisConsent flag of a unit.
func (s *Store) SetConsent(id string, consent bool) error {
	res, err := s.db.Exec(`UPDATE content_units SET analysis_consent = ?, modified_at = ? WHERE id = ?`,
		boolToInt(consent), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListConsentedUnits returns every unit with analysisConsent set, ordered by
// person then id. A non-empty organizationID restricts the result to persons
// belonging to that organization's groups.
func (s *Store) ListConsentedUnits(organizationID string) ([]ContentUnit, error) {
	query := `SELECT u.id, u.person_id, u.title, u.text, u.analysis_consent, u.modified_at
		FROM content_units u
		WHERE u.analysis_consent = 1`
	var args []any
	if organizationID != "" {
		query += ` AND u.person_id IN (
			SELECT gm.person_id FROM group_members gm
			JOIN organization_groups og ON og.group_id = gm.group_id
			WHERE og.organization_id = ?)`
		args = append(args, organizationID)
	}
	query += ` ORDER BY u.person_id, u.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing consented units: %w", err)
	}
	defer rows.Close()

	var units []ContentUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(r rowScanner) (ContentUnit, error) {
	var u ContentUnit
	var consent int
	var modified string
	if err := r.Scan(&u.ID, &u.PersonID, &u.Title, &u.Text, &consent, &modified); err != nil {
		return ContentUnit{}, err
	}
	u.AnalysisConsent = consent == 1
	t, err := parseTime(modified)
	if err != nil {
		return ContentUnit{}, fmt.Errorf("parsing modified_at for unit %s: %w", u.ID, err)
	}
	u.ModifiedAt = t
	return u, nil
}

// --- Hierarchy ---

// AddGroupMember puts a person in a group, registering both scopes.
func (s *Store) AddGroupMember(groupID, personID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO group_members (group_id, person_id) VALUES (?, ?)`, groupID, personID); err != nil {
		return fmt.Errorf("adding member %s to group %s: %w", personID, groupID, err)
	}
	if err := registerScope(tx, LevelGroup, groupID); err != nil {
		return err
	}
	if err := registerScope(tx, LevelPerson, personID); err != nil {
		return err
	}
	return tx.Commit()
}

// AddOrganizationGroup puts a group in an organization, registering both scopes.
func (s *Store) AddOrganizationGroup(organizationID, groupID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO organization_groups (organization_id, group_id) VALUES (?, ?)`, organizationID, groupID); err != nil {
		return fmt.Errorf("adding group %s to organization %s: %w", groupID, organizationID, err)
	}
	if err := registerScope(tx, LevelOrganization, organizationID); err != nil {
		return err
	}
	if err := registerScope(tx, LevelGroup, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterScope records a scope that has no members yet.
func (s *Store) RegisterScope(level Level, scopeID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO scopes (level, scope_id) VALUES (?, ?)`, level.String(), scopeID)
	return err
}

func registerScope(tx *sql.Tx, level Level, scopeID string) error {
	if scopeID == "" {
		return nil
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO scopes (level, scope_id) VALUES (?, ?)`, level.String(), scopeID); err != nil {
		return fmt.Errorf("registering %s scope %s: %w", level, scopeID, err)
	}
	return nil
}

// Hierarchy is a point-in-time view of the scopes at one level and the ids of
// their children one level down. For LevelPerson the children are unit ids of
// consented units.
type Hierarchy struct {
	Scopes   []string
	Children map[string][]string
}

// ReadHierarchy reads the scopes of a level and their child edges in a single
// read transaction. A non-empty organizationID restricts the view to that
// organization's subtree; LevelPlatform always spans every organization.
func (s *Store) ReadHierarchy(level Level, organizationID string) (Hierarchy, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Hierarchy{}, fmt.Errorf("beginning hierarchy read: %w", err)
	}
	defer tx.Rollback()

	h := Hierarchy{Children: make(map[string][]string)}

	var scopeQuery, edgeQuery string
	var args []any
	switch level {
	case LevelPerson:
		scopeQuery = `SELECT scope_id FROM scopes WHERE level = 'person'`
		edgeQuery = `SELECT person_id, id FROM content_units WHERE analysis_consent = 1`
		if organizationID != "" {
			sub := ` IN (SELECT gm.person_id FROM group_members gm
				JOIN organization_groups og ON og.group_id = gm.group_id
				WHERE og.organization_id = ?)`
			scopeQuery += ` AND scope_id` + sub
			edgeQuery += ` AND person_id` + sub
			args = append(args, organizationID)
		}
	case LevelGroup:
		scopeQuery = `SELECT scope_id FROM scopes WHERE level = 'group'`
		edgeQuery = `SELECT group_id, person_id FROM group_members`
		if organizationID != "" {
			sub := ` IN (SELECT group_id FROM organization_groups WHERE organization_id = ?)`
			scopeQuery += ` AND scope_id` + sub
			edgeQuery += ` WHERE group_id` + sub
			args = append(args, organizationID)
		}
	case LevelOrganization:
		scopeQuery = `SELECT scope_id FROM scopes WHERE level = 'organization'`
		edgeQuery = `SELECT organization_id, group_id FROM organization_groups`
		if organizationID != "" {
			scopeQuery += ` AND scope_id = ?`
			edgeQuery += ` WHERE organization_id = ?`
			args = append(args, organizationID)
		}
	case LevelPlatform:
		h.Scopes = []string{PlatformScopeID}
		rows, err := tx.Query(`SELECT scope_id FROM scopes WHERE level = 'organization' ORDER BY scope_id`)
		if err != nil {
			return Hierarchy{}, fmt.Errorf("listing organizations: %w", err)
		}
		defer rows.Close()
		children := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return Hierarchy{}, err
			}
			children = append(children, id)
		}
		if err := rows.Err(); err != nil {
			return Hierarchy{}, err
		}
		h.Children[PlatformScopeID] = children
		return h, nil
	default:
		return Hierarchy{}, fmt.Errorf("unknown level %v", level)
	}

	rows, err := tx.Query(scopeQuery+` ORDER BY scope_id`, args...)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("listing %s scopes: %w", level, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Hierarchy{}, err
		}
		h.Scopes = append(h.Scopes, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Hierarchy{}, err
	}

	edges, err := tx.Query(edgeQuery, args...)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("listing %s edges: %w", level, err)
	}
	defer edges.Close()
	for edges.Next() {
		var parent, child string
		if err := edges.Scan(&parent, &child); err != nil {
			return Hierarchy{}, err
		}
		h.Children[parent] = append(h.Children[parent], child)
	}
	if err := edges.Err(); err != nil {
		return Hierarchy{}, err
	}
	for _, c := range h.Children {
		sort.Strings(c)
	}
	return h, nil
}

// OrganizationsOfPerson returns the organizations a person belongs to through
// group membership.
func (s *Store) OrganizationsOfPerson(personID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT og.organization_id FROM organization_groups og
		JOIN group_members gm ON gm.group_id = og.group_id
		WHERE gm.person_id = ? ORDER BY og.organization_id`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}

// OrganizationsOfGroup returns the organizations a group belongs to.
func (s *Store) OrganizationsOfGroup(groupID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT organization_id FROM organization_groups WHERE group_id = ? ORDER BY organization_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}
