package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IMQS/service-finder/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Locations, contacts and categories are aggregated by correlated subqueries,
// so a page of services with all of its children is fetched in one round trip.
const serviceSelect = `
	SELECT s.id, s.name, s.description, s.url, s.email, s.status, s.minimum_age, s.maximum_age,
		s.youth_specific, s.indigenous_specific, s.keywords, s.coverage_type, s.coverage_states,
		s.completeness_score, s.verification_status, s.verification_score, s.data_source, s.source_id,
		s.source_url, s.content_hash, s.quality_flags, s.created_at, s.updated_at, s.last_verified,
		COALESCE(o.id::text, ''), COALESCE(o.name, ''), COALESCE(o.description, ''), COALESCE(o.type, ''),
		COALESCE(o.abn, ''), COALESCE(o.acn, ''), COALESCE(o.tax_id, ''), COALESCE(o.website, ''),
		COALESCE(o.verification_status, ''),
		COALESCE((SELECT json_agg(json_build_object(
				'id', l.id, 'name', l.name, 'address_1', l.address_1, 'address_2', l.address_2, 'city', l.city,
				'state_province', l.state_province, 'postal_code', l.postal_code, 'country', l.country,
				'region', l.region, 'latitude', l.latitude, 'longitude', l.longitude) ORDER BY l.id)
			FROM locations l WHERE l.service_id = s.id), '[]'),
		COALESCE((SELECT json_agg(json_build_object(
				'id', c.id, 'name', c.name, 'title', c.title, 'email', c.email, 'phone', c.phone) ORDER BY c.id)
			FROM contacts c WHERE c.service_id = s.id), '[]'),
		COALESCE((SELECT array_agg(sc.category ORDER BY sc.is_primary DESC, sc.category)
			FROM service_categories sc WHERE sc.service_id = s.id), '{}'),
		COUNT(*) OVER ()
	FROM services s
	LEFT JOIN organizations o ON o.id = s.organization_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (model.Service, int, error) {
	s := model.Service{}
	var status, coverageType string
	var minAge, maxAge sql.NullInt64
	var keywords, coverageStates, categories pq.StringArray
	var flags, locations, contacts []byte
	var lastVerified sql.NullTime
	var total int
	org := model.Organization{}

	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.URL, &s.Email, &status, &minAge, &maxAge,
		&s.YouthSpecific, &s.IndigenousSpecific, &keywords, &coverageType, &coverageStates,
		&s.CompletenessScore, &s.VerificationStatus, &s.VerificationScore, &s.DataSource, &s.SourceID,
		&s.SourceURL, &s.ContentHash, &flags, &s.CreatedAt, &s.UpdatedAt, &lastVerified,
		&org.ID, &org.Name, &org.Description, &org.Type,
		&org.ABN, &org.ACN, &org.TaxID, &org.Website,
		&org.VerificationStatus,
		&locations, &contacts, &categories, &total)
	if err != nil {
		return s, 0, err
	}

	s.Status = model.Status(status)
	s.Keywords = []string(keywords)
	s.Categories = []string(categories)
	if minAge.Valid || maxAge.Valid {
		s.AgeRange = &model.AgeRange{}
		if minAge.Valid {
			v := int(minAge.Int64)
			s.AgeRange.Minimum = &v
		}
		if maxAge.Valid {
			v := int(maxAge.Int64)
			s.AgeRange.Maximum = &v
		}
	}
	if coverageType != "" {
		s.Coverage = &model.Coverage{Type: model.CoverageType(coverageType), States: []string(coverageStates)}
	}
	if lastVerified.Valid {
		t := lastVerified.Time
		s.LastVerified = &t
	}
	if org.ID != "" {
		org.DataSource = s.DataSource
		s.Organization = &org
	}
	if err := json.Unmarshal(flags, &s.QualityFlags); err != nil {
		return s, 0, fmt.Errorf("Invalid quality_flags on service %v: %w", s.ID, err)
	}
	if err := json.Unmarshal(locations, &s.Locations); err != nil {
		return s, 0, fmt.Errorf("Invalid locations on service %v: %w", s.ID, err)
	}
	if err := json.Unmarshal(contacts, &s.Contacts); err != nil {
		return s, 0, fmt.Errorf("Invalid contacts on service %v: %w", s.ID, err)
	}
	return s, total, nil
}

func (m *Manager) queryServices(ctx context.Context, query string, args ...interface{}) ([]model.Service, int, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	services := []model.Service{}
	total := 0
	for rows.Next() {
		s, t, err := scanService(rows)
		if err != nil {
			return nil, 0, err
		}
		total = t
		services = append(services, s)
	}
	return services, total, rows.Err()
}

// GetService returns ErrNotFound if id does not exist
func (m *Manager) GetService(ctx context.Context, id string) (*model.Service, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	services, _, err := m.queryServices(ctx, serviceSelect+` WHERE s.id = $1`, id)
	if err != nil {
		m.Log.Errorf("op=getService id=%v err=%v", id, err)
		return nil, err
	}
	if len(services) == 0 {
		return nil, ErrNotFound
	}
	return &services[0], nil
}

// LoadServices returns the services with the given ids, in no particular order.
// Unknown and malformed ids are skipped.
func (m *Manager) LoadServices(ctx context.Context, ids []string) ([]model.Service, error) {
	valid := []string{}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []model.Service{}, nil
	}
	services, _, err := m.queryServices(ctx, serviceSelect+` WHERE s.id = ANY($1::uuid[])`, pq.Array(valid))
	if err != nil {
		m.Log.Errorf("op=loadServices count=%v err=%v", len(valid), err)
	}
	return services, err
}

// Cursor is a position in (updated_at, id) order
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// After is true if c comes later than other in (updated_at, id) order
func (c Cursor) After(other Cursor) bool {
	if !c.UpdatedAt.Equal(other.UpdatedAt) {
		return c.UpdatedAt.After(other.UpdatedAt)
	}
	return c.ID > other.ID
}

const nilUUID = "00000000-0000-0000-0000-000000000000"

// ListServicesUpdatedSince pages through every service in (updated_at, id)
// order, starting strictly after the cursor. This is the re-indexing source.
func (m *Manager) ListServicesUpdatedSince(ctx context.Context, after Cursor, limit int) ([]model.Service, error) {
	if limit <= 0 {
		limit = 500
	}
	id := after.ID
	if id == "" {
		id = nilUUID
	}
	services, _, err := m.queryServices(ctx, serviceSelect+`
		WHERE (s.updated_at, s.id) > ($1, $2::uuid)
		ORDER BY s.updated_at, s.id
		LIMIT $3`, after.UpdatedAt, id, limit)
	if err != nil {
		m.Log.Errorf("op=listServicesUpdatedSince since=%v err=%v", after.UpdatedAt, err)
	}
	return services, err
}

// SearchFilter drives the SQL fallback search. Zero values mean "no filter".
type SearchFilter struct {
	Query         string
	State         string
	Category      string
	DataSource    string
	YouthSpecific *bool

	// Status defaults to active. Set IncludeAllStatuses for administrative listings.
	Status             model.Status
	IncludeAllStatuses bool

	OrderBy string // relevance, name, updated, completeness
	Limit   int
	Offset  int
}

type SearchPage struct {
	Services []model.Service
	Total    int
	Limit    int
	Offset   int
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// ORDER BY is only ever chosen from this table, never from caller text
var orderByClauses = map[string]string{
	"name":         "s.name ASC, s.id",
	"updated":      "s.updated_at DESC, s.id",
	"completeness": "s.completeness_score DESC, s.name ASC, s.id",
}

func buildSearchSQL(f *SearchFilter) (string, []interface{}) {
	where := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%v", len(args))
	}

	if !f.IncludeAllStatuses {
		status := f.Status
		if status == "" {
			status = model.StatusActive
		}
		where = append(where, "s.status = "+arg(string(status)))
	}
	queryArg := ""
	if q := strings.TrimSpace(f.Query); q != "" {
		queryArg = arg(q)
		where = append(where, "s.search_vector @@ plainto_tsquery('english', "+queryArg+")")
	}
	if f.State != "" {
		where = append(where, "EXISTS (SELECT 1 FROM locations l WHERE l.service_id = s.id AND upper(l.state_province) = upper("+arg(f.State)+"))")
	}
	if f.Category != "" {
		where = append(where, "EXISTS (SELECT 1 FROM service_categories sc WHERE sc.service_id = s.id AND sc.category = "+arg(f.Category)+")")
	}
	if f.DataSource != "" {
		where = append(where, "s.data_source = "+arg(f.DataSource))
	}
	if f.YouthSpecific != nil {
		where = append(where, "s.youth_specific = "+arg(*f.YouthSpecific))
	}

	order, ok := orderByClauses[f.OrderBy]
	if !ok {
		if queryArg != "" {
			order = "ts_rank(s.search_vector, plainto_tsquery('english', " + queryArg + ")) DESC, s.completeness_score DESC, s.id"
		} else {
			order = orderByClauses["completeness"]
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	f.Limit, f.Offset = limit, offset

	query := serviceSelect
	if len(where) != 0 {
		query += "\n\tWHERE " + strings.Join(where, "\n\tAND ")
	}
	query += "\n\tORDER BY " + order
	query += "\n\tLIMIT " + arg(limit) + " OFFSET " + arg(offset)
	return query, args
}

// SearchServices is the SQL fallback to the search index
func (m *Manager) SearchServices(ctx context.Context, f SearchFilter) (SearchPage, error) {
	query, args := buildSearchSQL(&f)
	services, total, err := m.queryServices(ctx, query, args...)
	if err != nil {
		m.Log.Errorf("op=searchServices query=%q err=%v", f.Query, err)
		return SearchPage{}, err
	}
	return SearchPage{Services: services, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

type Statistics struct {
	TotalServices         int     `json:"total_services"`
	ActiveServices        int     `json:"active_services"`
	YouthSpecificServices int     `json:"youth_specific_services"`
	TotalOrganizations    int     `json:"total_organizations"`
	DataSources           int     `json:"data_sources"`
	StatesCovered         int     `json:"states_covered"`
	AverageCompleteness   float64 `json:"average_completeness"`
}

// GetStatistics uses independent subqueries so that joins cannot inflate counts
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	st := Statistics{}
	err := m.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM services),
			(SELECT COUNT(*) FROM services WHERE status = 'active'),
			(SELECT COUNT(*) FROM services WHERE youth_specific),
			(SELECT COUNT(*) FROM organizations),
			(SELECT COUNT(DISTINCT data_source) FROM services),
			(SELECT COUNT(DISTINCT upper(state_province)) FROM locations WHERE state_province <> ''),
			(SELECT COALESCE(AVG(completeness_score), 0) FROM services)`,
	).Scan(&st.TotalServices, &st.ActiveServices, &st.YouthSpecificServices, &st.TotalOrganizations,
		&st.DataSources, &st.StatesCovered, &st.AverageCompleteness)
	if err != nil {
		m.Log.Errorf("op=getStatistics err=%v", err)
	}
	return st, err
}

// LowQualityThreshold is the hard completeness floor used by Cleanup
const LowQualityThreshold = 0.2

type CleanupOptions struct {
	RemoveLowQuality bool
}

type CleanupResult struct {
	RemovedServices    []string `json:"removed_services"`
	OrphanedLocations  int64    `json:"orphaned_locations"`
	OrphanedContacts   int64    `json:"orphaned_contacts"`
	OrphanedCategories int64    `json:"orphaned_categories"`
}

// Cleanup optionally removes services below LowQualityThreshold, then removes
// child rows whose parent service no longer exists. The ids of removed
// services are returned so that they can also be removed from the index.
func (m *Manager) Cleanup(ctx context.Context, opt CleanupOptions) (CleanupResult, error) {
	res, err := m.cleanup(ctx, opt)
	if err != nil {
		m.Log.Errorf("op=cleanup err=%v", err)
		return CleanupResult{}, err
	}
	m.Log.Infof("op=cleanup removed=%v orphaned_locations=%v orphaned_contacts=%v orphaned_categories=%v",
		len(res.RemovedServices), res.OrphanedLocations, res.OrphanedContacts, res.OrphanedCategories)
	return res, nil
}

func (m *Manager) cleanup(ctx context.Context, opt CleanupOptions) (CleanupResult, error) {
	res := CleanupResult{RemovedServices: []string{}}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if opt.RemoveLowQuality {
		rows, err := tx.QueryContext(ctx, `DELETE FROM services WHERE completeness_score < $1 RETURNING id`, LowQualityThreshold)
		if err != nil {
			return res, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return res, err
			}
			res.RemovedServices = append(res.RemovedServices, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return res, err
		}
	}

	orphans := []struct {
		table string
		count *int64
	}{
		{"locations", &res.OrphanedLocations},
		{"contacts", &res.OrphanedContacts},
		{"service_categories", &res.OrphanedCategories},
	}
	for _, o := range orphans {
		r, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %v t WHERE NOT EXISTS (SELECT 1 FROM services s WHERE s.id = t.service_id)`, o.table))
		if err != nil {
			return res, err
		}
		if *o.count, err = r.RowsAffected(); err != nil {
			return res, err
		}
	}
	return res, tx.Commit()
}
