package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/IMQS/service-finder/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

// StoreResult identifies the stored row. Inserted is false if the upsert
// matched an existing (name, data_source).
type StoreResult struct {
	ID       string
	Inserted bool
}

func validateService(s *model.Service) error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(s.DataSource) == "" {
		return ErrMissingDataSource
	}
	if s.Status == "" {
		s.Status = model.StatusActive
	}
	if !model.ValidStatus(s.Status) {
		return ErrInvalidStatus
	}
	return nil
}

func idOrNew(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewString()
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// StoreService upserts s and fully replaces its categories, locations and
// contacts, all in one transaction. On any failure nothing is written.
// On success s.ID and s.CompletenessScore hold the stored values.
func (m *Manager) StoreService(ctx context.Context, s *model.Service) (StoreResult, error) {
	res, err := m.storeService(ctx, s)
	if err != nil {
		m.Log.Errorf("op=storeService name=%q data_source=%q err=%v", s.Name, s.DataSource, err)
		return StoreResult{}, err
	}
	s.ID = res.ID
	return res, nil
}

func (m *Manager) storeService(ctx context.Context, s *model.Service) (StoreResult, error) {
	if err := validateService(s); err != nil {
		return StoreResult{}, err
	}
	s.CompletenessScore = model.CompletenessScore(s)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return StoreResult{}, err
	}
	// Rollback after a successful Commit is a no-op
	defer tx.Rollback()

	var orgID sql.NullString
	if s.Organization != nil && strings.TrimSpace(s.Organization.Name) != "" {
		id, err := upsertOrganization(ctx, tx, s.Organization, s.DataSource)
		if err != nil {
			return StoreResult{}, fmt.Errorf("During storeService.upsertOrganization: %w", err)
		}
		s.Organization.ID = id
		orgID = sql.NullString{String: id, Valid: true}
	}

	res, err := upsertService(ctx, tx, s, orgID)
	if err != nil {
		return StoreResult{}, fmt.Errorf("During storeService.upsertService: %w", err)
	}
	if err := replaceCategories(ctx, tx, res.ID, s.Categories); err != nil {
		return StoreResult{}, fmt.Errorf("During storeService.replaceCategories: %w", err)
	}
	if err := replaceLocations(ctx, tx, res.ID, s.Locations); err != nil {
		return StoreResult{}, fmt.Errorf("During storeService.replaceLocations: %w", err)
	}
	if err := replaceContacts(ctx, tx, res.ID, s.Contacts); err != nil {
		return StoreResult{}, fmt.Errorf("During storeService.replaceContacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StoreResult{}, err
	}
	return res, nil
}

func upsertOrganization(ctx context.Context, tx *sql.Tx, o *model.Organization, dataSource string) (string, error) {
	if o.DataSource == "" {
		o.DataSource = dataSource
	}
	verification := o.VerificationStatus
	if verification == "" {
		verification = "unverified"
	}
	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name, description, type, abn, acn, tax_id, website, verification_status, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name, data_source) DO UPDATE SET
			description = EXCLUDED.description,
			type = EXCLUDED.type,
			abn = EXCLUDED.abn,
			acn = EXCLUDED.acn,
			tax_id = EXCLUDED.tax_id,
			website = EXCLUDED.website,
			verification_status = EXCLUDED.verification_status,
			updated_at = now()
		RETURNING id`,
		idOrNew(o.ID), o.Name, o.Description, o.Type, o.ABN, o.ACN, o.TaxID, o.Website, verification, o.DataSource,
	).Scan(&id)
	return id, err
}

const serviceColumns = `id, organization_id, name, description, url, email, status, minimum_age, maximum_age,
	youth_specific, indigenous_specific, keywords, coverage_type, coverage_states, completeness_score,
	verification_status, verification_score, data_source, source_id, source_url, content_hash, quality_flags, last_verified`

// Shared by both upsert paths. $1 is the id, $3 the name and $18 the data source.
const serviceAssignments = `
			organization_id = $2,
			description = $4,
			url = $5,
			email = $6,
			status = $7,
			minimum_age = $8,
			maximum_age = $9,
			youth_specific = $10,
			indigenous_specific = $11,
			keywords = $12,
			coverage_type = $13,
			coverage_states = $14,
			completeness_score = $15,
			verification_status = $16,
			verification_score = $17,
			source_id = $19,
			source_url = $20,
			content_hash = $21,
			quality_flags = $22,
			last_verified = COALESCE($23, services.last_verified),
			updated_at = GREATEST(clock_timestamp(), services.updated_at + interval '1 microsecond')`

// A service that carries the id of a stored row is updated by id, so a renamed
// service keeps its identity. Otherwise (name, data_source) decides.
//
// The (xmax = 0) test is true only for a row that this statement inserted.
// A row that hit the conflict path carries the updating transaction's xmax.
//
// updated_at comes from clock_timestamp() rather than now(), so that it is as
// close to the commit as possible.
func upsertService(ctx context.Context, tx *sql.Tx, s *model.Service, orgID sql.NullString) (StoreResult, error) {
	var minAge, maxAge *int
	if s.AgeRange != nil {
		minAge, maxAge = s.AgeRange.Minimum, s.AgeRange.Maximum
	}
	coverageType := ""
	coverageStates := []string{}
	if s.Coverage != nil {
		coverageType = string(s.Coverage.Type)
		coverageStates = append(coverageStates, s.Coverage.States...)
	}
	flags := s.QualityFlags
	if flags == nil {
		flags = []model.QualityFlag{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return StoreResult{}, err
	}
	keywords := s.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	verification := s.VerificationStatus
	if verification == "" {
		verification = "unverified"
	}

	id := idOrNew(s.ID)
	args := []interface{}{
		id, orgID, s.Name, s.Description, s.URL, s.Email, string(s.Status), nullInt(minAge), nullInt(maxAge),
		s.YouthSpecific, s.IndigenousSpecific, pq.Array(keywords), coverageType, pq.Array(coverageStates), s.CompletenessScore,
		verification, s.VerificationScore, s.DataSource, s.SourceID, s.SourceURL, s.ContentHash, string(flagsJSON), s.LastVerified,
	}

	res := StoreResult{}
	if id == s.ID {
		err = tx.QueryRowContext(ctx, `
		UPDATE services SET
			name = $3,
			data_source = $18,`+serviceAssignments+`
		WHERE id = $1
		RETURNING id`, args...).Scan(&res.ID)
		if err == nil {
			return res, nil
		}
		if err != sql.ErrNoRows {
			return res, err
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO services (`+serviceColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, clock_timestamp())
		ON CONFLICT (name, data_source) DO UPDATE SET`+serviceAssignments+`
		RETURNING id, (xmax = 0) AS inserted`, args...).Scan(&res.ID, &res.Inserted)
	return res, err
}

// The first category is the primary one. Duplicates are dropped.
func replaceCategories(ctx context.Context, tx *sql.Tx, serviceID string, categories []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_categories WHERE service_id = $1`, serviceID); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO service_categories (service_id, category, is_primary) VALUES ($1, $2, $3)`,
			serviceID, c, len(seen) == 0); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("Duplicate category %v: %w", c, err)
			}
			return err
		}
		seen[c] = true
	}
	return nil
}

func replaceLocations(ctx context.Context, tx *sql.Tx, serviceID string, locations []model.Location) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM locations WHERE service_id = $1`, serviceID); err != nil {
		return err
	}
	for i := range locations {
		l := &locations[i]
		country := l.Country
		if country == "" {
			country = "AU"
		}
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO locations (service_id, name, address_1, address_2, city, state_province, postal_code, country, region, latitude, longitude)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			serviceID, l.Name, l.AddressLine1, l.AddressLine2, l.City, l.StateProvince, l.PostalCode, country, l.Region,
			nullFloat(l.Latitude), nullFloat(l.Longitude),
		).Scan(&id)
		if err != nil {
			return err
		}
		l.ID = id
	}
	return nil
}

func replaceContacts(ctx context.Context, tx *sql.Tx, serviceID string, contacts []model.Contact) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE service_id = $1`, serviceID); err != nil {
		return err
	}
	for i := range contacts {
		c := &contacts[i]
		phones := c.Phones
		if phones == nil {
			phones = []model.Phone{}
		}
		phoneJSON, err := json.Marshal(phones)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRowContext(ctx, `
			INSERT INTO contacts (service_id, name, title, email, phone) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			serviceID, c.Name, c.Title, c.Email, string(phoneJSON),
		).Scan(&id)
		if err != nil {
			return err
		}
		c.ID = id
	}
	return nil
}

// BulkFailure describes one record that could not be stored
type BulkFailure struct {
	Index int
	Name  string
	Err   error
}

type BulkResult struct {
	Inserted int
	Updated  int
	Errors   int
	Total    int
	Failures []BulkFailure
}

// BulkUpsertServices stores each record in its own transaction. A failed
// record is counted and skipped; it never affects its siblings. At most
// BulkWorkers records are in flight at once.
func (m *Manager) BulkUpsertServices(ctx context.Context, services []*model.Service) BulkResult {
	res := BulkResult{Total: len(services)}
	var lock sync.Mutex

	workers := m.BulkWorkers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, s := range services {
		i, s := i, s
		g.Go(func() error {
			if s == nil {
				lock.Lock()
				res.Errors++
				res.Failures = append(res.Failures, BulkFailure{Index: i, Err: ErrMissingName})
				lock.Unlock()
				return nil
			}
			r, err := m.StoreService(ctx, s)
			lock.Lock()
			defer lock.Unlock()
			switch {
			case err != nil:
				res.Errors++
				res.Failures = append(res.Failures, BulkFailure{Index: i, Name: s.Name, Err: err})
			case r.Inserted:
				res.Inserted++
			default:
				res.Updated++
			}
			return nil
		})
	}
	g.Wait()
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Index < res.Failures[j].Index })

	m.Log.Infof("op=bulkUpsertServices total=%v inserted=%v updated=%v errors=%v", res.Total, res.Inserted, res.Updated, res.Errors)
	return res
}
