package store

import (
	"github.com/BurntSushi/migration"
)

// Schema provisioning is only run in development. Production databases are
// managed outside of this service, but must match these definitions.
//
// Every Location, Contact and category row is owned by its Service, and is
// removed with it through ON DELETE CASCADE.
func createMigrations() []migration.Migrator {
	var migrations []migration.Migrator

	migrations = append(migrations, makeMigrationFromSQL(`
	CREATE TABLE organizations(
		id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name                TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		type                TEXT NOT NULL DEFAULT '',
		abn                 TEXT NOT NULL DEFAULT '',
		acn                 TEXT NOT NULL DEFAULT '',
		tax_id              TEXT NOT NULL DEFAULT '',
		website             TEXT NOT NULL DEFAULT '',
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		data_source         TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (name, data_source)
	);

	CREATE TABLE services(
		id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		organization_id     UUID REFERENCES organizations(id) ON DELETE SET NULL,
		name                TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		url                 TEXT NOT NULL DEFAULT '',
		email               TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive', 'pending')),
		minimum_age         INTEGER,
		maximum_age         INTEGER,
		youth_specific      BOOLEAN NOT NULL DEFAULT false,
		indigenous_specific BOOLEAN NOT NULL DEFAULT false,
		keywords            TEXT[] NOT NULL DEFAULT '{}',
		coverage_type       TEXT NOT NULL DEFAULT '',
		coverage_states     TEXT[] NOT NULL DEFAULT '{}',
		completeness_score  REAL NOT NULL DEFAULT 0,
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		verification_score  REAL NOT NULL DEFAULT 0,
		data_source         TEXT NOT NULL,
		source_id           TEXT NOT NULL DEFAULT '',
		source_url          TEXT NOT NULL DEFAULT '',
		content_hash        TEXT NOT NULL DEFAULT '',
		quality_flags       JSONB NOT NULL DEFAULT '[]',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_verified       TIMESTAMPTZ,
		search_vector       TSVECTOR GENERATED ALWAYS AS (
			setweight(to_tsvector('english', name), 'A') ||
			setweight(to_tsvector('english', description), 'B')
		) STORED,
		UNIQUE (name, data_source)
	);

	CREATE TABLE locations(
		id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		service_id     UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		name           TEXT NOT NULL DEFAULT '',
		address_1      TEXT NOT NULL DEFAULT '',
		address_2      TEXT NOT NULL DEFAULT '',
		city           TEXT NOT NULL DEFAULT '',
		state_province TEXT NOT NULL DEFAULT '',
		postal_code    TEXT NOT NULL DEFAULT '',
		country        TEXT NOT NULL DEFAULT 'AU',
		region         TEXT NOT NULL DEFAULT '',
		latitude       DOUBLE PRECISION,
		longitude      DOUBLE PRECISION
	);

	CREATE TABLE contacts(
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		name       VARCHAR(255) NOT NULL DEFAULT '',
		title      VARCHAR(255) NOT NULL DEFAULT '',
		email      VARCHAR(255) NOT NULL DEFAULT '',
		phone      JSONB NOT NULL DEFAULT '[]'
	);

	CREATE TABLE service_categories(
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		category   TEXT NOT NULL,
		is_primary BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (service_id, category)
	);

	CREATE INDEX idx_services_status ON services (status);
	CREATE INDEX idx_services_youth_specific ON services (youth_specific);
	CREATE INDEX idx_services_data_source ON services (data_source);
	CREATE INDEX idx_services_organization_id ON services (organization_id);
	CREATE INDEX idx_services_updated ON services (updated_at, id);
	CREATE INDEX idx_services_search_vector ON services USING GIN (search_vector);
	CREATE INDEX idx_locations_service_id ON locations (service_id);
	CREATE INDEX idx_locations_state ON locations (state_province);
	CREATE INDEX idx_contacts_service_id ON contacts (service_id);
	CREATE INDEX idx_service_categories_category ON service_categories (category);
	`))

	return migrations
}

func makeMigrationFromSQL(sql string) migration.Migrator {
	return func(tx migration.LimitedTx) error {
		_, err := tx.Exec(sql)
		return err
	}
}
