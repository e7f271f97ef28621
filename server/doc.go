/*
Package server runs the service finder: a search engine over a directory of
community services.

Concepts

Records arrive from scrapers and partner feeds in whatever shape their source
produced. Every record goes through the same pipeline:

	raw record -> normalize -> store (Postgres) -> index (Elasticsearch)

The relational store is the system of record. The search index only ever
holds documents that were built from what the store holds, which means that
the index can be thrown away and rebuilt at any time with the "reindex"
command. Searches read only from the index. The /services endpoints read from
the store, and are there for administration, and for when the index is
unavailable.

Records are identified by (name, data_source). Ingesting the same record
twice updates the existing service; it never produces a duplicate.

Quality Flags

The normalizer does not reject records for being incomplete. Instead it
attaches quality flags, which are stored with the service for later review.
The only flag that blocks ingestion is a missing or too-short name. A record
that is rejected this way is reported in the ingestion result, and the rest
of its batch carries on.

Status

Only active services are searchable. A service that becomes inactive or
pending is deleted from the index on the next reindex. This is enforced in two
places: the indexer never writes non-active services, and every query filters
on status, so a document that slipped through is still never returned.

Reindexing

The auto reindexer wakes up every few minutes and indexes every service whose
updated_at is later than the last one it saw. Its first pass after startup
covers the whole store. Failures double the pause between passes, up to 30
minutes. On servers where indexing must only happen off-peak, set
Schedule.DisableAutoReindex and run "reindex" from a scheduled task instead.

Synonyms

The synonym rules are part of the index settings, and are stamped into the
index metadata together with their version. Changing the synonyms in the
config does not change an existing index. A warning is logged at startup when
the versions differ; delete and rebuild the index to apply the new rules.

Cleanup

Once a day, at Schedule.CleanupAt, the cleanup job deletes child rows that
have lost their service, and, if Schedule.RemoveLowestQuality is set, services
whose completeness score is below store.LowQualityThreshold. Services deleted
this way are also removed from the index.

HTTP API

	GET    /search                 Ranked search. Parameters: q, categories, regions,
	                               min_age, max_age, youth_specific, indigenous_specific,
	                               lat, lng, radius, limit, offset, sort, facets
	GET    /search/autocomplete    q, type (service, organization, category)
	GET    /search/nearby          lat, lng, radius, limit
	GET    /search/facets          Same filters as /search
	GET    /services               SQL search: q, state, category, data_source,
	                               youth_specific, status, order_by, limit, offset
	GET    /services/:id
	POST   /services               Ingest one record, or an array of records
	DELETE /services/:id/index     Remove a service from the index only
	POST   /reindex/:id
	GET    /stats
	GET    /health
	GET    /ping

Invalid parameters produce a 400 with a message that names the parameter.
A failed search is always an error response, never an empty result.
*/
package server
