package server

import (
	"context"
	"fmt"
	"time"

	"github.com/IMQS/service-finder/model"
	"github.com/IMQS/service-finder/normalize"
	"github.com/IMQS/service-finder/query"
	"github.com/IMQS/service-finder/store"
	"github.com/jasonlvhit/gocron"
)

// Number of services read from the store per reindex page
const reindexPageSize = 500

// A write can commit after a reindex pass has read past its updated_at, so
// every pass rereads this much of the previous one
const reindexOverlap = time.Minute

// Stages at which an ingested record can fail
const (
	StageNormalize = "normalize"
	StageStore     = "store"
	StageIndex     = "index"
)

type IngestFailure struct {
	Index int    `json:"index"` // Position in the submitted batch
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// IngestResult counts the outcome of every record in a batch. A record that
// was stored but could not be indexed is counted in both Inserted/Updated and
// IndexErrors; the next reindex picks it up.
type IngestResult struct {
	Total       int             `json:"total"`
	Rejected    int             `json:"rejected"`
	Inserted    int             `json:"inserted"`
	Updated     int             `json:"updated"`
	StoreErrors int             `json:"store_errors"`
	Indexed     int             `json:"indexed"`
	IndexErrors int             `json:"index_errors"`
	IDs         []string        `json:"ids"`
	Failures    []IngestFailure `json:"failures"`
}

// Ingest runs every record through normalize, store and index. Records fail
// independently of each other. The error return is reserved for failures that
// affect the whole batch, such as an unreachable index.
func (e *Engine) Ingest(ctx context.Context, records []normalize.RawRecord) (IngestResult, error) {
	res := IngestResult{
		Total:    len(records),
		IDs:      []string{},
		Failures: []IngestFailure{},
	}

	services := []*model.Service{}
	positions := []int{}
	for i, raw := range records {
		s, flags := normalize.Normalize(raw)
		if err := normalize.Check(flags); err != nil {
			res.Rejected++
			res.Failures = append(res.Failures, IngestFailure{Index: i, Name: s.Name, Stage: StageNormalize, Error: err.Error()})
			continue
		}
		services = append(services, &s)
		positions = append(positions, i)
	}
	if len(services) == 0 {
		return res, nil
	}

	stored := e.Store.BulkUpsertServices(ctx, services)
	res.Inserted = stored.Inserted
	res.Updated = stored.Updated
	res.StoreErrors = stored.Errors
	failed := map[int]bool{}
	byID := map[string]int{}
	for _, f := range stored.Failures {
		failed[f.Index] = true
		res.Failures = append(res.Failures, IngestFailure{Index: positions[f.Index], Name: f.Name, Stage: StageStore, Error: f.Err.Error()})
	}
	for i, s := range services {
		if !failed[i] {
			res.IDs = append(res.IDs, s.ID)
			byID[s.ID] = i
		}
	}
	if len(res.IDs) == 0 {
		return res, nil
	}

	indexed, err := e.reindex(ctx, res.IDs)
	res.Indexed = indexed.Indexed
	res.IndexErrors = indexed.Failed
	for _, f := range indexed.Failures {
		i := byID[f.ID]
		res.Failures = append(res.Failures, IngestFailure{Index: positions[i], ID: f.ID, Name: services[i].Name, Stage: StageIndex, Error: f.Message})
	}
	if err != nil {
		res.IndexErrors = len(res.IDs) - res.Indexed
		return res, err
	}
	e.ErrorLog.Infof("op=ingest total=%v rejected=%v inserted=%v updated=%v store_errors=%v indexed=%v index_errors=%v",
		res.Total, res.Rejected, res.Inserted, res.Updated, res.StoreErrors, res.Indexed, res.IndexErrors)
	return res, nil
}

// The store is the system of record, so documents are always built from what
// it holds rather than from the request.
func (e *Engine) reindex(ctx context.Context, ids []string) (query.BulkIndexResult, error) {
	services, err := e.Store.LoadServices(ctx, ids)
	if err != nil {
		return query.BulkIndexResult{}, err
	}
	return e.indexServices(ctx, services)
}

// Services that are not active are removed from the index instead, so that a
// status change takes effect on the next reindex.
func (e *Engine) indexServices(ctx context.Context, services []model.Service) (query.BulkIndexResult, error) {
	active := make([]model.Service, 0, len(services))
	for _, s := range services {
		if s.Status == model.StatusActive {
			active = append(active, s)
			continue
		}
		if err := e.Search.DeleteService(ctx, s.ID); err != nil {
			return query.BulkIndexResult{}, err
		}
	}
	if len(active) == 0 {
		return query.BulkIndexResult{Failures: []query.BulkIndexFailure{}}, nil
	}
	return e.Search.BulkIndexServices(ctx, active)
}

// Reindex rebuilds the documents of the given services from the store. It
// returns store.ErrNotFound if none of them exist.
func (e *Engine) Reindex(ctx context.Context, ids []string) (query.BulkIndexResult, error) {
	services, err := e.Store.LoadServices(ctx, ids)
	if err != nil {
		return query.BulkIndexResult{}, err
	}
	if len(services) == 0 && len(ids) != 0 {
		return query.BulkIndexResult{}, store.ErrNotFound
	}
	res, err := e.indexServices(ctx, services)
	if err == nil && len(res.Failures) != 0 {
		err = fmt.Errorf("%v of %v documents could not be indexed. First failure: %v: %v", res.Failed, len(ids), res.Failures[0].ID, res.Failures[0].Message)
	}
	return res, err
}

// ReindexAll walks the whole store and indexes every service
func (e *Engine) ReindexAll(ctx context.Context) (query.BulkIndexResult, error) {
	total, _, err := e.reindexSince(ctx, store.Cursor{})
	if err != nil {
		return total, err
	}
	return total, e.Indexes.RefreshIndex(ctx)
}

// reindexSince indexes every service after the cursor, and returns the
// position of the last service that was read
func (e *Engine) reindexSince(ctx context.Context, after store.Cursor) (query.BulkIndexResult, store.Cursor, error) {
	total := query.BulkIndexResult{Failures: []query.BulkIndexFailure{}}
	for {
		page, err := e.Store.ListServicesUpdatedSince(ctx, after, reindexPageSize)
		if err != nil {
			return total, after, err
		}
		if len(page) == 0 {
			return total, after, nil
		}
		res, err := e.indexServices(ctx, page)
		total.Indexed += res.Indexed
		total.Failed += res.Failed
		total.Failures = append(total.Failures, res.Failures...)
		if err != nil {
			return total, after, err
		}
		last := page[len(page)-1]
		after = store.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
		if len(page) < reindexPageSize {
			return total, after, nil
		}
	}
}

// Cleanup purges the store, and removes the purged services from the index
func (e *Engine) Cleanup(ctx context.Context) (store.CleanupResult, error) {
	config := e.GetConfig()
	res, err := e.Store.Cleanup(ctx, store.CleanupOptions{RemoveLowQuality: config.Schedule.RemoveLowestQuality})
	if err != nil {
		return res, err
	}
	for _, id := range res.RemovedServices {
		if err := e.Search.DeleteService(ctx, id); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Delta reindex, used by the auto reindexer
func overlapCursor(c store.Cursor) store.Cursor {
	if c.UpdatedAt.IsZero() {
		return c
	}
	return store.Cursor{UpdatedAt: c.UpdatedAt.Add(-reindexOverlap)}
}

func (e *Engine) reindexChanged(ctx context.Context) error {
	e.reindexLock.Lock()
	defer e.reindexLock.Unlock()
	res, cursor, err := e.reindexSince(ctx, overlapCursor(e.reindexCursor))
	if cursor.After(e.reindexCursor) {
		e.reindexCursor = cursor
	}
	if err != nil {
		return err
	}
	if res.Indexed != 0 || res.Failed != 0 {
		e.ErrorLog.Infof("op=autoReindex indexed=%v failed=%v", res.Indexed, res.Failed)
	}
	return nil
}

// StartAutoReindexer launches a loop that never exits, which indexes every
// service that changed since its previous pass. The first pass covers the
// whole store. After a failure the pause between passes doubles, up to
// 30 minutes. As soon as a pass succeeds again, the pause is back to the
// configured interval.
// This function is never run if Schedule.DisableAutoReindex = true.
func (e *Engine) StartAutoReindexer() {
	e.ErrorLog.Info("Starting Auto Reindexer")
	last_attempt := time.Now().Add(-time.Hour)
	min_pause := e.GetConfig().reindexInterval()
	max_pause := 30 * time.Minute
	if max_pause < min_pause {
		max_pause = min_pause
	}
	pause := min_pause
	for range e.reindexTicker.C {
		if time.Now().Sub(last_attempt) > pause {
			err := e.reindexChanged(context.Background())
			if err != nil {
				e.ErrorLog.Errorf("Auto reindex failed: %v", err)
				pause *= 2
				if pause > max_pause {
					pause = max_pause
				}
			} else {
				pause = min_pause
			}
			last_attempt = time.Now()
		}
	}
}

// StartAutoCleanup uses gocron to run Cleanup once a day, at Schedule.CleanupAt
func (e *Engine) StartAutoCleanup() {
	at := e.GetConfig().cleanupAt()
	e.scheduler = gocron.NewScheduler()
	e.scheduler.Every(1).Day().At(at).Do(e.scheduledCleanup)
	e.schedulerStop = e.scheduler.Start()
	e.ErrorLog.Infof("Cleanup is scheduled daily at %v", at)
}

func (e *Engine) scheduledCleanup() {
	res, err := e.Cleanup(context.Background())
	if err != nil {
		e.ErrorLog.Errorf("Scheduled cleanup failed: %v", err)
		return
	}
	e.ErrorLog.Infof("Scheduled cleanup removed %v services", len(res.RemovedServices))
}
