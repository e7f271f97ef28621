// Package index owns the structure and lifecycle of the Elasticsearch index
// that holds service documents. It does not read or write documents.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/IMQS/log"
	"github.com/elastic/go-elasticsearch/v8"
)

const DefaultIndexName = "services"

type Config struct {
	Addresses       []string
	Username        string
	Password        string
	Index           string
	RequestTimeout  time.Duration
	SynonymsVersion string
	Synonyms        []string
}

const DefaultRequestTimeout = 30 * time.Second

// NewClient constructs the one Elasticsearch client that a process shares.
// Construction does not contact the cluster.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
}

// Manager performs index lifecycle operations
type Manager struct {
	ES  *elasticsearch.Client
	Log *log.Logger

	name            string
	synonyms        []string
	synonymsVersion string
}

func NewManager(es *elasticsearch.Client, cfg Config, logger *log.Logger) *Manager {
	name := cfg.Index
	if name == "" {
		name = DefaultIndexName
	}
	version := cfg.SynonymsVersion
	synonyms := cfg.Synonyms
	if len(synonyms) == 0 {
		synonyms = DefaultSynonyms
		version = DefaultSynonymsVersion
	}
	return &Manager{
		ES:              es,
		Log:             logger,
		name:            name,
		synonyms:        synonyms,
		synonymsVersion: version,
	}
}

// Name is the index that all documents live in
func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) SynonymsVersion() string {
	return m.synonymsVersion
}

func encode(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (m *Manager) Exists(ctx context.Context) (bool, error) {
	res, err := m.ES.Indices.Exists([]string{m.name}, m.ES.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, TransportError("indexExists", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, ResponseError("indexExists", res)
}

// CreateIndex creates the index if it does not yet exist, and returns true if
// it did so. An existing index is never dropped or recreated. If the existing
// index was built with a different synonym list, a warning is logged, because
// analysis settings can only change by rebuilding the index.
func (m *Manager) CreateIndex(ctx context.Context) (bool, error) {
	exists, err := m.Exists(ctx)
	if err != nil {
		m.Log.Errorf("op=createIndex index=%v err=%v", m.name, err)
		return false, err
	}
	if exists {
		m.checkSynonymsVersion(ctx)
		return false, nil
	}

	body, err := encode(Definition(m.synonymsVersion, m.synonyms))
	if err != nil {
		return false, err
	}
	res, err := m.ES.Indices.Create(m.name, m.ES.Indices.Create.WithBody(body), m.ES.Indices.Create.WithContext(ctx))
	if err := Check("createIndex", res, err); err != nil {
		// Lost a race with another creator
		if opErr, ok := err.(*OperationError); ok && opErr.Type == "resource_already_exists_exception" {
			return false, nil
		}
		m.Log.Errorf("op=createIndex index=%v err=%v", m.name, err)
		return false, err
	}
	res.Body.Close()
	m.Log.Infof("op=createIndex index=%v synonyms_version=%v", m.name, m.synonymsVersion)
	return true, nil
}

func (m *Manager) checkSynonymsVersion(ctx context.Context) {
	stored, err := m.StoredMeta(ctx)
	if err != nil {
		m.Log.Warnf("op=checkSynonymsVersion index=%v err=%v", m.name, err)
		return
	}
	if v, _ := stored["synonyms_version"].(string); v != m.synonymsVersion {
		m.Log.Warnf("Index %v was built with synonyms version '%v', but '%v' is configured. Delete and recreate the index to apply it.", m.name, v, m.synonymsVersion)
	}
}

// StoredMeta returns the _meta object of the live mapping
func (m *Manager) StoredMeta(ctx context.Context) (map[string]interface{}, error) {
	res, err := m.ES.Indices.GetMapping(m.ES.Indices.GetMapping.WithIndex(m.name), m.ES.Indices.GetMapping.WithContext(ctx))
	if err := Check("getMapping", res, err); err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body := map[string]struct {
		Mappings struct {
			Meta map[string]interface{} `json:"_meta"`
		} `json:"mappings"`
	}{}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, &OperationError{Op: "getMapping", StatusCode: res.StatusCode, Message: "Invalid response body", Cause: err}
	}
	meta := body[m.name].Mappings.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return meta, nil
}

// UpdateMapping puts the current field mapping onto the existing index.
// Elasticsearch accepts only additive changes; an incompatible change to an
// existing field is returned as an error.
func (m *Manager) UpdateMapping(ctx context.Context) error {
	body, err := encode(map[string]interface{}{
		"_meta":      Meta(m.synonymsVersion),
		"properties": Properties(),
	})
	if err != nil {
		return err
	}
	res, err := m.ES.Indices.PutMapping([]string{m.name}, body, m.ES.Indices.PutMapping.WithContext(ctx))
	if err := Check("updateMapping", res, err); err != nil {
		m.Log.Errorf("op=updateMapping index=%v err=%v", m.name, err)
		return err
	}
	res.Body.Close()
	m.Log.Infof("op=updateMapping index=%v", m.name)
	return nil
}

// DeleteIndex succeeds if the index is already absent
func (m *Manager) DeleteIndex(ctx context.Context) error {
	res, err := m.ES.Indices.Delete([]string{m.name}, m.ES.Indices.Delete.WithContext(ctx))
	if err := Check("deleteIndex", res, err); err != nil {
		if IsNotFound(err) {
			return nil
		}
		m.Log.Errorf("op=deleteIndex index=%v err=%v", m.name, err)
		return err
	}
	res.Body.Close()
	m.Log.Infof("op=deleteIndex index=%v", m.name)
	return nil
}

// RefreshIndex makes all writes so far visible to search
func (m *Manager) RefreshIndex(ctx context.Context) error {
	res, err := m.ES.Indices.Refresh(m.ES.Indices.Refresh.WithIndex(m.name), m.ES.Indices.Refresh.WithContext(ctx))
	if err := Check("refreshIndex", res, err); err != nil {
		m.Log.Errorf("op=refreshIndex index=%v err=%v", m.name, err)
		return err
	}
	res.Body.Close()
	return nil
}

type Health struct {
	Healthy     bool   `json:"healthy"`
	Error       string `json:"error,omitempty"`
	ClusterName string `json:"cluster_name,omitempty"`
	Version     string `json:"version,omitempty"`
	IndexExists bool   `json:"index_exists"`
}

// HealthCheck never returns an error
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{}
	res, err := m.ES.Info(m.ES.Info.WithContext(ctx))
	if err := Check("info", res, err); err != nil {
		m.Log.Errorf("op=healthCheck err=%v", err)
		h.Error = err.Error()
		return h
	}
	defer res.Body.Close()
	info := struct {
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}{}
	if err := json.NewDecoder(res.Body).Decode(&info); err == nil {
		h.ClusterName = info.ClusterName
		h.Version = info.Version.Number
	}
	if h.IndexExists, err = m.Exists(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	return h
}
