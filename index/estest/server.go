// Package estest is an in-process stand-in for an Elasticsearch cluster, for
// testing request construction and response handling.
package estest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
)

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Handler returns the status code and JSON body of a response
type Handler func(r Request) (int, string)

type Server struct {
	*httptest.Server

	lock     sync.Mutex
	requests []Request
	handler  Handler
}

// New starts a server. Close it with t.Cleanup or defer.
func New(handler Handler) *Server {
	s := &Server{handler: handler}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Body:   body,
	}
	s.lock.Lock()
	s.requests = append(s.requests, req)
	handler := s.handler
	s.lock.Unlock()

	status, resp := http.StatusOK, `{}`
	if handler != nil {
		status, resp = handler(req)
	}
	// The v8 client refuses to talk to anything that does not claim to be Elasticsearch
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		io.WriteString(w, resp)
	}
}

// SetHandler replaces the handler for subsequent requests
func (s *Server) SetHandler(h Handler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handler = h
}

// Requests returns everything received so far
func (s *Server) Requests() []Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Request{}, s.requests...)
}

// Last returns the most recent request, or a zero Request
func (s *Server) Last() Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *Server) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.requests = nil
}

// Client returns an Elasticsearch client that talks to s
func (s *Server) Client(t *testing.T) *elasticsearch.Client {
	t.Helper()
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{s.URL}})
	if err != nil {
		t.Fatalf("Creating Elasticsearch client: %v", err)
	}
	return es
}
