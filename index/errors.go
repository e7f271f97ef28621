package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// OperationError is returned for every failed Elasticsearch call. StatusCode
// is zero if the request never produced a response.
type OperationError struct {
	Op         string
	StatusCode int
	Type       string
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Type != "":
		return fmt.Sprintf("Elasticsearch %v failed (status %v, %v): %v", e.Op, e.StatusCode, e.Type, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("Elasticsearch %v failed (status %v): %v", e.Op, e.StatusCode, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("Elasticsearch %v failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("Elasticsearch %v failed: %v", e.Op, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// IsNotFound is true if err is an OperationError for an HTTP 404
func IsNotFound(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.StatusCode == 404
}

// TransportError wraps a failure to reach the cluster at all
func TransportError(op string, err error) error {
	return &OperationError{Op: op, Cause: err}
}

// ResponseError builds an OperationError out of an error response. The body
// is consumed, but not closed.
func ResponseError(op string, res *esapi.Response) error {
	e := &OperationError{Op: op, StatusCode: res.StatusCode}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		e.Message = res.Status()
		e.Cause = err
		return e
	}
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Reason != "" {
		e.Type = body.Error.Type
		e.Message = body.Error.Reason
	} else if len(raw) != 0 {
		e.Message = string(raw)
	} else {
		e.Message = res.Status()
	}
	return e
}

// Check converts the outcome of an esapi call into an OperationError. When it
// returns nil, the caller still owns res.Body.
func Check(op string, res *esapi.Response, err error) error {
	if err != nil {
		return TransportError(op, err)
	}
	if res.IsError() {
		defer res.Body.Close()
		return ResponseError(op, res)
	}
	return nil
}
