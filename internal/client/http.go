package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"consistency-checker/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TransportError is a failed fetch from one of the services under test.
// It is never a consistency finding and is not retried by the poller.
type TransportError struct {
	Source     string
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Source, e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// envelope is the response wrapper both services use
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NewHTTPClient returns the client shared by all data sources. http.Client is safe for concurrent use.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// jsonAPI performs JSON requests against one service and unwraps its envelope
type jsonAPI struct {
	source  string
	baseURL string
	http    *http.Client
}

// get fails on a null data field; list tolerates it as an empty result
func (a *jsonAPI) get(ctx context.Context, operation, path string, out interface{}) error {
	return a.do(ctx, operation, http.MethodGet, path, nil, out, false)
}

func (a *jsonAPI) list(ctx context.Context, operation, path string, body, out interface{}) error {
	return a.do(ctx, operation, http.MethodPost, path, body, out, true)
}

func (a *jsonAPI) do(ctx context.Context, operation, method, path string, body, out interface{}, nullable bool) error {
	ctx, span := util.StartSpan(ctx, a.source+"."+operation,
		attribute.String("http.method", method),
		attribute.String("http.path", path))
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		util.SourceRequestDuration.WithLabelValues(a.source, operation, status).Observe(time.Since(start).Seconds())
	}()

	fail := func(err *TransportError) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fail(&TransportError{Source: a.source, Operation: operation, Err: err})
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fail(&TransportError{Source: a.source, Operation: operation, StatusCode: 0, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(&TransportError{
			Source:     a.source,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 256),
		})
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(&TransportError{Source: a.source, Operation: operation, Err: fmt.Errorf("decode envelope: %w", err)})
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		if nullable {
			return nil
		}
		return fail(&TransportError{Source: a.source, Operation: operation, Err: fmt.Errorf("response has no data")})
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fail(&TransportError{Source: a.source, Operation: operation, Err: fmt.Errorf("decode data: %w", err)})
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
