package ibm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// client is the minimal runtime-API surface the pilot needs: submit, poll,
// cancel, program upload/run, and device probes. Transport errors and 5xx
// responses surface as ProviderUnavailable so the orchestrator records a
// single job-level failure.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.quantum-computing.ibm.com/runtime"
	}
	// Avoid short client-level timeouts; rely on request context deadlines instead.
	return &client{baseURL: base, http: &http.Client{Timeout: 0}}
}

type submitRequest struct {
	Device   string   `json:"backend"`
	Shots    int      `json:"shots"`
	Mode     string   `json:"program_id"` // "runner" | "sampler" | "estimator"
	Circuits []string `json:"circuits"`   // QASM3 wire form
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobStatusResponse struct {
	Status    string              `json:"status"` // QUEUED | RUNNING | COMPLETED | FAILED | CANCELLED
	Error     string              `json:"error,omitempty"`
	Counts    []map[string]int    `json:"counts,omitempty"`     // little-endian binary keys, one map per circuit
	QuasiDist []map[string]float64 `json:"quasi_dists,omitempty"` // decimal string keys
	Values    []float64           `json:"values,omitempty"`
	Variances []float64           `json:"variances,omitempty"`
}

func (c *client) submit(ctx context.Context, token string, req submitRequest) (string, error) {
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", token, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", qerr.New(qerr.KindProviderUnavailable, "submission returned no job id")
	}
	return out.ID, nil
}

func (c *client) status(ctx context.Context, token, jobID string) (jobStatusResponse, error) {
	var out jobStatusResponse
	err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, token, nil, &out)
	return out, err
}

// poll waits for a terminal provider status, bounded by ctx.
func (c *client) poll(ctx context.Context, token, jobID string) (jobStatusResponse, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := c.status(ctx, token, jobID)
		if err != nil {
			return st, err
		}
		switch st.Status {
		case "COMPLETED", "FAILED", "CANCELLED":
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func (c *client) cancel(ctx context.Context, token, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+jobID, token, nil, nil)
}

type uploadResponse struct {
	ProgramID string `json:"program_id"`
}

func (c *client) uploadProgram(ctx context.Context, token, name, source string) (string, error) {
	var out uploadResponse
	body := map[string]string{"name": name, "data": source}
	if err := c.do(ctx, http.MethodPost, "/programs", token, body, &out); err != nil {
		return "", err
	}
	if out.ProgramID == "" {
		return "", qerr.New(qerr.KindProviderUnavailable, "upload returned no program id")
	}
	return out.ProgramID, nil
}

type scriptRunResponse struct {
	Return json.RawMessage `json:"return"`
}

func (c *client) runProgram(ctx context.Context, token, programID, device string) (json.RawMessage, error) {
	var out scriptRunResponse
	body := map[string]string{"program_id": programID, "backend": device}
	if err := c.do(ctx, http.MethodPost, "/programs/"+programID+"/run", token, body, &out); err != nil {
		return nil, err
	}
	return out.Return, nil
}

type deviceStatusResponse struct {
	Operational bool `json:"operational"`
}

func (c *client) deviceStatus(ctx context.Context, token, device string) (bool, error) {
	var out deviceStatusResponse
	err := c.do(ctx, http.MethodGet, "/backends/"+device+"/status", token, nil, &out)
	return out.Operational, err
}

func (c *client) deviceProperties(ctx context.Context, token, device string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/backends/"+device+"/properties", token, nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return qerr.Wrap(qerr.KindProviderUnavailable, err, "reaching provider api")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromStatus(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}

func errorFromStatus(code int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return qerr.New(qerr.KindUnauthorized, "provider rejected token: %s", msg)
	case code == http.StatusNotFound:
		return qerr.New(qerr.KindNotFound, "provider resource not found: %s", msg)
	case code >= 500 || code == http.StatusTooManyRequests:
		return qerr.New(qerr.KindProviderUnavailable, "provider api error %d: %s", code, msg)
	default:
		return qerr.New(qerr.KindValidation, "provider rejected request (%d): %s", code, msg)
	}
}
