// Package ionq is the IonQ pilot: direct QASM3 submission over the HTTP
// API, one provider job per program, polled to completion.
package ionq

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/result"
)

//go:embed ionq_standard_devices.json
var seedDevices []byte

type Pilot struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Pilot {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.ionq.co/v0.3"
	}
	// Avoid short client-level timeouts; rely on request context deadlines instead.
	return &Pilot{baseURL: base, http: &http.Client{Timeout: 0}}
}

func (p *Pilot) Name() string        { return "ionq" }
func (p *Pilot) WithToken() bool     { return true }
func (p *Pilot) SeedDevices() []byte { return seedDevices }

func (p *Pilot) SupportedFormats() []format.Format {
	return []format.Format{format.QASM3}
}

type jobStatus struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // submitted | running | completed | failed | canceled
	Failure   string             `json:"failure,omitempty"`
	Histogram map[string]float64 `json:"histogram,omitempty"` // decimal state keys
}

func (p *Pilot) Run(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	if req.Job.Type != model.TypeRunner {
		return nil, pilot.UnsupportedJobType(p, req.Job.Type)
	}
	// One provider job per program; ids accumulate on the job record as each
	// submission lands so a crash mid-batch loses nothing.
	var providerIDs []string
	for i, rp := range req.Programs {
		src, ok := rp.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("program %d: expected qasm text payload, got %T", i, rp.Payload)
		}
		id, err := p.submit(ctx, req.Token, req.Device.Name, req.Shots, src)
		if err != nil {
			return nil, err
		}
		providerIDs = append(providerIDs, id)
		if err := req.RecordProviderID(ctx, strings.Join(providerIDs, ",")); err != nil {
			return nil, err
		}
	}

	results := make([]model.Result, 0, len(req.Programs))
	for i, rp := range req.Programs {
		st, err := p.poll(ctx, req.Token, providerIDs[i])
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case "failed":
			return nil, qerr.New(qerr.KindProviderUnavailable, "provider job failed: %s", st.Failure)
		case "canceled":
			return nil, qerr.New(qerr.KindInvalidStateTransition, "provider canceled job %s", st.ID)
		}
		probs, err := decimalHistogram(st.Histogram)
		if err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		results = append(results, model.Result{
			JobID:     req.Job.ID,
			ProgramID: rp.Program.ID,
			Type:      model.ResultProbabilities,
			Data:      model.MarshalData(probs),
			Meta: model.MarshalData(map[string]any{
				"shots":    req.Shots,
				"checksum": rp.Program.Checksum,
			}),
		})
	}
	return results, nil
}

// decimalHistogram rewrites the API's decimal state keys into hex form.
func decimalHistogram(in map[string]float64) (map[string]float64, error) {
	byInt := make(map[int]float64, len(in))
	for k, v := range in {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("malformed histogram key %q", k)
		}
		byInt[n] = v
	}
	return result.DecimalToHex(byInt), nil
}

func (p *Pilot) submit(ctx context.Context, token, target string, shots int, qasm string) (string, error) {
	body := map[string]any{
		"target": target,
		"shots":  shots,
		"input":  map[string]string{"format": "qasm", "data": qasm},
	}
	var out jobStatus
	if err := p.do(ctx, http.MethodPost, "/jobs", token, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", qerr.New(qerr.KindProviderUnavailable, "submission returned no job id")
	}
	return out.ID, nil
}

func (p *Pilot) poll(ctx context.Context, token, id string) (jobStatus, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		var st jobStatus
		if err := p.do(ctx, http.MethodGet, "/jobs/"+id, token, nil, &st); err != nil {
			return st, err
		}
		switch st.Status {
		case "completed", "failed", "canceled":
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func (p *Pilot) Cancel(ctx context.Context, job *model.Job, token string) error {
	if job.ProviderSpecificID == "" {
		return qerr.New(qerr.KindCancelUnsupported,
			"job %s has no provider-side id to revoke", job.ID)
	}
	for _, id := range strings.Split(job.ProviderSpecificID, ",") {
		if err := p.do(ctx, http.MethodPut, "/jobs/"+id+"/status/cancel", token, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pilot) IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodGet, "/backends/"+d.Name, token, nil, &out); err != nil {
		return false, err
	}
	return out.Status == "available", nil
}

func (p *Pilot) Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error) {
	var out json.RawMessage
	err := p.do(ctx, http.MethodGet, "/backends/"+d.Name+"/characterization", token, nil, &out)
	return out, err
}

func (p *Pilot) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "apiKey "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return qerr.Wrap(qerr.KindProviderUnavailable, err, "reaching provider api")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return qerr.New(qerr.KindUnauthorized, "provider rejected token: %s", msg)
		case resp.StatusCode == http.StatusNotFound:
			return qerr.New(qerr.KindNotFound, "provider resource not found: %s", msg)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return qerr.New(qerr.KindProviderUnavailable, "provider api error %d: %s", resp.StatusCode, msg)
		default:
			return qerr.New(qerr.KindValidation, "provider rejected request (%d): %s", resp.StatusCode, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}
