// Package rigetti is the Rigetti pilot: QUIL text submitted over the HTTP
// API. The QUIL transpile edge is experimental, so this pilot is only
// reachable with experimental features enabled.
package rigetti

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/result"
)

//go:embed rigetti_standard_devices.json
var seedDevices []byte

type Pilot struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Pilot {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.qcs.rigetti.com/v1"
	}
	// Avoid short client-level timeouts; rely on request context deadlines instead.
	return &Pilot{baseURL: base, http: &http.Client{Timeout: 0}}
}

func (p *Pilot) Name() string        { return "rigetti" }
func (p *Pilot) WithToken() bool     { return true }
func (p *Pilot) SeedDevices() []byte { return seedDevices }

func (p *Pilot) SupportedFormats() []format.Format {
	return []format.Format{format.Quil}
}

type runResponse struct {
	ID     string         `json:"id"`
	Counts map[string]int `json:"counts"` // binary readout keys
}

func (p *Pilot) Run(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	if req.Job.Type != model.TypeRunner {
		return nil, pilot.UnsupportedJobType(p, req.Job.Type)
	}
	results := make([]model.Result, 0, len(req.Programs))
	var providerIDs []string
	for i, rp := range req.Programs {
		quil, ok := rp.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("program %d: expected quil text payload, got %T", i, rp.Payload)
		}
		body := map[string]any{
			"quil":   quil,
			"device": req.Device.Name,
			"shots":  req.Shots,
		}
		var out runResponse
		if err := p.do(ctx, http.MethodPost, "/programs/run", req.Token, body, &out); err != nil {
			return nil, err
		}
		if out.ID != "" {
			providerIDs = append(providerIDs, out.ID)
			if err := req.RecordProviderID(ctx, strings.Join(providerIDs, ",")); err != nil {
				return nil, err
			}
		}
		counts, err := result.CountsBinToHex(out.Counts, false)
		if err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		results = append(results, model.Result{
			JobID:     req.Job.ID,
			ProgramID: rp.Program.ID,
			Type:      model.ResultCounts,
			Data:      model.MarshalData(counts),
			Meta: model.MarshalData(map[string]any{
				"shots":    req.Shots,
				"checksum": rp.Program.Checksum,
			}),
		})
	}
	return results, nil
}

func (p *Pilot) Cancel(ctx context.Context, job *model.Job, token string) error {
	return qerr.New(qerr.KindCancelUnsupported,
		"provider rigetti cannot revoke submitted jobs")
}

func (p *Pilot) IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	if err := p.do(ctx, http.MethodGet, "/devices/"+d.Name+"/status", token, nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

func (p *Pilot) Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error) {
	var out json.RawMessage
	err := p.do(ctx, http.MethodGet, "/devices/"+d.Name+"/calibration", token, nil, &out)
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
	req.Header.Set("Authorization", "Bearer "+token)

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
