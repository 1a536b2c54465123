// Package ibm is the IBM pilot: the only pilot implementing the full job
// type surface (runner, sampler, estimator, file upload/run).
package ibm

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/result"
)

//go:embed ibm_standard_devices.json
var seedDevices []byte

type Pilot struct {
	api          *client
	experimental bool
}

// New builds the pilot. baseURL overrides the runtime API endpoint (tests
// point it at a fake); experimental gates the file upload/run job types.
func New(baseURL string, experimental bool) *Pilot {
	return &Pilot{api: newClient(baseURL), experimental: experimental}
}

func (p *Pilot) Name() string      { return "ibm" }
func (p *Pilot) WithToken() bool   { return true }
func (p *Pilot) SeedDevices() []byte { return seedDevices }

func (p *Pilot) SupportedFormats() []format.Format {
	return []format.Format{format.Qiskit}
}

func (p *Pilot) Run(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	switch req.Job.Type {
	case model.TypeRunner:
		if req.Device.IsLocal {
			return pilot.RunLocalCounts(ctx, req), nil
		}
		return p.runRemote(ctx, req)
	case model.TypeSampler:
		if req.Device.IsLocal {
			return p.sampleLocal(req)
		}
		return p.sampleRemote(ctx, req)
	case model.TypeEstimator:
		if req.Device.IsLocal {
			return p.estimateLocal(req)
		}
		return p.estimateRemote(ctx, req)
	case model.TypeFileUpload:
		if !p.experimental {
			return nil, pilot.UnsupportedJobType(p, req.Job.Type)
		}
		return p.uploadFile(ctx, req)
	case model.TypeFileRun:
		if !p.experimental {
			return nil, pilot.UnsupportedJobType(p, req.Job.Type)
		}
		return p.runFile(ctx, req)
	default:
		return nil, pilot.UnsupportedJobType(p, req.Job.Type)
	}
}

// wireCircuits serializes native circuit payloads into their QASM3 transport
// form.
func wireCircuits(programs []pilot.RunProgram) ([]string, error) {
	out := make([]string, 0, len(programs))
	for i, rp := range programs {
		c, ok := rp.Payload.(*circuit.Circuit)
		if !ok {
			return nil, fmt.Errorf("program %d: expected native circuit payload, got %T", i, rp.Payload)
		}
		src, err := circuit.EmitQASM3(c)
		if err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		out = append(out, src)
	}
	return out, nil
}

func (p *Pilot) submitAndPoll(ctx context.Context, req *pilot.Request, mode string) (jobStatusResponse, error) {
	circuits, err := wireCircuits(req.Programs)
	if err != nil {
		return jobStatusResponse{}, err
	}
	providerID, err := p.api.submit(ctx, req.Token, submitRequest{
		Device:   req.Device.Name,
		Shots:    req.Shots,
		Mode:     mode,
		Circuits: circuits,
	})
	if err != nil {
		return jobStatusResponse{}, err
	}
	if err := req.RecordProviderID(ctx, providerID); err != nil {
		return jobStatusResponse{}, err
	}
	st, err := p.poll(ctx, req.Token, providerID)
	if err != nil {
		return st, err
	}
	switch st.Status {
	case "FAILED":
		return st, qerr.New(qerr.KindProviderUnavailable, "provider job failed: %s", st.Error)
	case "CANCELLED":
		return st, qerr.New(qerr.KindInvalidStateTransition, "provider canceled job %s", providerID)
	}
	return st, nil
}

func (p *Pilot) poll(ctx context.Context, token, providerID string) (jobStatusResponse, error) {
	return p.api.poll(ctx, token, providerID)
}

func (p *Pilot) runRemote(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	st, err := p.submitAndPoll(ctx, req, "runner")
	if err != nil {
		return nil, err
	}
	if len(st.Counts) != len(req.Programs) {
		return nil, fmt.Errorf("provider returned %d count maps for %d circuits", len(st.Counts), len(req.Programs))
	}
	results := make([]model.Result, 0, len(req.Programs))
	for i, rp := range req.Programs {
		// Runtime counts come back with little-endian binary keys.
		counts, err := result.CountsBinToHex(st.Counts[i], true)
		if err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		results = append(results, countsResult(req, rp, counts))
	}
	return results, nil
}

func (p *Pilot) sampleLocal(req *pilot.Request) ([]model.Result, error) {
	results := make([]model.Result, 0, len(req.Programs))
	for _, rp := range req.Programs {
		dist, err := pilot.LocalDistribution(rp)
		if err != nil {
			results = append(results, model.ErrorResult(req.Job.ID, rp.Program.ID, err, ""))
			continue
		}
		results = append(results, distResult(req, rp, dist))
	}
	return results, nil
}

func (p *Pilot) sampleRemote(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	st, err := p.submitAndPoll(ctx, req, "sampler")
	if err != nil {
		return nil, err
	}
	if len(st.QuasiDist) != len(req.Programs) {
		return nil, fmt.Errorf("provider returned %d quasi-dists for %d circuits", len(st.QuasiDist), len(req.Programs))
	}
	results := make([]model.Result, 0, len(req.Programs))
	for i, rp := range req.Programs {
		dist, err := decimalDist(st.QuasiDist[i])
		if err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		results = append(results, distResult(req, rp, dist))
	}
	return results, nil
}

// decimalDist rewrites the runtime's decimal string keys into hex form.
func decimalDist(in map[string]float64) (map[string]float64, error) {
	byInt := make(map[int]float64, len(in))
	for k, v := range in {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("malformed quasi-dist key %q", k)
		}
		byInt[n] = v
	}
	return result.DecimalToHex(byInt), nil
}

func (p *Pilot) estimateLocal(req *pilot.Request) ([]model.Result, error) {
	results := make([]model.Result, 0, len(req.Programs))
	for _, rp := range req.Programs {
		dist, err := pilot.LocalDistribution(rp)
		if err != nil {
			results = append(results, model.ErrorResult(req.Job.ID, rp.Program.ID, err, ""))
			continue
		}
		value := parityExpectation(dist)
		results = append(results, valueResult(req, rp, value, 1-value*value))
	}
	return results, nil
}

// parityExpectation is the Z-parity observable over the measured bits: each
// outcome contributes (+1)^even / (-1)^odd times its probability.
func parityExpectation(dist map[string]float64) float64 {
	value := 0.0
	for key, prob := range dist {
		ones := 0
		for _, reg := range strings.Fields(key) {
			n, err := strconv.ParseUint(strings.TrimPrefix(reg, "0x"), 16, 64)
			if err != nil {
				continue
			}
			for ; n > 0; n >>= 1 {
				ones += int(n & 1)
			}
		}
		if ones%2 == 0 {
			value += prob
		} else {
			value -= prob
		}
	}
	return value
}

func (p *Pilot) estimateRemote(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	st, err := p.submitAndPoll(ctx, req, "estimator")
	if err != nil {
		return nil, err
	}
	if len(st.Values) != len(req.Programs) || len(st.Variances) != len(req.Programs) {
		return nil, fmt.Errorf("provider returned %d values / %d variances for %d circuits",
			len(st.Values), len(st.Variances), len(req.Programs))
	}
	results := make([]model.Result, 0, len(req.Programs))
	for i, rp := range req.Programs {
		results = append(results, valueResult(req, rp, st.Values[i], st.Variances[i]))
	}
	return results, nil
}

// uploadFile pushes each program's python file to the provider and records
// the remote program ids. The orchestrator flips the job type to FILE_RUN on
// success.
func (p *Pilot) uploadFile(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	results := make([]model.Result, 0, len(req.Programs))
	remoteIDs := make(map[string]string, len(req.Programs))
	for _, rp := range req.Programs {
		if rp.Program.PythonFilePath == "" {
			return nil, qerr.New(qerr.KindValidation,
				"program %s has no python file to upload", rp.Program.ID)
		}
		remoteID, err := p.api.uploadProgram(ctx, req.Token, rp.Program.PythonFilePath, rp.Program.Source)
		if err != nil {
			return nil, err
		}
		// Keyed by content checksum, not program id: a rerun snapshots the
		// programs under fresh ids but the source is unchanged.
		remoteIDs[rp.Program.Checksum] = remoteID
		results = append(results, model.Result{
			JobID:     req.Job.ID,
			ProgramID: rp.Program.ID,
			Type:      model.ResultUploadSuccessful,
			Data:      model.MarshalData(map[string]string{"program_id": remoteID}),
			Meta:      model.MarshalData(map[string]string{"checksum": rp.Program.Checksum}),
		})
	}
	// The remote ids ride on the job so a later FILE_RUN can find them.
	blob, err := json.Marshal(remoteIDs)
	if err != nil {
		return nil, err
	}
	req.Job.BackendState = blob
	return results, nil
}

func (p *Pilot) runFile(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	var remoteIDs map[string]string
	if len(req.Job.BackendState) > 0 {
		if err := json.Unmarshal(req.Job.BackendState, &remoteIDs); err != nil {
			return nil, fmt.Errorf("decoding uploaded program ids: %w", err)
		}
	}
	results := make([]model.Result, 0, len(req.Programs))
	for _, rp := range req.Programs {
		remoteID, ok := remoteIDs[rp.Program.Checksum]
		if !ok {
			return nil, qerr.New(qerr.KindValidation,
				"program %s was never uploaded; run a FILE_UPLOAD job first", rp.Program.ID)
		}
		ret, err := p.api.runProgram(ctx, req.Token, remoteID, req.Device.Name)
		if err != nil {
			return nil, err
		}
		results = append(results, model.Result{
			JobID:     req.Job.ID,
			ProgramID: rp.Program.ID,
			Type:      model.ResultScriptReturn,
			Data:      ret,
			Meta:      model.MarshalData(map[string]string{"program_id": remoteID}),
		})
	}
	return results, nil
}

func (p *Pilot) Cancel(ctx context.Context, job *model.Job, token string) error {
	if job.ProviderSpecificID == "" {
		return qerr.New(qerr.KindCancelUnsupported,
			"job %s has no provider-side id to revoke", job.ID)
	}
	return p.api.cancel(ctx, token, job.ProviderSpecificID)
}

func (p *Pilot) IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error) {
	if d.IsLocal {
		return true, nil
	}
	return p.api.deviceStatus(ctx, token, d.Name)
}

func (p *Pilot) Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error) {
	if d.IsLocal {
		return model.MarshalData(map[string]any{
			"backend_name": d.Name,
			"num_qubits":   d.NumQubits,
			"simulator":    d.IsSimulator,
		}), nil
	}
	return p.api.deviceProperties(ctx, token, d.Name)
}

func countsResult(req *pilot.Request, rp pilot.RunProgram, counts map[string]int) model.Result {
	return model.Result{
		JobID:     req.Job.ID,
		ProgramID: rp.Program.ID,
		Type:      model.ResultCounts,
		Data:      model.MarshalData(counts),
		Meta: model.MarshalData(map[string]any{
			"shots":    req.Shots,
			"checksum": rp.Program.Checksum,
		}),
	}
}

func distResult(req *pilot.Request, rp pilot.RunProgram, dist map[string]float64) model.Result {
	return model.Result{
		JobID:     req.Job.ID,
		ProgramID: rp.Program.ID,
		Type:      model.ResultQuasiDist,
		Data:      model.MarshalData(dist),
		Meta: model.MarshalData(map[string]any{
			"shots":    req.Shots,
			"checksum": rp.Program.Checksum,
		}),
	}
}

func valueResult(req *pilot.Request, rp pilot.RunProgram, value, variance float64) model.Result {
	return model.Result{
		JobID:     req.Job.ID,
		ProgramID: rp.Program.ID,
		Type:      model.ResultValueAndVariance,
		Data:      model.MarshalData(map[string]float64{"value": value, "variance": variance}),
		Meta: model.MarshalData(map[string]any{
			"observable": "Z-parity",
			"checksum":   rp.Program.Checksum,
		}),
	}
}
