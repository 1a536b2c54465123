// Package braket is the AWS pilot. Only the local simulator is wired in
// this deployment; remote Braket devices are visible in the catalog but
// refuse execution.
package braket

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

//go:embed aws_standard_devices.json
var seedDevices []byte

type Pilot struct{}

func New() *Pilot { return &Pilot{} }

func (p *Pilot) Name() string        { return "aws" }
func (p *Pilot) WithToken() bool     { return false }
func (p *Pilot) SeedDevices() []byte { return seedDevices }

func (p *Pilot) SupportedFormats() []format.Format {
	return []format.Format{format.Braket, format.QASM3}
}

func (p *Pilot) Run(ctx context.Context, req *pilot.Request) ([]model.Result, error) {
	if req.Job.Type != model.TypeRunner {
		return nil, pilot.UnsupportedJobType(p, req.Job.Type)
	}
	if !req.Device.IsLocal {
		return nil, qerr.New(qerr.KindProviderUnavailable,
			"remote execution is not wired for provider aws; use a local device")
	}
	lowered, failed := localized(req)
	return append(pilot.RunLocalCounts(ctx, lowered), failed...), nil
}

// localized lowers textual QASM3 payloads to native circuits; the BRAKET
// target already arrives native. Programs that fail to parse become ERROR
// results carrying the parse message, isolated from the rest of the batch.
func localized(req *pilot.Request) (*pilot.Request, []model.Result) {
	out := *req
	out.Programs = make([]pilot.RunProgram, 0, len(req.Programs))
	var failed []model.Result
	for _, rp := range req.Programs {
		if src, ok := rp.Payload.(string); ok && rp.Format == format.QASM3 {
			c, err := circuit.ParseQASM3(src)
			if err != nil {
				failed = append(failed, model.ErrorResult(req.Job.ID, rp.Program.ID,
					qerr.Wrap(qerr.KindTranspile, err, "parsing qasm3 program"), ""))
				continue
			}
			rp.Payload = c
			rp.Format = format.Braket
		}
		out.Programs = append(out.Programs, rp)
	}
	return &out, failed
}

func (p *Pilot) Cancel(ctx context.Context, job *model.Job, token string) error {
	return qerr.New(qerr.KindCancelUnsupported,
		"provider aws cannot revoke submitted jobs")
}

func (p *Pilot) IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error) {
	return d.IsLocal, nil
}

func (p *Pilot) Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error) {
	if !d.IsLocal {
		return nil, qerr.New(qerr.KindProviderUnavailable,
			"remote device metadata is not wired for provider aws")
	}
	return model.MarshalData(map[string]any{
		"device_name": d.Name,
		"num_qubits":  d.NumQubits,
		"paradigm":    "gate-based",
		"simulator":   d.IsSimulator,
	}), nil
}
