package pilot

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qsim"
	"github.com/qontrol-dev/qontrol/internal/result"
)

// RunLocalCounts executes every program on the embedded sampler. Failures
// are isolated per program as ERROR results; the batch always carries one
// result per program.
func RunLocalCounts(ctx context.Context, req *Request) []model.Result {
	results := make([]model.Result, 0, len(req.Programs))
	for _, rp := range req.Programs {
		select {
		case <-ctx.Done():
			results = append(results, model.ErrorResult(req.Job.ID, rp.Program.ID,
				context.Cause(ctx), ""))
			continue
		default:
		}
		counts, err := localCounts(rp, req.Shots)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"job_id":  req.Job.ID,
				"program": rp.Program.ID,
			}).WithError(err).Warn("local run failed")
			results = append(results, model.ErrorResult(req.Job.ID, rp.Program.ID, err, ""))
			continue
		}
		meta := model.MarshalData(map[string]any{
			"format":   string(rp.Format),
			"shots":    req.Shots,
			"checksum": rp.Program.Checksum,
		})
		results = append(results,
			model.Result{
				JobID:     req.Job.ID,
				ProgramID: rp.Program.ID,
				Type:      model.ResultCounts,
				Data:      model.MarshalData(counts),
				Meta:      meta,
			},
			model.Result{
				JobID:     req.Job.ID,
				ProgramID: rp.Program.ID,
				Type:      model.ResultProbabilities,
				Data:      model.MarshalData(result.CountsToProbabilities(counts)),
				Meta:      meta,
			})
	}
	return results
}

func localCounts(rp RunProgram, shots int) (map[string]int, error) {
	c, ok := rp.Payload.(*circuit.Circuit)
	if !ok {
		return nil, fmt.Errorf("expected native circuit payload, got %T", rp.Payload)
	}
	raw, err := qsim.Counts(c, shots, 0)
	if err != nil {
		return nil, err
	}
	return result.CountsBinToHex(raw, false)
}

// LocalDistribution is the exact distribution over a native circuit payload
// with canonical hex keys. Sampler-style job types build on it.
func LocalDistribution(rp RunProgram) (map[string]float64, error) {
	c, ok := rp.Payload.(*circuit.Circuit)
	if !ok {
		return nil, fmt.Errorf("expected native circuit payload, got %T", rp.Payload)
	}
	dist, err := qsim.Distribution(c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(dist))
	for k, p := range dist {
		h, err := result.BinToHex(k, false)
		if err != nil {
			return nil, err
		}
		out[h] += p
	}
	return out, nil
}
