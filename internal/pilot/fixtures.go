package pilot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/store"
)

const (
	defaultDeploymentName = "default-deployment"
	defaultJobName        = "default-job"
	defaultShots          = 4000
)

var defaultCircuits = []string{
	`OPENQASM 2.0;
include "qelib1.inc";
qreg q[2];
creg meas[2];
h q[0];
cx q[0], q[1];
measure q[0] -> meas[0];
measure q[1] -> meas[1];
`,
	`OPENQASM 2.0;
include "qelib1.inc";
qreg q[2];
creg meas[2];
h q[0];
cx q[0], q[1];
x q[0];
measure q[0] -> meas[0];
measure q[1] -> meas[1];
`,
}

// EnsureDefaultFixtures inserts the self-test deployment and a finished job
// with a pre-canned counts result on first start. Subsequent starts are
// no-ops: the fixture deployment is recognized by name.
func EnsureDefaultFixtures(ctx context.Context, st *store.Store, defaultProvider string) error {
	existing, err := st.ListDeployments(ctx, "")
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d.Name == defaultDeploymentName {
			return nil
		}
	}

	prov, err := st.GetProviderByName(ctx, defaultProvider)
	if err != nil {
		return fmt.Errorf("default provider %q: %w", defaultProvider, err)
	}
	devices, err := st.ListDevices(ctx, prov.ID, "")
	if err != nil {
		return err
	}
	var device *model.Device
	for i := range devices {
		if devices[i].IsLocal {
			device = &devices[i]
			break
		}
	}
	if device == nil {
		return fmt.Errorf("default provider %q has no local device to pin fixtures to", defaultProvider)
	}

	dep := model.Deployment{Name: defaultDeploymentName}
	for _, src := range defaultCircuits {
		dep.Programs = append(dep.Programs, model.Program{
			Source: src,
			Format: format.QASM2,
		})
	}
	if err := st.CreateDeployment(ctx, &dep); err != nil {
		return err
	}

	job := model.Job{
		Name:         defaultJobName,
		DeviceID:     device.ID,
		DeploymentID: dep.ID,
		Programs:     dep.Programs,
		Shots:        defaultShots,
		Type:         model.TypeRunner,
		State:        model.StateReady,
	}
	if err := st.CreateJob(ctx, &job); err != nil {
		return err
	}

	// Pre-canned bell counts so the API has a result to show before any
	// worker has run.
	counts := map[string]int{"0x0": 2007, "0x3": 1993}
	data, _ := json.Marshal(counts)
	results := []model.Result{{
		JobID:     job.ID,
		ProgramID: job.Programs[0].ID,
		Type:      model.ResultCounts,
		Data:      data,
		Meta:      model.MarshalData(map[string]string{"checksum": job.Programs[0].Checksum}),
	}}
	if err := st.TransitionJob(ctx, job.ID, model.StateRunning); err != nil {
		return err
	}
	if err := st.FinishJob(ctx, job.ID, results, model.StateFinished); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"deployment": dep.ID,
		"job":        job.ID,
	}).Info("installed default fixtures")
	return nil
}
