package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDevice(t *testing.T, s *Store) model.Device {
	t.Helper()
	ctx := context.Background()
	p := model.Provider{Name: "ibm", WithToken: true, SupportedFormats: []format.Format{format.Qiskit}}
	if err := s.UpsertProvider(ctx, &p); err != nil {
		t.Fatal(err)
	}
	d := model.Device{ProviderID: p.ID, Name: "aer_simulator", NumQubits: 12, IsSimulator: true, IsLocal: true}
	if err := s.UpsertDevice(ctx, &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func seedJob(t *testing.T, s *Store, owner string) model.Job {
	t.Helper()
	d := seedDevice(t, s)
	j := model.Job{
		Name:     "test-job",
		Owner:    owner,
		DeviceID: d.ID,
		Shots:    100,
		Type:     model.TypeRunner,
		Programs: []model.Program{{Source: "OPENQASM 2.0; qreg q[1];", Format: format.QASM2}},
	}
	if err := s.CreateJob(context.Background(), &j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	p := model.Provider{Name: "ibm", WithToken: true, SupportedFormats: []format.Format{format.Qiskit}}
	if err := a.UpsertProvider(ctx, &p); err != nil {
		t.Fatal(err)
	}
	if _, err := b.GetProviderByName(ctx, "ibm"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("second in-memory store sees the first's rows: %v", err)
	}
}

func TestUpsertProviderIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := model.Provider{Name: "ionq", WithToken: true, SupportedFormats: []format.Format{format.QASM3}}
	if err := s.UpsertProvider(ctx, &p); err != nil {
		t.Fatal(err)
	}
	first := p.ID
	p.WithToken = false
	if err := s.UpsertProvider(ctx, &p); err != nil {
		t.Fatal(err)
	}
	if p.ID != first {
		t.Fatalf("upsert changed id: %d -> %d", first, p.ID)
	}
	got, err := s.GetProviderByName(ctx, "ionq")
	if err != nil {
		t.Fatal(err)
	}
	if got.WithToken {
		t.Fatal("upsert did not update with_token")
	}
	if len(got.SupportedFormats) != 1 || got.SupportedFormats[0] != format.QASM3 {
		t.Fatalf("formats round trip: %v", got.SupportedFormats)
	}
}

func TestGetProviderNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProvider(context.Background(), 99); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDevicesGlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := model.Provider{Name: "ibm", SupportedFormats: []format.Format{format.Qiskit}}
	if err := s.UpsertProvider(ctx, &p); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"aer_simulator", "ibm_brisbane", "ibm_kyiv"} {
		d := model.Device{ProviderID: p.ID, Name: name, NumQubits: 5}
		if err := s.UpsertDevice(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListDevices(ctx, 0, "ibm_*")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("glob matched %d devices: %v", len(got), got)
	}
	if _, err := s.ListDevices(ctx, 0, "ibm_["); !qerr.Is(err, qerr.KindValidation) {
		t.Fatalf("malformed glob should be a validation error, got %v", err)
	}
}

func TestUpsertDevicePreservesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDevice(t, s)
	again := model.Device{ProviderID: d.ProviderID, Name: d.Name, NumQubits: 27}
	if err := s.UpsertDevice(ctx, &again); err != nil {
		t.Fatal(err)
	}
	if again.ID != d.ID {
		t.Fatalf("device id changed across upsert: %d -> %d", d.ID, again.ID)
	}
	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumQubits != 27 {
		t.Fatalf("num_qubits not updated: %d", got.NumQubits)
	}
}

func TestDeploymentOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owned := model.Deployment{Name: "alice-only", Owner: "alice",
		Programs: []model.Program{{Source: "x", Format: format.QASM2}}}
	if err := s.CreateDeployment(ctx, &owned); err != nil {
		t.Fatal(err)
	}
	public := model.Deployment{Name: "shared",
		Programs: []model.Program{{Source: "y", Format: format.QASM2}}}
	if err := s.CreateDeployment(ctx, &public); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetDeployment(ctx, owned.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	// Invisible rows are indistinguishable from missing ones.
	if _, err := s.GetDeployment(ctx, owned.ID, "bob"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("expected not found for foreign subject, got %v", err)
	}
	if _, err := s.GetDeployment(ctx, public.ID, "bob"); err != nil {
		t.Fatalf("public deployment should be visible: %v", err)
	}

	list, err := s.ListDeployments(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != public.ID {
		t.Fatalf("bob should only see the public deployment: %v", list)
	}
}

func TestDeploymentProgramChecksums(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := model.Deployment{Name: "bell",
		Programs: []model.Program{{Source: "OPENQASM 2.0;", Format: format.QASM2}}}
	if err := s.CreateDeployment(ctx, &d); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDeployment(ctx, d.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Programs[0].Checksum != model.ChecksumSource("OPENQASM 2.0;") {
		t.Fatalf("checksum not assigned: %q", got.Programs[0].Checksum)
	}
}

func TestUpdateDeploymentReplacesPrograms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := model.Deployment{Name: "v1",
		Programs: []model.Program{{Source: "a", Format: format.QASM2}}}
	if err := s.CreateDeployment(ctx, &d); err != nil {
		t.Fatal(err)
	}
	d.Name = "v2"
	d.Programs = []model.Program{
		{Source: "b", Format: format.QASM3},
		{Source: "c", Format: format.Qiskit},
	}
	if err := s.UpdateDeployment(ctx, &d, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDeployment(ctx, d.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "v2" || len(got.Programs) != 2 {
		t.Fatalf("update did not apply: %+v", got)
	}
}

func TestDeleteDeploymentRefusesWithJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dep := model.Deployment{Name: "busy",
		Programs: []model.Program{{Source: "a", Format: format.QASM2}}}
	if err := s.CreateDeployment(ctx, &dep); err != nil {
		t.Fatal(err)
	}
	dev := seedDevice(t, s)
	j := model.Job{Name: "j", DeviceID: dev.ID, DeploymentID: dep.ID,
		Shots: 1, Type: model.TypeRunner}
	if err := s.CreateJob(ctx, &j); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDeployment(ctx, dep.ID, ""); !qerr.Is(err, qerr.KindValidation) {
		t.Fatalf("expected refusal while jobs exist, got %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, model.StateCanceled); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, j.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDeployment(ctx, dep.ID, ""); err != nil {
		t.Fatal(err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, "")

	got, err := s.GetJob(ctx, j.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateReady || len(got.Programs) != 1 {
		t.Fatalf("created job: %+v", got)
	}
	if got.Programs[0].Checksum == "" {
		t.Fatal("snapshot checksum not assigned")
	}

	if err := s.TransitionJob(ctx, j.ID, model.StateRunning); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, j.ID, "")
	if got.StartedAt == nil {
		t.Fatal("started_at not set on RUNNING")
	}

	results := []model.Result{{JobID: j.ID, ProgramID: got.Programs[0].ID,
		Type: model.ResultCounts, Data: model.MarshalData(map[string]int{"0x0": 100})}}
	if err := s.FinishJob(ctx, j.ID, results, model.StateFinished); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, j.ID, "")
	if got.State != model.StateFinished || got.FinishedAt == nil {
		t.Fatalf("finish: %+v", got)
	}
	rs, err := s.ListResults(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].Type != model.ResultCounts {
		t.Fatalf("results: %+v", rs)
	}
	// Nil meta persists as an empty object.
	if string(rs[0].Meta) != "{}" {
		t.Fatalf("meta default: %q", rs[0].Meta)
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, "")

	// READY cannot jump straight to FINISHED.
	if err := s.TransitionJob(ctx, j.ID, model.StateFinished); !qerr.Is(err, qerr.KindInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, model.StateCanceled); err != nil {
		t.Fatal(err)
	}
	// Terminal states are sticky.
	for _, to := range []model.JobState{model.StateRunning, model.StateFinished, model.StateError} {
		if err := s.TransitionJob(ctx, j.ID, to); !qerr.Is(err, qerr.KindInvalidStateTransition) {
			t.Fatalf("CANCELED -> %s should be rejected, got %v", to, err)
		}
	}
	// Same-state transitions are a no-op, not an error.
	if err := s.TransitionJob(ctx, j.ID, model.StateCanceled); err != nil {
		t.Fatalf("same-state transition: %v", err)
	}
}

func TestJobOwnershipFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, "alice")

	if _, err := s.GetJob(ctx, j.ID, "bob"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("foreign subject should see not found, got %v", err)
	}
	// The unchecked load is for workers and ignores ownership.
	if _, err := s.GetJobUnchecked(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListJobs(ctx, "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("bob should see no jobs: %v", list)
	}
}

func TestDeleteJobRequiresTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, "")
	if err := s.DeleteJob(ctx, j.ID, ""); !qerr.Is(err, qerr.KindInvalidStateTransition) {
		t.Fatalf("expected refusal for READY job, got %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, model.StateCanceled); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, j.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJob(ctx, j.ID, ""); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("deleted job still loads: %v", err)
	}
}

func TestDeleteJobsByDeploymentSkipsActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := seedDevice(t, s)
	mk := func(state model.JobState) model.Job {
		j := model.Job{Name: "j", DeviceID: dev.ID, DeploymentID: "dep1",
			Shots: 1, Type: model.TypeRunner}
		if err := s.CreateJob(ctx, &j); err != nil {
			t.Fatal(err)
		}
		if state != model.StateReady {
			if state != model.StateCanceled {
				if err := s.TransitionJob(ctx, j.ID, model.StateRunning); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.TransitionJob(ctx, j.ID, state); err != nil {
				t.Fatal(err)
			}
		}
		return j
	}
	mk(model.StateFinished)
	mk(model.StateCanceled)
	active := mk(model.StateReady)

	n, err := s.DeleteJobsByDeployment(ctx, "dep1", "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d jobs, want 2", n)
	}
	if _, err := s.GetJob(ctx, active.ID, ""); err != nil {
		t.Fatalf("active job should survive: %v", err)
	}
}

func TestQueuePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := seedDevice(t, s)
	var jobs []model.Job
	for i := 0; i < 3; i++ {
		j := model.Job{Name: "j", DeviceID: dev.ID, Shots: 1, Type: model.TypeRunner}
		if err := s.CreateJob(ctx, &j); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, j)
	}
	for i, j := range jobs {
		pos, err := s.QueuePosition(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if pos != i {
			t.Fatalf("job %d at queue position %d", i, pos)
		}
	}
	// Draining the head shifts everyone up.
	if err := s.TransitionJob(ctx, jobs[0].ID, model.StateRunning); err != nil {
		t.Fatal(err)
	}
	pos, err := s.QueuePosition(ctx, jobs[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Fatalf("queue position after drain = %d, want 1", pos)
	}
}

func TestBackendStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, "")
	blob := []byte(`{"remote_ids":{"p1":"prog-abc"}}`)
	if err := s.SetBackendState(ctx, j.ID, blob); err != nil {
		t.Fatal(err)
	}
	if err := s.SetJobType(ctx, j.ID, model.TypeFileRun); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, j.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.BackendState) != string(blob) || got.Type != model.TypeFileRun {
		t.Fatalf("round trip: %s %s", got.BackendState, got.Type)
	}
}
