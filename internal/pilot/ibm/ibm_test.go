package ibm

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// fakeRuntime is a minimal stand-in for the runtime API: one submission at a
// time, immediately terminal.
type fakeRuntime struct {
	srv       *httptest.Server
	status    jobStatusResponse
	submitted []submitRequest
	canceled  []string
	uploads   map[string]string
	runs      []string
	token     string
}

func newFakeRuntime(t *testing.T, status jobStatusResponse) *fakeRuntime {
	t.Helper()
	f := &fakeRuntime{status: status, uploads: map[string]string{}, token: "valid-token"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.submitted = append(f.submitted, req)
		json.NewEncoder(w).Encode(submitResponse{ID: "rj-1"})
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		json.NewEncoder(w).Encode(f.status)
	})
	mux.HandleFunc("DELETE /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.canceled = append(f.canceled, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /programs", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		id := "rprog-" + body["name"]
		f.uploads[id] = body["data"]
		json.NewEncoder(w).Encode(uploadResponse{ProgramID: id})
	})
	mux.HandleFunc("POST /programs/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.runs = append(f.runs, r.PathValue("id"))
		json.NewEncoder(w).Encode(map[string]any{"return": map[string]int{"answer": 42}})
	})
	mux.HandleFunc("GET /backends/{name}/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(deviceStatusResponse{Operational: true})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRuntime) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return false
	}
	return true
}

func bellCircuit(t *testing.T) *circuit.Circuit {
	t.Helper()
	c := circuit.New(2, 2)
	if err := c.Apply("h", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Apply("cx", nil, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.MeasureAll(); err != nil {
		t.Fatal(err)
	}
	return c
}

func remoteRequest(t *testing.T, typ model.JobType) *pilot.Request {
	t.Helper()
	job := &model.Job{ID: "job1", Type: typ}
	return &pilot.Request{
		Job:    job,
		Device: model.Device{Name: "ibm_brisbane", NumQubits: 127},
		Token:  "valid-token",
		Shots:  100,
		Programs: []pilot.RunProgram{{
			Program: model.Program{ID: "prog1", Checksum: "abc"},
			Format:  format.Qiskit,
			Payload: bellCircuit(t),
		}},
		RecordProviderID: func(ctx context.Context, id string) error {
			job.ProviderSpecificID = id
			return nil
		},
	}
}

func TestRunRemoteNormalizesLittleEndianCounts(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{
		Status: "COMPLETED",
		Counts: []map[string]int{{"01": 60, "10": 40}},
	})
	p := New(f.srv.URL, false)
	req := remoteRequest(t, model.TypeRunner)
	results, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if req.Job.ProviderSpecificID != "rj-1" {
		t.Fatalf("provider id not recorded: %q", req.Job.ProviderSpecificID)
	}
	if len(results) != 1 || results[0].Type != model.ResultCounts {
		t.Fatalf("results: %+v", results)
	}
	var counts map[string]int
	if err := json.Unmarshal(results[0].Data, &counts); err != nil {
		t.Fatal(err)
	}
	// "01" is little-endian for 0b10; "10" for 0b01.
	if counts["0x2"] != 60 || counts["0x1"] != 40 {
		t.Fatalf("counts not bit-reversed: %v", counts)
	}
	if f.submitted[0].Mode != "runner" || f.submitted[0].Device != "ibm_brisbane" {
		t.Fatalf("submission: %+v", f.submitted[0])
	}
}

func TestSampleRemoteDecimalKeys(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{
		Status:    "COMPLETED",
		QuasiDist: []map[string]float64{{"0": 0.5, "3": 0.5}},
	})
	p := New(f.srv.URL, false)
	results, err := p.Run(context.Background(), remoteRequest(t, model.TypeSampler))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Type != model.ResultQuasiDist {
		t.Fatalf("result type: %s", results[0].Type)
	}
	var dist map[string]float64
	if err := json.Unmarshal(results[0].Data, &dist); err != nil {
		t.Fatal(err)
	}
	if dist["0x0"] != 0.5 || dist["0x3"] != 0.5 {
		t.Fatalf("quasi-dist: %v", dist)
	}
}

func TestEstimateRemote(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{
		Status:    "COMPLETED",
		Values:    []float64{0.97},
		Variances: []float64{0.02},
	})
	p := New(f.srv.URL, false)
	results, err := p.Run(context.Background(), remoteRequest(t, model.TypeEstimator))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Type != model.ResultValueAndVariance {
		t.Fatalf("result type: %s", results[0].Type)
	}
	var v map[string]float64
	if err := json.Unmarshal(results[0].Data, &v); err != nil {
		t.Fatal(err)
	}
	if v["value"] != 0.97 || v["variance"] != 0.02 {
		t.Fatalf("value result: %v", v)
	}
}

func TestRunRemoteFailedJob(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{Status: "FAILED", Error: "backend exploded"})
	p := New(f.srv.URL, false)
	_, err := p.Run(context.Background(), remoteRequest(t, model.TypeRunner))
	if !qerr.Is(err, qerr.KindProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestRunRemoteBadToken(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{Status: "COMPLETED"})
	p := New(f.srv.URL, false)
	req := remoteRequest(t, model.TypeRunner)
	req.Token = "wrong"
	_, err := p.Run(context.Background(), req)
	if !qerr.Is(err, qerr.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRunLocalRunner(t *testing.T) {
	p := New("", false)
	job := &model.Job{ID: "job1", Type: model.TypeRunner}
	req := &pilot.Request{
		Job:    job,
		Device: model.Device{Name: "aer_simulator", IsLocal: true, IsSimulator: true},
		Shots:  1000,
		Programs: []pilot.RunProgram{{
			Program: model.Program{ID: "prog1"},
			Payload: bellCircuit(t),
		}},
	}
	results, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("local runner should yield counts+probabilities, got %d", len(results))
	}
}

func TestSampleLocal(t *testing.T) {
	p := New("", false)
	req := remoteRequest(t, model.TypeSampler)
	req.Device = model.Device{Name: "aer_simulator", IsLocal: true}
	results, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Type != model.ResultQuasiDist {
		t.Fatalf("result type: %s", results[0].Type)
	}
	var dist map[string]float64
	if err := json.Unmarshal(results[0].Data, &dist); err != nil {
		t.Fatal(err)
	}
	if math.Abs(dist["0x0"]-0.5) > 1e-9 || math.Abs(dist["0x3"]-0.5) > 1e-9 {
		t.Fatalf("local quasi-dist: %v", dist)
	}
}

func TestEstimateLocalBellParity(t *testing.T) {
	p := New("", false)
	req := remoteRequest(t, model.TypeEstimator)
	req.Device = model.Device{Name: "aer_simulator", IsLocal: true}
	results, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]float64
	if err := json.Unmarshal(results[0].Data, &v); err != nil {
		t.Fatal(err)
	}
	// The bell state only has even-parity outcomes.
	if math.Abs(v["value"]-1) > 1e-9 || math.Abs(v["variance"]) > 1e-9 {
		t.Fatalf("parity expectation: %v", v)
	}
}

func TestParityExpectation(t *testing.T) {
	cases := []struct {
		dist map[string]float64
		want float64
	}{
		{map[string]float64{"0x0": 0.5, "0x3": 0.5}, 1},
		{map[string]float64{"0x1": 1}, -1},
		{map[string]float64{"0x1": 0.5, "0x2": 0.5}, -1},
		{map[string]float64{"0x0": 0.5, "0x1": 0.5}, 0},
		{map[string]float64{"0x2 0x1": 1}, 1}, // two registers, two set bits
	}
	for _, tc := range cases {
		if got := parityExpectation(tc.dist); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("parityExpectation(%v) = %v, want %v", tc.dist, got, tc.want)
		}
	}
}

func TestUploadThenRunFile(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{Status: "COMPLETED"})
	p := New(f.srv.URL, true)

	job := &model.Job{ID: "job1", Type: model.TypeFileUpload}
	req := &pilot.Request{
		Job:    job,
		Device: model.Device{Name: "ibm_brisbane"},
		Token:  "valid-token",
		Programs: []pilot.RunProgram{{
			Program: model.Program{
				ID:             "prog1",
				Source:         "print('hello')",
				PythonFilePath: "script.py",
				Checksum:       model.ChecksumSource("print('hello')"),
			},
		}},
		RecordProviderID: func(ctx context.Context, id string) error { return nil },
	}
	results, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Type != model.ResultUploadSuccessful {
		t.Fatalf("upload results: %+v", results)
	}
	if len(job.BackendState) == 0 {
		t.Fatal("remote program ids not recorded on the job")
	}

	// Second phase: the orchestrator flips the type and re-runs.
	job.Type = model.TypeFileRun
	results, err = p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Type != model.ResultScriptReturn {
		t.Fatalf("run results: %+v", results)
	}
	var ret map[string]int
	if err := json.Unmarshal(results[0].Data, &ret); err != nil {
		t.Fatal(err)
	}
	if ret["answer"] != 42 {
		t.Fatalf("script return: %v", ret)
	}
	if len(f.runs) != 1 || f.runs[0] != "rprog-script.py" {
		t.Fatalf("provider runs: %v", f.runs)
	}
}

func TestFileJobsGatedByExperimentalFlag(t *testing.T) {
	p := New("", false)
	req := remoteRequest(t, model.TypeFileUpload)
	if _, err := p.Run(context.Background(), req); !qerr.Is(err, qerr.KindUnsupportedJobType) {
		t.Fatalf("expected unsupported job type, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFakeRuntime(t, jobStatusResponse{Status: "CANCELLED"})
	p := New(f.srv.URL, false)
	job := &model.Job{ID: "job1", ProviderSpecificID: "rj-1"}
	if err := p.Cancel(context.Background(), job, "valid-token"); err != nil {
		t.Fatal(err)
	}
	if len(f.canceled) != 1 || f.canceled[0] != "rj-1" {
		t.Fatalf("cancel calls: %v", f.canceled)
	}
	// Without a provider-side id there is nothing to revoke.
	job.ProviderSpecificID = ""
	if err := p.Cancel(context.Background(), job, "valid-token"); !qerr.Is(err, qerr.KindCancelUnsupported) {
		t.Fatalf("expected cancel unsupported, got %v", err)
	}
}
