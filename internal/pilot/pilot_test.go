package pilot

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/store"
)

type fakePilot struct {
	name      string
	withToken bool
	seeds     []byte
}

func (f *fakePilot) Name() string      { return f.name }
func (f *fakePilot) WithToken() bool   { return f.withToken }
func (f *fakePilot) SeedDevices() []byte {
	if f.seeds != nil {
		return f.seeds
	}
	return []byte(`[]`)
}
func (f *fakePilot) SupportedFormats() []format.Format { return []format.Format{format.QASM2} }
func (f *fakePilot) Run(ctx context.Context, req *Request) ([]model.Result, error) {
	return nil, nil
}
func (f *fakePilot) Cancel(ctx context.Context, job *model.Job, token string) error {
	return qerr.New(qerr.KindCancelUnsupported, "no")
}
func (f *fakePilot) IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error) {
	return true, nil
}
func (f *fakePilot) Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestRegistryDefaultAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePilot{name: "IBM"})
	r.Register(&fakePilot{name: "aws"})

	// First registration becomes the default; lookup is case-insensitive.
	p, err := r.Get("")
	if err != nil || p.Name() != "IBM" {
		t.Fatalf("default lookup: %v %v", p, err)
	}
	if _, err := r.Get("Aws"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("azure"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("unknown provider: %v", err)
	}

	r.SetDefault("aws")
	p, _ = r.Get("")
	if p.Name() != "aws" {
		t.Fatalf("SetDefault ignored: %s", p.Name())
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "aws" || names[1] != "ibm" {
		t.Fatalf("names: %v", names)
	}
}

func TestResolveTokenFallback(t *testing.T) {
	p := &fakePilot{name: "testprov", withToken: true}
	if got := ResolveToken(p, "explicit"); got != "explicit" {
		t.Fatalf("request token should win: %q", got)
	}
	t.Setenv("TESTPROV_TOKEN", "from-env")
	if got := ResolveToken(p, ""); got != "from-env" {
		t.Fatalf("env fallback: %q", got)
	}
	if _, err := RequireToken(p, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestRequireTokenMissing(t *testing.T) {
	p := &fakePilot{name: "lonely", withToken: true}
	if _, err := RequireToken(p, ""); !qerr.Is(err, qerr.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	// Tokenless providers never require one.
	p.withToken = false
	if _, err := RequireToken(p, ""); err != nil {
		t.Fatal(err)
	}
}

func TestParseSeeds(t *testing.T) {
	devices, err := ParseSeeds([]byte(`[
		{"name": "sim", "num_qubits": 12, "is_simulator": true, "is_local": true},
		{"name": "mystery"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("parsed %d devices", len(devices))
	}
	if devices[0].Name != "sim" || devices[0].NumQubits != 12 || !devices[0].IsLocal {
		t.Fatalf("seed 0: %+v", devices[0])
	}
	// Zero qubit count means unknown.
	if devices[1].NumQubits != -1 {
		t.Fatalf("unknown qubit count should be -1, got %d", devices[1].NumQubits)
	}
	if _, err := ParseSeeds([]byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestReconcilePreservesUnseenDevices(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	p := &fakePilot{name: "ibm", withToken: true}
	first := []model.Device{
		{Name: "aer_simulator", NumQubits: 12, IsSimulator: true, IsLocal: true},
		{Name: "retired_device", NumQubits: 5},
	}
	if _, err := Reconcile(ctx, st, p, first); err != nil {
		t.Fatal(err)
	}

	// A later listing that no longer mentions retired_device must not erase it.
	second := []model.Device{
		{Name: "aer_simulator", NumQubits: 24, IsSimulator: true, IsLocal: true},
		{Name: "brand_new", NumQubits: 127},
	}
	prov, err := Reconcile(ctx, st, p, second)
	if err != nil {
		t.Fatal(err)
	}
	devices, err := st.ListDevices(ctx, prov.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]model.Device{}
	for _, d := range devices {
		byName[d.Name] = d
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 devices, got %v", byName)
	}
	if byName["aer_simulator"].NumQubits != 24 {
		t.Fatalf("update not applied: %+v", byName["aer_simulator"])
	}
	if _, ok := byName["retired_device"]; !ok {
		t.Fatal("reconcile erased an unseen device")
	}
}

func bellProgram(t *testing.T) RunProgram {
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
	return RunProgram{
		Program: model.Program{ID: "prog1", Checksum: "abc"},
		Format:  format.QASM2,
		Payload: c,
	}
}

func TestRunLocalCountsEmitsCountsAndProbabilities(t *testing.T) {
	req := &Request{
		Job:      &model.Job{ID: "job1"},
		Shots:    4000,
		Programs: []RunProgram{bellProgram(t)},
	}
	results := RunLocalCounts(context.Background(), req)
	if len(results) != 2 {
		t.Fatalf("expected a counts+probabilities pair, got %d results", len(results))
	}
	if results[0].Type != model.ResultCounts || results[1].Type != model.ResultProbabilities {
		t.Fatalf("result types: %s %s", results[0].Type, results[1].Type)
	}
	var counts map[string]int
	if err := json.Unmarshal(results[0].Data, &counts); err != nil {
		t.Fatal(err)
	}
	total := 0
	for key, n := range counts {
		if key != "0x0" && key != "0x3" {
			t.Fatalf("non-canonical outcome %q", key)
		}
		total += n
	}
	if total != 4000 {
		t.Fatalf("counts sum to %d", total)
	}
	var probs map[string]float64
	if err := json.Unmarshal(results[1].Data, &probs); err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %v", sum)
	}
}

func TestRunLocalCountsIsolatesFailures(t *testing.T) {
	bad := RunProgram{Program: model.Program{ID: "bad"}, Payload: "not a circuit"}
	req := &Request{
		Job:      &model.Job{ID: "job1"},
		Shots:    10,
		Programs: []RunProgram{bad, bellProgram(t)},
	}
	results := RunLocalCounts(context.Background(), req)
	// One ERROR for the bad program, counts+probabilities for the good one.
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Type != model.ResultError || results[0].ProgramID != "bad" {
		t.Fatalf("first result: %+v", results[0])
	}
	if results[1].Type != model.ResultCounts {
		t.Fatalf("good program result: %+v", results[1])
	}
}

func TestLocalDistribution(t *testing.T) {
	dist, err := LocalDistribution(bellProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dist["0x0"]-0.5) > 1e-9 || math.Abs(dist["0x3"]-0.5) > 1e-9 {
		t.Fatalf("distribution: %v", dist)
	}
}
