package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/qontrol-dev/qontrol/internal/qerr"
)

func TestCanTransition(t *testing.T) {
	states := []JobState{StateReady, StateRunning, StateFinished, StateError, StateCanceled}
	allowed := map[JobState][]JobState{
		StateReady:   {StateRunning, StateCanceled},
		StateRunning: {StateFinished, StateError, StateCanceled},
	}
	for _, from := range states {
		for _, to := range states {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for state, want := range map[JobState]bool{
		StateReady:    false,
		StateRunning:  false,
		StateFinished: true,
		StateError:    true,
		StateCanceled: true,
	} {
		if state.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v", state, !want)
		}
	}
}

func TestParseJobState(t *testing.T) {
	if s, err := ParseJobState(" running "); err != nil || s != StateRunning {
		t.Fatalf("ParseJobState: %v %v", s, err)
	}
	if _, err := ParseJobState("PAUSED"); !qerr.Is(err, qerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseJobType(t *testing.T) {
	for in, want := range map[string]JobType{
		"runner":      TypeRunner,
		"SAMPLER":     TypeSampler,
		"Estimator":   TypeEstimator,
		"file_upload": TypeFileUpload,
		"FILE_RUN":    TypeFileRun,
	} {
		got, err := ParseJobType(in)
		if err != nil || got != want {
			t.Fatalf("ParseJobType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseJobType("BATCH"); !qerr.Is(err, qerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewIDOrdering(t *testing.T) {
	a := NewID()
	b := NewID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected id lengths: %q %q", a, b)
	}
	// ULIDs issued in sequence sort lexically by creation time.
	if a > b {
		t.Fatalf("ids out of order: %q > %q", a, b)
	}
}

func TestChecksumSourceStable(t *testing.T) {
	a := ChecksumSource("OPENQASM 2.0;")
	b := ChecksumSource("OPENQASM 2.0;")
	if a != b || len(a) != 64 {
		t.Fatalf("checksum not stable hex-256: %q vs %q", a, b)
	}
	if a == ChecksumSource("OPENQASM 3.0;") {
		t.Fatal("distinct sources share a checksum")
	}
}

func TestVisibleTo(t *testing.T) {
	public := &Job{Owner: ""}
	owned := &Job{Owner: "alice"}
	if !public.VisibleTo("") || !public.VisibleTo("bob") {
		t.Fatal("public jobs must be visible to everyone")
	}
	if !owned.VisibleTo("alice") || owned.VisibleTo("bob") || owned.VisibleTo("") {
		t.Fatal("owned jobs must only be visible to their owner")
	}
}

func TestErrorResult(t *testing.T) {
	r := ErrorResult("job1", "prog1", qerr.New(qerr.KindTranspile, "no edge from %s", "QUIL"), "goroutine 1 [running]")
	if r.Type != ResultError || r.JobID != "job1" || r.ProgramID != "prog1" {
		t.Fatalf("result shape: %+v", r)
	}
	var data map[string]string
	if err := json.Unmarshal(r.Data, &data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data["exception_message"], "no edge from QUIL") {
		t.Fatalf("exception_message = %q", data["exception_message"])
	}
	// The taxonomy kind is part of the rendered message, so auth failures
	// carry "unauthorized" and transpile failures their own tag.
	if !strings.Contains(data["exception_message"], string(qerr.KindTranspile)) {
		t.Fatalf("kind missing from message: %q", data["exception_message"])
	}
	var meta map[string]string
	if err := json.Unmarshal(r.Meta, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["stack_trace"] != "goroutine 1 [running]" {
		t.Fatalf("stack_trace = %q", meta["stack_trace"])
	}
}

func TestErrorResultPlainError(t *testing.T) {
	r := ErrorResult("job1", "", errors.New("boom"), "")
	var data map[string]string
	if err := json.Unmarshal(r.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["exception_message"] != "boom" {
		t.Fatalf("exception_message = %q", data["exception_message"])
	}
}

func TestErrorResultUnauthorizedMentionsKind(t *testing.T) {
	err := qerr.New(qerr.KindUnauthorized, "provider %s requires a token and none was supplied", "ibm")
	r := ErrorResult("job1", "", err, "")
	var data map[string]string
	if err := json.Unmarshal(r.Data, &data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data["exception_message"], "unauthorized") {
		t.Fatalf("exception_message = %q", data["exception_message"])
	}
}
