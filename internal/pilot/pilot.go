// Package pilot defines the provider adapter surface. A pilot owns
// everything provider-specific: which formats it accepts, how jobs are
// submitted and polled, how raw results are normalized into the canonical
// hex-register form, and whether cancellation is possible. The orchestrator
// is provider-agnostic and only speaks this interface.
package pilot

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// RunProgram pairs a snapshot program with its transpiled payload: source
// text for textual target formats, *circuit.Circuit for native ones.
type RunProgram struct {
	Program model.Program
	Format  format.Format
	Payload any
}

// Request carries one job execution into a pilot. RecordProviderID must be
// called with the provider-side id immediately after any successful
// submission, before polling begins, so a crash mid-poll still leaves the id
// recoverable.
type Request struct {
	Job              *model.Job
	Device           model.Device
	Token            string
	Shots            int
	Programs         []RunProgram
	RecordProviderID func(ctx context.Context, providerJobID string) error
}

// Pilot is the per-provider capability surface.
type Pilot interface {
	// Name is the provider tag ("ibm", "aws", "ionq", "rigetti").
	Name() string
	// WithToken reports whether remote calls require an access token.
	WithToken() bool
	// SupportedFormats lists accepted formats in preference order; the
	// transpiler plans toward the closest one.
	SupportedFormats() []format.Format
	// SeedDevices returns the embedded per-provider device seed JSON.
	SeedDevices() []byte

	// Run executes the request and returns one result batch. Per-program
	// failures on local devices are isolated into ERROR results; a failed
	// provider call fails the whole run with an error instead.
	Run(ctx context.Context, req *Request) ([]model.Result, error)
	// Cancel revokes a submitted job through the provider API. Pilots that
	// cannot revoke return qerr.KindCancelUnsupported.
	Cancel(ctx context.Context, job *model.Job, token string) error

	// IsDeviceAvailable probes whether the device can take jobs now.
	IsDeviceAvailable(ctx context.Context, d model.Device, token string) (bool, error)
	// Calibration returns the provider's device configuration blob.
	Calibration(ctx context.Context, d model.Device, token string) (json.RawMessage, error)
}

// ResolveToken applies the token fallback chain: the request token wins,
// else the provider's environment variable (IBM_TOKEN, AWS_TOKEN, ...).
func ResolveToken(p Pilot, requestToken string) string {
	if requestToken != "" {
		return requestToken
	}
	return os.Getenv(strings.ToUpper(p.Name()) + "_TOKEN")
}

// RequireToken resolves the token and errors when the pilot needs one and
// none is available.
func RequireToken(p Pilot, requestToken string) (string, error) {
	tok := ResolveToken(p, requestToken)
	if tok == "" && p.WithToken() {
		return "", qerr.New(qerr.KindUnauthorized,
			"provider %s requires a token and none was supplied", p.Name())
	}
	return tok, nil
}

// UnsupportedJobType is the shared rejection for job types a pilot does not
// implement.
func UnsupportedJobType(p Pilot, t model.JobType) error {
	return qerr.New(qerr.KindUnsupportedJobType,
		"provider %s does not support %s jobs", p.Name(), t)
}
