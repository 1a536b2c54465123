// Package model defines the persisted entities and the job state machine.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// NewID returns a ULID string used for job, deployment, and program ids.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

type JobState string

const (
	StateReady    JobState = "READY"
	StateRunning  JobState = "RUNNING"
	StateFinished JobState = "FINISHED"
	StateError    JobState = "ERROR"
	StateCanceled JobState = "CANCELED"
)

func ParseJobState(s string) (JobState, error) {
	switch JobState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateReady:
		return StateReady, nil
	case StateRunning:
		return StateRunning, nil
	case StateFinished:
		return StateFinished, nil
	case StateError:
		return StateError, nil
	case StateCanceled:
		return StateCanceled, nil
	default:
		return "", qerr.New(qerr.KindValidation, "invalid job state %q", s)
	}
}

func (s JobState) Terminal() bool {
	switch s {
	case StateFinished, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the state machine:
// READY -> {RUNNING, CANCELED}; RUNNING -> {FINISHED, ERROR, CANCELED};
// terminal states are sticky.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StateReady:
		return to == StateRunning || to == StateCanceled
	case StateRunning:
		return to == StateFinished || to == StateError || to == StateCanceled
	default:
		return false
	}
}

type JobType string

const (
	TypeRunner     JobType = "RUNNER"
	TypeSampler    JobType = "SAMPLER"
	TypeEstimator  JobType = "ESTIMATOR"
	TypeFileUpload JobType = "FILE_UPLOAD"
	TypeFileRun    JobType = "FILE_RUN"
)

func ParseJobType(s string) (JobType, error) {
	switch JobType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeRunner:
		return TypeRunner, nil
	case TypeSampler:
		return TypeSampler, nil
	case TypeEstimator:
		return TypeEstimator, nil
	case TypeFileUpload:
		return TypeFileUpload, nil
	case TypeFileRun:
		return TypeFileRun, nil
	default:
		return "", qerr.New(qerr.KindValidation, "invalid job type %q", s)
	}
}

type ResultType string

const (
	ResultCounts           ResultType = "COUNTS"
	ResultProbabilities    ResultType = "PROBABILITIES"
	ResultQuasiDist        ResultType = "QUASI_DIST"
	ResultValueAndVariance ResultType = "VALUE_AND_VARIANCE"
	ResultExpectation      ResultType = "EXPECTATION"
	ResultUploadSuccessful ResultType = "UPLOAD_SUCCESSFUL"
	ResultScriptReturn     ResultType = "SCRIPT_RETURN"
	ResultError            ResultType = "ERROR"
)

// User is referenced by the opaque subject string an external authenticator
// issued. An empty subject means public/default ownership.
type User struct {
	Subject   string
	CreatedAt time.Time
}

type Provider struct {
	ID               int64
	Name             string
	WithToken        bool
	SupportedFormats []format.Format
}

type Device struct {
	ID          int64
	ProviderID  int64
	Name        string
	NumQubits   int // -1 means unknown
	IsSimulator bool
	IsLocal     bool
}

type Program struct {
	ID                 string
	DeploymentID       string
	Source             string
	Format             format.Format
	PythonFilePath     string
	PythonFileMetadata string
	// Checksum is the blake3 digest of Source, recorded so results can be
	// traced to the exact circuit text across re-runs.
	Checksum string
}

// ChecksumSource computes the program content digest.
func ChecksumSource(source string) string {
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

type Deployment struct {
	ID        string
	Name      string
	Owner     string // empty = public
	CreatedAt time.Time
	Programs  []Program
}

// Job is the execution record. Programs is the snapshot taken at enqueue;
// the deployment may be deleted independently without affecting it.
type Job struct {
	ID                 string
	Name               string
	Owner              string // empty = public
	DeviceID           int64
	DeploymentID       string
	Programs           []Program
	Shots              int
	Type               JobType
	State              JobState
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
	ProviderSpecificID string
	// BackendState is a transient provider-side blob (session handles,
	// remote program ids) serialized as opaque JSON.
	BackendState json.RawMessage
}

// VisibleTo implements the ownership rule: null-owner rows are visible to
// any caller, owned rows only to their owner.
func (j *Job) VisibleTo(subject string) bool {
	return j.Owner == "" || j.Owner == subject
}

type Result struct {
	ID        int64
	JobID     string
	ProgramID string // empty for job-level results (e.g. upload receipts)
	Type      ResultType
	Data      json.RawMessage
	Meta      json.RawMessage
}

// ErrorResult builds the canonical ERROR result for a failure: the message
// in data, the stack trace in meta (never returned to HTTP callers). The
// message is the full rendered error, taxonomy kind included, so callers can
// see "unauthorized: ..." on an auth failure without consulting the meta.
func ErrorResult(jobID, programID string, err error, stack string) Result {
	data, _ := json.Marshal(map[string]string{"exception_message": errMessage(err)})
	meta, _ := json.Marshal(map[string]string{"stack_trace": stack})
	return Result{
		JobID:     jobID,
		ProgramID: programID,
		Type:      ResultError,
		Data:      data,
		Meta:      meta,
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MarshalData is a convenience for building opaque result payloads.
func MarshalData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": fmt.Sprint(err)})
	}
	return b
}
