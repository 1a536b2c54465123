// Package orchestrator drives jobs through the state machine. It owns the
// in-process queue, the worker pool, and the per-job cancellation table; the
// pilots do the provider work and the store holds the truth.
package orchestrator

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/store"
	"github.com/qontrol-dev/qontrol/internal/transpiler"
)

// errRevoked is the cancellation cause distinguishing a user cancel from a
// deadline or shutdown.
var errRevoked = errors.New("job revoked")

const defaultQueueSize = 1024

type Options struct {
	// Async selects queued execution; false executes inline on Enqueue.
	Async bool
	// Workers is the pool size for async mode; minimum 1.
	Workers int
	// RunTimeout bounds one pilot Run call. Zero means 5 minutes.
	RunTimeout time.Duration
}

type task struct {
	jobID string
	token string
}

// taskState tracks one queued or running job.
type taskState struct {
	cancel  context.CancelCauseFunc
	pending bool // still in the queue, no worker has picked it up
}

type Engine struct {
	store *store.Store
	reg   *pilot.Registry
	graph *transpiler.Graph
	opts  Options
	log   *logrus.Entry

	queue chan task
	wg    sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskState

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(st *store.Store, reg *pilot.Registry, graph *transpiler.Graph, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      st,
		reg:        reg,
		graph:      graph,
		opts:       opts,
		log:        logrus.WithField("component", "orchestrator"),
		queue:      make(chan task, defaultQueueSize),
		tasks:      map[string]*taskState{},
		baseCtx:    base,
		cancelBase: cancel,
	}
}

// Start launches the worker pool. No-op in synchronous mode.
func (e *Engine) Start() {
	if !e.opts.Async {
		return
	}
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for t := range e.queue {
				queueDepth.Dec()
				e.run(t)
			}
		}()
	}
}

// Stop drains the pool: the queue closes, in-flight runs are revoked, and
// Stop returns when every worker has exited.
func (e *Engine) Stop() {
	if !e.opts.Async {
		return
	}
	close(e.queue)
	e.cancelBase()
	e.wg.Wait()
}

// Async reports the execution mode.
func (e *Engine) Async() bool { return e.opts.Async }

// Enqueue admits a READY job for execution. In async mode the job joins the
// queue; in sync mode it runs to a terminal state before Enqueue returns, and
// an auth failure surfaces to the caller so the HTTP layer can answer 401
// instead of 201.
func (e *Engine) Enqueue(ctx context.Context, jobID, token string) error {
	if !e.opts.Async {
		if err := e.run(task{jobID: jobID, token: token}); err != nil {
			switch qerr.KindOf(err) {
			case qerr.KindUnauthorized, qerr.KindForbidden:
				return err
			}
		}
		return nil
	}
	e.mu.Lock()
	e.tasks[jobID] = &taskState{pending: true}
	e.mu.Unlock()
	select {
	case e.queue <- task{jobID: jobID, token: token}:
		queueDepth.Inc()
		return nil
	default:
		e.dropTask(jobID)
		return qerr.New(qerr.KindProviderUnavailable, "job queue is full")
	}
}

func (e *Engine) dropTask(jobID string) {
	e.mu.Lock()
	delete(e.tasks, jobID)
	e.mu.Unlock()
}

// run executes one job to a terminal state. Every failure path lands in the
// store; the returned error is the job-level cause, for the synchronous
// caller. Workers ignore it.
func (e *Engine) run(t task) error {
	log := e.log.WithField("job_id", t.jobID)

	e.mu.Lock()
	ts, ok := e.tasks[t.jobID]
	if !ok {
		ts = &taskState{}
		e.tasks[t.jobID] = ts
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	ts.cancel = cancel
	ts.pending = false
	e.mu.Unlock()
	defer e.dropTask(t.jobID)
	defer cancel(nil)

	ctx, timeout := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer timeout()

	job, err := e.store.GetJobUnchecked(ctx, t.jobID)
	if err != nil {
		log.WithError(err).Error("job vanished before execution")
		return err
	}
	if job.State.Terminal() {
		return nil // revoked while queued
	}
	if err := e.store.TransitionJob(ctx, job.ID, model.StateRunning); err != nil {
		log.WithError(err).Warn("job not runnable")
		return err
	}

	state, results, cause := e.execute(ctx, &job, t.token, log)
	e.finish(job.ID, results, state, log)
	return cause
}

// execute prepares programs, runs the pilot, and decides the terminal state.
// The third return is the job-level cause, nil when only individual programs
// failed.
func (e *Engine) execute(ctx context.Context, job *model.Job, token string, log *logrus.Entry) (model.JobState, []model.Result, error) {
	device, err := e.store.GetDevice(ctx, job.DeviceID)
	if err != nil {
		return model.StateError, []model.Result{model.ErrorResult(job.ID, "", err, stack())}, err
	}
	provider, err := e.store.GetProvider(ctx, device.ProviderID)
	if err != nil {
		return model.StateError, []model.Result{model.ErrorResult(job.ID, "", err, stack())}, err
	}
	pl, err := e.reg.Get(provider.Name)
	if err != nil {
		return model.StateError, []model.Result{model.ErrorResult(job.ID, "", err, stack())}, err
	}
	if !device.IsLocal {
		if token, err = pilot.RequireToken(pl, token); err != nil {
			return model.StateError, []model.Result{model.ErrorResult(job.ID, "", err, stack())}, err
		}
	} else {
		token = pilot.ResolveToken(pl, token)
	}

	var prepared []pilot.RunProgram
	var failed []model.Result
	if job.Type == model.TypeFileUpload || job.Type == model.TypeFileRun {
		// Python-file programs are not circuits; they bypass the transpiler
		// and reach the pilot as-is.
		for _, prog := range job.Programs {
			prepared = append(prepared, pilot.RunProgram{
				Program: prog,
				Format:  prog.Format,
				Payload: prog.Source,
			})
		}
	} else {
		prepared, failed = e.prepare(job, pl.SupportedFormats(), log)
	}
	if len(prepared) == 0 {
		return model.StateError, failed, nil
	}

	req := &pilot.Request{
		Job:      job,
		Device:   device,
		Token:    token,
		Shots:    job.Shots,
		Programs: prepared,
		RecordProviderID: func(ctx context.Context, providerJobID string) error {
			job.ProviderSpecificID = providerJobID
			return e.store.SetProviderJobID(ctx, job.ID, providerJobID)
		},
	}

	start := time.Now()
	results, err := pl.Run(ctx, req)
	runDuration.WithLabelValues(pl.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(context.Cause(ctx), errRevoked) {
			return model.StateCanceled, failed, nil
		}
		log.WithError(err).WithField("provider", pl.Name()).Error("pilot run failed")
		failed = append(failed, model.ErrorResult(job.ID, "", err, stack()))
		return model.StateError, failed, err
	}

	if len(job.BackendState) > 0 {
		if err := e.store.SetBackendState(ctx, job.ID, job.BackendState); err != nil {
			log.WithError(err).Warn("persisting backend state")
		}
	}
	results = append(results, failed...)

	// A finished upload becomes runnable.
	if job.Type == model.TypeFileUpload && anySuccess(results) {
		if err := e.store.SetJobType(ctx, job.ID, model.TypeFileRun); err != nil {
			log.WithError(err).Warn("flipping job type after upload")
		}
	}

	if anySuccess(results) {
		return model.StateFinished, results, nil
	}
	return model.StateError, results, nil
}

// prepare runs the per-program transpile step. Failures are isolated: each
// bad program yields an ERROR result and the rest continue.
func (e *Engine) prepare(job *model.Job, targets []format.Format, log *logrus.Entry) ([]pilot.RunProgram, []model.Result) {
	var prepared []pilot.RunProgram
	var failed []model.Result
	for _, prog := range job.Programs {
		rp, err := e.prepareOne(prog, targets)
		if err != nil {
			log.WithFields(logrus.Fields{
				"program": prog.ID,
				"format":  string(prog.Format),
			}).WithError(err).Warn("program preparation failed")
			failed = append(failed, model.ErrorResult(job.ID, prog.ID, err, stack()))
			continue
		}
		prepared = append(prepared, rp)
	}
	return prepared, failed
}

func (e *Engine) prepareOne(prog model.Program, targets []format.Format) (pilot.RunProgram, error) {
	src, err := format.Parse(string(prog.Format))
	if err != nil {
		return pilot.RunProgram{}, err
	}
	steps, err := e.graph.Plan(src, targets)
	if err != nil {
		return pilot.RunProgram{}, err
	}
	payload, err := format.PreProcess(src, prog.Source)
	if err != nil {
		return pilot.RunProgram{}, qerr.Wrap(qerr.KindTranspile, err, "pre-processing %s source", src)
	}
	out, err := transpiler.Compile(steps)(payload)
	if err != nil {
		return pilot.RunProgram{}, err
	}
	dst := src
	if len(steps) > 0 {
		dst = steps[len(steps)-1].Dst
	}
	return pilot.RunProgram{Program: prog, Format: dst, Payload: out}, nil
}

func (e *Engine) finish(jobID string, results []model.Result, state model.JobState, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.FinishJob(ctx, jobID, results, state); err != nil {
		log.WithError(err).WithField("state", string(state)).Error("recording terminal state")
		return
	}
	jobsFinished.WithLabelValues(string(state)).Inc()
	log.WithFields(logrus.Fields{
		"state":   string(state),
		"results": len(results),
	}).Info("job finished")
}

func anySuccess(results []model.Result) bool {
	for _, r := range results {
		if r.Type != model.ResultError {
			return true
		}
	}
	return false
}

func stack() string { return string(debug.Stack()) }

// Cancel revokes a job on behalf of subject. Queued jobs move straight to
// CANCELED with no results; running jobs are revoked through the task table
// and, when the provider supports it, through the provider API.
func (e *Engine) Cancel(ctx context.Context, jobID, subject, token string) error {
	if !e.opts.Async {
		return qerr.New(qerr.KindNotImplementedInSync,
			"cancel is unavailable in synchronous mode")
	}
	job, err := e.store.GetJob(ctx, jobID, subject)
	if err != nil {
		return err
	}
	switch job.State {
	case model.StateReady:
		e.mu.Lock()
		ts := e.tasks[jobID]
		if ts != nil && ts.cancel != nil {
			ts.cancel(errRevoked)
		}
		delete(e.tasks, jobID)
		e.mu.Unlock()
		if err := e.store.TransitionJob(ctx, jobID, model.StateCanceled); err != nil {
			return err
		}
		jobsFinished.WithLabelValues(string(model.StateCanceled)).Inc()
		return nil
	case model.StateRunning:
		device, err := e.store.GetDevice(ctx, job.DeviceID)
		if err != nil {
			return err
		}
		provider, err := e.store.GetProvider(ctx, device.ProviderID)
		if err != nil {
			return err
		}
		pl, err := e.reg.Get(provider.Name)
		if err != nil {
			return err
		}
		if !device.IsLocal {
			tok := pilot.ResolveToken(pl, token)
			if err := pl.Cancel(ctx, &job, tok); err != nil {
				return err
			}
		}
		e.mu.Lock()
		if ts := e.tasks[jobID]; ts != nil && ts.cancel != nil {
			ts.cancel(errRevoked)
		}
		e.mu.Unlock()
		return nil
	default:
		return qerr.New(qerr.KindInvalidStateTransition,
			"job %s is already %s", jobID, job.State)
	}
}

// Rerun derives a fresh job from an existing one: new id, same snapshot,
// fresh token, and enqueues it.
func (e *Engine) Rerun(ctx context.Context, jobID, subject, token string) (model.Job, error) {
	src, err := e.store.GetJob(ctx, jobID, subject)
	if err != nil {
		return model.Job{}, err
	}
	fresh := model.Job{
		Name:         src.Name + "-rerun",
		Owner:        src.Owner,
		DeviceID:     src.DeviceID,
		DeploymentID: src.DeploymentID,
		Shots:        src.Shots,
		Type:         src.Type,
		State:        model.StateReady,
		// Carries the uploaded program ids so a FILE_RUN rerun can find them.
		BackendState: src.BackendState,
	}
	for _, p := range src.Programs {
		fresh.Programs = append(fresh.Programs, model.Program{
			Source:             p.Source,
			Format:             p.Format,
			PythonFilePath:     p.PythonFilePath,
			PythonFileMetadata: p.PythonFileMetadata,
		})
	}
	if err := e.store.CreateJob(ctx, &fresh); err != nil {
		return model.Job{}, err
	}
	if err := e.Enqueue(ctx, fresh.ID, token); err != nil {
		return model.Job{}, err
	}
	return e.store.GetJob(ctx, fresh.ID, subject)
}

// QueuePosition reports a READY job's place in line, or -1 otherwise.
func (e *Engine) QueuePosition(ctx context.Context, job *model.Job) int {
	if job.State != model.StateReady {
		return -1
	}
	n, err := e.store.QueuePosition(ctx, job.ID)
	if err != nil {
		return -1
	}
	return n
}
