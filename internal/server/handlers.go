package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   mode(s.engine.Async()),
	})
}

func mode(async bool) string {
	if async {
		return "asynchronous"
	}
	return "synchronous"
}

// --- Jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), subject(r), r.URL.Query().Get("deployment"))
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, nil, s.engine.QueuePosition(r.Context(), &j)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if err := validateJobRequest(raw); err != nil {
		writeQerr(w, err)
		return
	}
	var req jobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobType, err := model.ParseJobType(req.Type)
	if err != nil {
		writeQerr(w, err)
		return
	}
	sub := subject(r)
	if _, err := s.store.GetOrCreateUser(r.Context(), sub); err != nil {
		writeQerr(w, err)
		return
	}

	dep, err := s.store.GetDeployment(r.Context(), req.DeploymentID, sub)
	if err != nil {
		writeQerr(w, err)
		return
	}
	if len(dep.Programs) == 0 {
		writeError(w, http.StatusBadRequest, "deployment has no programs")
		return
	}
	device, err := s.resolveDevice(r, req)
	if err != nil {
		writeQerr(w, err)
		return
	}

	job := model.Job{
		Name:         req.Name,
		Owner:        sub,
		DeviceID:     device.ID,
		DeploymentID: dep.ID,
		Shots:        req.Shots,
		Type:         jobType,
		State:        model.StateReady,
	}
	for _, p := range dep.Programs {
		job.Programs = append(job.Programs, model.Program{
			Source:             p.Source,
			Format:             p.Format,
			PythonFilePath:     p.PythonFilePath,
			PythonFileMetadata: p.PythonFileMetadata,
			Checksum:           p.Checksum,
		})
	}
	if err := s.store.CreateJob(r.Context(), &job); err != nil {
		writeQerr(w, err)
		return
	}
	if err := s.engine.Enqueue(r.Context(), job.ID, req.Token); err != nil {
		writeQerr(w, err)
		return
	}
	// In synchronous mode the job is terminal by now; re-read either way.
	fresh, err := s.store.GetJob(r.Context(), job.ID, sub)
	if err != nil {
		writeQerr(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), fresh.ID)
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(fresh, results, s.engine.QueuePosition(r.Context(), &fresh)))
}

// resolveDevice picks the execution device: explicit id, then
// provider+device names, then the default provider's first local device.
func (s *Server) resolveDevice(r *http.Request, req jobRequest) (model.Device, error) {
	if req.DeviceID != 0 {
		return s.store.GetDevice(r.Context(), req.DeviceID)
	}
	providerName := req.Provider
	if providerName == "" {
		p, err := s.pilots.Get("")
		if err != nil {
			return model.Device{}, err
		}
		providerName = p.Name()
	}
	prov, err := s.store.GetProviderByName(r.Context(), providerName)
	if err != nil {
		return model.Device{}, err
	}
	devices, err := s.store.ListDevices(r.Context(), prov.ID, "")
	if err != nil {
		return model.Device{}, err
	}
	if req.Device != "" {
		for _, d := range devices {
			if d.Name == req.Device {
				return d, nil
			}
		}
		return model.Device{}, qerr.New(qerr.KindNotFound,
			"provider %s has no device %q", providerName, req.Device)
	}
	for _, d := range devices {
		if d.IsLocal {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return model.Device{}, qerr.New(qerr.KindNotFound, "provider %s has no devices", providerName)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"), subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), job.ID)
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, results, s.engine.QueuePosition(r.Context(), &job)))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJob(r.Context(), r.PathValue("id"), subject(r)); err != nil {
		writeQerr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id, subject(r), providerToken(r)); err != nil {
		writeQerr(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), id, subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, nil, -1))
}

func (s *Server) handleRerunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Rerun(r.Context(), r.PathValue("id"), subject(r), providerToken(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job, nil, s.engine.QueuePosition(r.Context(), &job)))
}

// providerToken reads the per-request provider token header used by the
// operations that take no body.
func providerToken(r *http.Request) string {
	return r.Header.Get("X-Provider-Token")
}

// --- Deployments ---

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.ListDeployments(r.Context(), subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]deploymentResponse, 0, len(deps))
	for _, d := range deps {
		out = append(out, toDeploymentResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.decodeDeployment(r)
	if err != nil {
		writeQerr(w, err)
		return
	}
	dep.Owner = subject(r)
	if _, err := s.store.GetOrCreateUser(r.Context(), dep.Owner); err != nil {
		writeQerr(w, err)
		return
	}
	if err := s.store.CreateDeployment(r.Context(), &dep); err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeploymentResponse(dep))
}

func (s *Server) decodeDeployment(r *http.Request) (model.Deployment, error) {
	var req deploymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		return model.Deployment{}, qerr.New(qerr.KindValidation, "invalid request body: %v", err)
	}
	if len(req.Programs) == 0 {
		return model.Deployment{}, qerr.New(qerr.KindValidation, "at least one program is required")
	}
	dep := model.Deployment{Name: req.Name}
	for i, p := range req.Programs {
		f, err := format.Parse(p.AssemblerLanguage)
		if err != nil {
			return model.Deployment{}, qerr.Wrap(qerr.KindValidation, err, "program %d", i)
		}
		if p.QuantumCircuit == "" {
			return model.Deployment{}, qerr.New(qerr.KindValidation, "program %d has no circuit", i)
		}
		dep.Programs = append(dep.Programs, model.Program{
			Source:             p.QuantumCircuit,
			Format:             f,
			PythonFilePath:     p.PythonFilePath,
			PythonFileMetadata: p.PythonFileMetadata,
		})
	}
	return dep, nil
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.store.GetDeployment(r.Context(), r.PathValue("id"), subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(dep))
}

func (s *Server) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.decodeDeployment(r)
	if err != nil {
		writeQerr(w, err)
		return
	}
	dep.ID = r.PathValue("id")
	if err := s.store.UpdateDeployment(r.Context(), &dep, subject(r)); err != nil {
		writeQerr(w, err)
		return
	}
	fresh, err := s.store.GetDeployment(r.Context(), dep.ID, subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(fresh))
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeployment(r.Context(), r.PathValue("id"), subject(r)); err != nil {
		writeQerr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeploymentJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetDeployment(r.Context(), id, subject(r)); err != nil {
		writeQerr(w, err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), subject(r), id)
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, nil, s.engine.QueuePosition(r.Context(), &j)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteDeploymentJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetDeployment(r.Context(), id, subject(r)); err != nil {
		writeQerr(w, err)
		return
	}
	n, err := s.store.DeleteJobsByDeployment(r.Context(), id, subject(r))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// --- Providers ---

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, toProviderResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "provider id must be an integer")
		return
	}
	p, err := s.store.GetProvider(r.Context(), id)
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

// --- Devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var providerID int64
	if p := r.URL.Query().Get("provider"); p != "" {
		prov, err := s.store.GetProviderByName(r.Context(), p)
		if err != nil {
			writeQerr(w, err)
			return
		}
		providerID = prov.ID
	}
	devices, err := s.store.ListDevices(r.Context(), providerID, r.URL.Query().Get("name"))
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReconcileDevices re-runs device reconciliation for one provider from
// its embedded seeds. Devices the seed list no longer mentions are
// preserved.
func (s *Server) handleReconcileDevices(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("provider")
	if name == "" {
		writeError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}
	pl, err := s.pilots.Get(name)
	if err != nil {
		writeQerr(w, err)
		return
	}
	devices, err := pilot.ParseSeeds(pl.SeedDevices())
	if err != nil {
		writeQerr(w, err)
		return
	}
	prov, err := pilot.Reconcile(r.Context(), s.store, pl, devices)
	if err != nil {
		writeQerr(w, err)
		return
	}
	all, err := s.store.ListDevices(r.Context(), prov.ID, "")
	if err != nil {
		writeQerr(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(all))
	for _, d := range all {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromPath(r)
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromPath(r)
	if err != nil {
		writeQerr(w, err)
		return
	}
	pl, err := s.pilotForDevice(r, d)
	if err != nil {
		writeQerr(w, err)
		return
	}
	available, err := pl.IsDeviceAvailable(r.Context(), d, pilot.ResolveToken(pl, providerToken(r)))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}

func (s *Server) handleDeviceCalibration(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromPath(r)
	if err != nil {
		writeQerr(w, err)
		return
	}
	pl, err := s.pilotForDevice(r, d)
	if err != nil {
		writeQerr(w, err)
		return
	}
	blob, err := pl.Calibration(r.Context(), d, pilot.ResolveToken(pl, providerToken(r)))
	if err != nil {
		writeQerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(blob))
}

func (s *Server) deviceFromPath(r *http.Request) (model.Device, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return model.Device{}, qerr.New(qerr.KindValidation, "device id must be an integer")
	}
	return s.store.GetDevice(r.Context(), id)
}

func (s *Server) pilotForDevice(r *http.Request, d model.Device) (pilot.Pilot, error) {
	prov, err := s.store.GetProvider(r.Context(), d.ProviderID)
	if err != nil {
		return nil, err
	}
	return s.pilots.Get(prov.Name)
}
