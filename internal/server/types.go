package server

import (
	"encoding/json"
	"time"

	"github.com/qontrol-dev/qontrol/internal/model"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// jobRequest is the create-and-run DTO. The provider token rides in the
// body, is used for the lifetime of the job, and is never echoed back.
type jobRequest struct {
	Name         string `json:"name"`
	DeploymentID string `json:"deployment_id"`
	DeviceID     int64  `json:"device_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Device       string `json:"device,omitempty"`
	Shots        int    `json:"shots"`
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
}

type jobResponse struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	State              string           `json:"state"`
	QueuePosition      *int             `json:"queue_position,omitempty"`
	Type               string           `json:"type"`
	Shots              int              `json:"shots"`
	DeviceID           int64            `json:"device_id"`
	DeploymentID       string           `json:"deployment_id"`
	ProviderSpecificID string           `json:"provider_specific_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	FinishedAt         *time.Time       `json:"finished_at,omitempty"`
	Results            []resultResponse `json:"results,omitempty"`
}

type resultResponse struct {
	ID        int64           `json:"id"`
	ProgramID string          `json:"program_id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// programRequest uses the original wire names for circuit payloads.
type programRequest struct {
	QuantumCircuit     string `json:"quantum_circuit"`
	AssemblerLanguage  string `json:"assembler_language"`
	PythonFilePath     string `json:"python_file_path,omitempty"`
	PythonFileMetadata string `json:"python_file_metadata,omitempty"`
}

type deploymentRequest struct {
	Name     string           `json:"name"`
	Programs []programRequest `json:"programs"`
}

type programResponse struct {
	ID                string `json:"id"`
	QuantumCircuit    string `json:"quantum_circuit"`
	AssemblerLanguage string `json:"assembler_language"`
	Checksum          string `json:"checksum"`
}

type deploymentResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Programs  []programResponse `json:"programs"`
}

type providerResponse struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	WithToken        bool     `json:"with_token"`
	SupportedFormats []string `json:"supported_formats"`
}

type deviceResponse struct {
	ID          int64  `json:"id"`
	ProviderID  int64  `json:"provider_id"`
	Name        string `json:"name"`
	NumQubits   int    `json:"num_qubits"`
	IsSimulator bool   `json:"is_simulator"`
	IsLocal     bool   `json:"is_local"`
}

func toJobResponse(j model.Job, results []model.Result, queuePos int) jobResponse {
	out := jobResponse{
		ID:                 j.ID,
		Name:               j.Name,
		State:              string(j.State),
		Type:               string(j.Type),
		Shots:              j.Shots,
		DeviceID:           j.DeviceID,
		DeploymentID:       j.DeploymentID,
		ProviderSpecificID: j.ProviderSpecificID,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		FinishedAt:         j.FinishedAt,
	}
	if j.State == model.StateReady && queuePos >= 0 {
		out.State = "PENDING"
		out.QueuePosition = &queuePos
	}
	for _, r := range results {
		rr := resultResponse{
			ID:        r.ID,
			ProgramID: r.ProgramID,
			Type:      string(r.Type),
			Data:      r.Data,
		}
		// ERROR meta holds the stack trace, which never leaves the process.
		if r.Type != model.ResultError {
			rr.Meta = r.Meta
		}
		out.Results = append(out.Results, rr)
	}
	return out
}

func toDeploymentResponse(d model.Deployment) deploymentResponse {
	out := deploymentResponse{ID: d.ID, Name: d.Name, CreatedAt: d.CreatedAt}
	for _, p := range d.Programs {
		out.Programs = append(out.Programs, programResponse{
			ID:                p.ID,
			QuantumCircuit:    p.Source,
			AssemblerLanguage: string(p.Format),
			Checksum:          p.Checksum,
		})
	}
	return out
}

func toProviderResponse(p model.Provider) providerResponse {
	out := providerResponse{ID: p.ID, Name: p.Name, WithToken: p.WithToken}
	for _, f := range p.SupportedFormats {
		out.SupportedFormats = append(out.SupportedFormats, string(f))
	}
	return out
}

func toDeviceResponse(d model.Device) deviceResponse {
	return deviceResponse{
		ID:          d.ID,
		ProviderID:  d.ProviderID,
		Name:        d.Name,
		NumQubits:   d.NumQubits,
		IsSimulator: d.IsSimulator,
		IsLocal:     d.IsLocal,
	}
}
