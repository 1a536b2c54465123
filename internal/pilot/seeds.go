package pilot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/store"
)

// deviceSeed mirrors the embedded *_standard_devices.json entries.
type deviceSeed struct {
	Name        string `json:"name"`
	NumQubits   int    `json:"num_qubits"`
	IsSimulator bool   `json:"is_simulator"`
	IsLocal     bool   `json:"is_local"`
}

// ParseSeeds decodes an embedded seed file into device rows (provider id
// unset).
func ParseSeeds(raw []byte) ([]model.Device, error) {
	var seeds []deviceSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("decoding device seeds: %w", err)
	}
	out := make([]model.Device, 0, len(seeds))
	for _, s := range seeds {
		n := s.NumQubits
		if n == 0 {
			n = -1 // unknown
		}
		out = append(out, model.Device{
			Name:        s.Name,
			NumQubits:   n,
			IsSimulator: s.IsSimulator,
			IsLocal:     s.IsLocal,
		})
	}
	return out, nil
}

// Reconcile upserts a provider row and the given device set. Devices already
// stored but absent from the set are left untouched: a provider listing that
// omits a device must not erase what we know about it.
func Reconcile(ctx context.Context, st *store.Store, p Pilot, devices []model.Device) (model.Provider, error) {
	prov := model.Provider{
		Name:             p.Name(),
		WithToken:        p.WithToken(),
		SupportedFormats: p.SupportedFormats(),
	}
	if err := st.UpsertProvider(ctx, &prov); err != nil {
		return prov, err
	}
	for i := range devices {
		devices[i].ProviderID = prov.ID
		if err := st.UpsertDevice(ctx, &devices[i]); err != nil {
			return prov, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"provider": prov.Name,
		"devices":  len(devices),
	}).Debug("reconciled provider devices")
	return prov, nil
}

// SeedAll reconciles every registered pilot from its embedded seeds.
func SeedAll(ctx context.Context, st *store.Store, reg *Registry) error {
	for _, p := range reg.All() {
		devices, err := ParseSeeds(p.SeedDevices())
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		if _, err := Reconcile(ctx, st, p, devices); err != nil {
			return fmt.Errorf("provider %s: %w", p.Name(), err)
		}
	}
	return nil
}
