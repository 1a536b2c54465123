package pilot

import (
	"sort"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// Registry maps provider names to pilots. Populated once at start-up, read
// concurrently by workers afterwards.
type Registry struct {
	pilots      map[string]Pilot
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{pilots: map[string]Pilot{}}
}

func (r *Registry) Register(p Pilot) {
	if r.pilots == nil {
		r.pilots = map[string]Pilot{}
	}
	r.pilots[strings.ToLower(p.Name())] = p
	if r.defaultName == "" {
		r.defaultName = strings.ToLower(p.Name())
	}
}

func (r *Registry) SetDefault(name string) {
	r.defaultName = strings.ToLower(name)
}

// Get resolves a provider name; the empty name resolves to the default.
func (r *Registry) Get(name string) (Pilot, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.pilots[strings.ToLower(name)]
	if !ok {
		return nil, qerr.New(qerr.KindNotFound, "unknown provider %q", name)
	}
	return p, nil
}

// Names returns registered provider names in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.pilots))
	for k := range r.pilots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// All returns the pilots in Names order.
func (r *Registry) All() []Pilot {
	names := r.Names()
	out := make([]Pilot, 0, len(names))
	for _, n := range names {
		out = append(out, r.pilots[n])
	}
	return out
}
