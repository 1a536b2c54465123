// Package format enumerates the circuit source formats the control plane
// accepts and knows how to lift each one into its native in-memory form.
// The set is closed: new formats are added here together with at least one
// transpiler edge to or from an existing node.
package format

import (
	"strings"
	"sync"

	"github.com/qontrol-dev/qontrol/internal/qerr"
)

type Format string

const (
	QASM2  Format = "QASM2"
	QASM3  Format = "QASM3"
	Qiskit Format = "QISKIT"
	Braket Format = "BRAKET"
	Qrisp  Format = "QRISP"
	Quil   Format = "QUIL"
)

// aliases maps accepted spellings to canonical tags. Clients and seed data
// use a few historical names for the same format.
var aliasSpecs = map[Format][]string{
	QASM2:  {"qasm2", "qasm-2", "openqasm2", "qasm"},
	QASM3:  {"qasm3", "qasm-3", "openqasm3"},
	Qiskit: {"qiskit"},
	Braket: {"braket", "aws-braket"},
	Qrisp:  {"qrisp"},
	Quil:   {"quil", "pyquil"},
}

var (
	aliasOnce  sync.Once
	aliasIndex map[string]Format
)

func aliases() map[string]Format {
	aliasOnce.Do(func() {
		aliasIndex = map[string]Format{}
		for f, names := range aliasSpecs {
			aliasIndex[strings.ToLower(string(f))] = f
			for _, n := range names {
				aliasIndex[n] = f
			}
		}
	})
	return aliasIndex
}

// Parse resolves a format tag, accepting aliases case-insensitively.
func Parse(in string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return "", qerr.New(qerr.KindUnknownFormat, "empty format tag")
	}
	if f, ok := aliases()[key]; ok {
		return f, nil
	}
	return "", qerr.New(qerr.KindUnknownFormat, "unknown format %q", in)
}

func Known(f Format) bool {
	_, err := Parse(string(f))
	return err == nil
}

// All returns the closed enumeration in a stable order.
func All() []Format {
	return []Format{QASM2, QASM3, Qiskit, Braket, Qrisp, Quil}
}

// Textual reports whether the format's wire form is already the executable
// text form (identity pre-processor). The remaining formats are builder DSLs
// whose wire form must be lifted into a native circuit object.
func (f Format) Textual() bool {
	switch f {
	case QASM2, QASM3, Quil:
		return true
	default:
		return false
	}
}

// PreProcessor lifts a source string into the value the first transpiler
// edge for this format expects.
type PreProcessor func(source string) (any, error)

var (
	preMu  sync.RWMutex
	preFns = map[Format]PreProcessor{}
)

// RegisterPreProcessor installs the pre-processor for a DSL format. Called
// from init/start-up registration only; the registry is treated as immutable
// once workers start.
func RegisterPreProcessor(f Format, fn PreProcessor) {
	preMu.Lock()
	defer preMu.Unlock()
	preFns[f] = fn
}

// PreProcess parses raw source into the format's native form. Textual
// formats pass through unchanged.
func PreProcess(f Format, source string) (any, error) {
	if !Known(f) {
		return nil, qerr.New(qerr.KindUnknownFormat, "unknown format %q", f)
	}
	preMu.RLock()
	fn := preFns[f]
	preMu.RUnlock()
	if fn == nil {
		return source, nil
	}
	return fn(source)
}
