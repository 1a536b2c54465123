// Package circuit holds the native in-memory circuit representation shared
// by the transpiler edges and the embedded sampler, together with parsers
// and emitters for the textual formats (OpenQASM 2/3, Quil).
//
// The representation is deliberately small: named quantum/classical
// registers and a flat, ordered op list over a closed gate set. Circuit
// semantics beyond what the codecs need are not validated here.
package circuit

import (
	"fmt"
	"sort"
	"strings"
)

// MaxQubits bounds every entry point that constructs a circuit. The embedded
// sampler enforces a lower cap of its own.
const MaxQubits = 64

type Register struct {
	Name string
	Size int
}

// Op is one gate application or measurement. For measurements Gate is
// "measure" and Clbit names the target classical bit (flat index).
type Op struct {
	Gate   string
	Qubits []int
	Params []float64
	Clbit  int
}

func (o Op) IsMeasure() bool { return o.Gate == "measure" }

type Circuit struct {
	QRegs []Register
	CRegs []Register
	Ops   []Op
}

// gateArity maps the closed gate set to (qubit operands, params).
var gateArity = map[string][2]int{
	"id": {1, 0}, "h": {1, 0}, "x": {1, 0}, "y": {1, 0}, "z": {1, 0},
	"s": {1, 0}, "sdg": {1, 0}, "t": {1, 0}, "tdg": {1, 0},
	"rx": {1, 1}, "ry": {1, 1}, "rz": {1, 1},
	"cx": {2, 0}, "cz": {2, 0}, "swap": {2, 0}, "ccx": {3, 0},
}

// KnownGate reports whether name is in the closed gate set (aliases cnot and
// toffoli are accepted by the parsers and canonicalized to cx / ccx).
func KnownGate(name string) bool {
	_, ok := gateArity[name]
	return ok
}

func canonicalGate(name string) string {
	switch name {
	case "cnot":
		return "cx"
	case "toffoli":
		return "ccx"
	default:
		return name
	}
}

func New(qubits, clbits int) *Circuit {
	c := &Circuit{}
	if qubits > 0 {
		c.QRegs = append(c.QRegs, Register{Name: "q", Size: qubits})
	}
	if clbits > 0 {
		c.CRegs = append(c.CRegs, Register{Name: "c", Size: clbits})
	}
	return c
}

func (c *Circuit) NumQubits() int {
	n := 0
	for _, r := range c.QRegs {
		n += r.Size
	}
	return n
}

func (c *Circuit) NumClbits() int {
	n := 0
	for _, r := range c.CRegs {
		n += r.Size
	}
	return n
}

// qubitIndex resolves reg[idx] to a flat qubit index.
func (c *Circuit) qubitIndex(reg string, idx int) (int, error) {
	base := 0
	for _, r := range c.QRegs {
		if r.Name == reg {
			if idx < 0 || idx >= r.Size {
				return 0, fmt.Errorf("qubit index %s[%d] out of range (size %d)", reg, idx, r.Size)
			}
			return base + idx, nil
		}
		base += r.Size
	}
	return 0, fmt.Errorf("unknown quantum register %q", reg)
}

func (c *Circuit) clbitIndex(reg string, idx int) (int, error) {
	base := 0
	for _, r := range c.CRegs {
		if r.Name == reg {
			if idx < 0 || idx >= r.Size {
				return 0, fmt.Errorf("classical index %s[%d] out of range (size %d)", reg, idx, r.Size)
			}
			return base + idx, nil
		}
		base += r.Size
	}
	return 0, fmt.Errorf("unknown classical register %q", reg)
}

// Apply appends a gate application after arity checks.
func (c *Circuit) Apply(gate string, params []float64, qubits ...int) error {
	gate = canonicalGate(strings.ToLower(strings.TrimSpace(gate)))
	arity, ok := gateArity[gate]
	if !ok {
		return fmt.Errorf("unsupported gate %q", gate)
	}
	if len(qubits) != arity[0] {
		return fmt.Errorf("gate %q expects %d qubit operands, got %d", gate, arity[0], len(qubits))
	}
	if len(params) != arity[1] {
		return fmt.Errorf("gate %q expects %d parameters, got %d", gate, arity[1], len(params))
	}
	n := c.NumQubits()
	for _, q := range qubits {
		if q < 0 || q >= n {
			return fmt.Errorf("gate %q: qubit %d out of range (%d qubits)", gate, q, n)
		}
	}
	c.Ops = append(c.Ops, Op{Gate: gate, Qubits: append([]int{}, qubits...), Params: append([]float64{}, params...)})
	return nil
}

// AddQReg appends a named quantum register.
func (c *Circuit) AddQReg(name string, size int) error {
	return c.addReg(true, name, size)
}

// AddCReg appends a named classical register.
func (c *Circuit) AddCReg(name string, size int) error {
	return c.addReg(false, name, size)
}

func (c *Circuit) addReg(quantum bool, name string, size int) error {
	if size <= 0 {
		return fmt.Errorf("register %q must have positive size", name)
	}
	regs := c.CRegs
	if quantum {
		regs = c.QRegs
	}
	for _, r := range regs {
		if r.Name == name {
			return fmt.Errorf("register %q already declared", name)
		}
	}
	if quantum {
		if c.NumQubits()+size > MaxQubits {
			return fmt.Errorf("register %q exceeds the %d qubit limit", name, MaxQubits)
		}
		c.QRegs = append(c.QRegs, Register{Name: name, Size: size})
	} else {
		c.CRegs = append(c.CRegs, Register{Name: name, Size: size})
	}
	return nil
}

// MeasureInto measures one qubit into reg[idx].
func (c *Circuit) MeasureInto(qubit int, reg string, idx int) error {
	clbit, err := c.clbitIndex(reg, idx)
	if err != nil {
		return err
	}
	return c.Measure(qubit, clbit)
}

// Measure appends a measurement of one qubit into one classical bit.
func (c *Circuit) Measure(qubit, clbit int) error {
	if qubit < 0 || qubit >= c.NumQubits() {
		return fmt.Errorf("measure: qubit %d out of range", qubit)
	}
	if clbit < 0 || clbit >= c.NumClbits() {
		return fmt.Errorf("measure: classical bit %d out of range", clbit)
	}
	c.Ops = append(c.Ops, Op{Gate: "measure", Qubits: []int{qubit}, Clbit: clbit})
	return nil
}

// MeasureAll measures every qubit into the like-indexed classical bit,
// growing the classical register if needed.
func (c *Circuit) MeasureAll() error {
	n := c.NumQubits()
	if c.NumClbits() < n {
		c.CRegs = []Register{{Name: "c", Size: n}}
	}
	for q := 0; q < n; q++ {
		if err := c.Measure(q, q); err != nil {
			return err
		}
	}
	return nil
}

// MeasuredClbits returns the sorted distinct classical bits written by
// measurements.
func (c *Circuit) MeasuredClbits() []int {
	seen := map[int]struct{}{}
	for _, op := range c.Ops {
		if op.IsMeasure() {
			seen[op.Clbit] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// ClassicalSizes returns the classical register sizes most-significant
// register first, the order canonical result keys use.
func (c *Circuit) ClassicalSizes() []int {
	out := make([]int, 0, len(c.CRegs))
	for i := len(c.CRegs) - 1; i >= 0; i-- {
		out = append(out, c.CRegs[i].Size)
	}
	return out
}
