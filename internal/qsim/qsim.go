// Package qsim is the embedded measurement sampler behind the local device
// backends. It stands in for the provider-SDK local simulators the remote
// control planes ship (aer_simulator, braket LocalSimulator) and is
// deliberately minimal: the closed gate set, terminal measurements only, no
// noise model, and a hard qubit cap well below the general circuit limit.
package qsim

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sort"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/circuit"
)

// MaxQubits caps statevector size (2^12 amplitudes).
const MaxQubits = 12

// Counts samples shot measurement outcomes from the circuit's terminal
// measurement distribution. Keys are binary register strings in canonical
// order: classical registers most-significant first, space-separated, bits
// within a register most-significant first. seed fixes the sampling stream;
// pass a nonzero value for reproducible tests.
func Counts(c *circuit.Circuit, shots int, seed int64) (map[string]int, error) {
	if shots <= 0 {
		return nil, fmt.Errorf("shots must be positive, got %d", shots)
	}
	probs, err := Distribution(c)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		key string
		p   float64
	}
	outcomes := make([]outcome, 0, len(probs))
	for k, p := range probs {
		outcomes = append(outcomes, outcome{k, p})
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].key < outcomes[j].key })

	rng := rand.New(rand.NewSource(seed))
	if seed == 0 {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	counts := map[string]int{}
	for s := 0; s < shots; s++ {
		r := rng.Float64()
		acc := 0.0
		key := outcomes[len(outcomes)-1].key
		for _, o := range outcomes {
			acc += o.p
			if r < acc {
				key = o.key
				break
			}
		}
		counts[key]++
	}
	return counts, nil
}

// Distribution computes the exact terminal-measurement distribution over the
// circuit's classical bits. Only outcomes with non-negligible probability
// appear.
func Distribution(c *circuit.Circuit) (map[string]float64, error) {
	n := c.NumQubits()
	if n == 0 {
		return nil, fmt.Errorf("circuit has no qubits")
	}
	if n > MaxQubits {
		return nil, fmt.Errorf("circuit has %d qubits, local sampler limit is %d", n, MaxQubits)
	}

	state := make([]complex128, 1<<uint(n))
	state[0] = 1

	// qubit -> classical bit written by the last measurement of that qubit.
	measured := map[int]int{}
	for _, op := range c.Ops {
		if op.IsMeasure() {
			measured[op.Qubits[0]] = op.Clbit
			continue
		}
		if len(measured) > 0 {
			return nil, fmt.Errorf("mid-circuit measurement before gate %q is not supported", op.Gate)
		}
		if err := apply(state, op); err != nil {
			return nil, err
		}
	}
	if len(measured) == 0 {
		return nil, fmt.Errorf("circuit has no measurements")
	}

	dist := map[uint64]float64{}
	for idx, amp := range state {
		p := real(amp)*real(amp) + imag(amp)*imag(amp)
		if p < 1e-12 {
			continue
		}
		var bits uint64
		for q, cb := range measured {
			if idx>>uint(q)&1 == 1 {
				bits |= 1 << uint(cb)
			}
		}
		dist[bits] += p
	}

	out := make(map[string]float64, len(dist))
	for bits, p := range dist {
		out[formatBits(c, bits)] += p
	}
	return out, nil
}

// formatBits renders classical bits in canonical register order.
func formatBits(c *circuit.Circuit, bits uint64) string {
	if len(c.CRegs) == 0 {
		return ""
	}
	var parts []string
	offset := 0
	offsets := make([]int, len(c.CRegs))
	for i, r := range c.CRegs {
		offsets[i] = offset
		offset += r.Size
	}
	// Most-significant register first: reverse declaration order.
	for i := len(c.CRegs) - 1; i >= 0; i-- {
		r := c.CRegs[i]
		var b strings.Builder
		for bit := r.Size - 1; bit >= 0; bit-- {
			if bits>>uint(offsets[i]+bit)&1 == 1 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " ")
}

func apply(state []complex128, op circuit.Op) error {
	switch op.Gate {
	case "id":
		return nil
	case "h":
		s := complex(1/math.Sqrt2, 0)
		return apply1(state, op.Qubits[0], [4]complex128{s, s, s, -s})
	case "x":
		return apply1(state, op.Qubits[0], [4]complex128{0, 1, 1, 0})
	case "y":
		return apply1(state, op.Qubits[0], [4]complex128{0, complex(0, -1), complex(0, 1), 0})
	case "z":
		return apply1(state, op.Qubits[0], [4]complex128{1, 0, 0, -1})
	case "s":
		return apply1(state, op.Qubits[0], [4]complex128{1, 0, 0, complex(0, 1)})
	case "sdg":
		return apply1(state, op.Qubits[0], [4]complex128{1, 0, 0, complex(0, -1)})
	case "t":
		return apply1(state, op.Qubits[0], [4]complex128{1, 0, 0, cmplx.Exp(complex(0, math.Pi/4))})
	case "tdg":
		return apply1(state, op.Qubits[0], [4]complex128{1, 0, 0, cmplx.Exp(complex(0, -math.Pi/4))})
	case "rx":
		th := op.Params[0] / 2
		return apply1(state, op.Qubits[0], [4]complex128{
			complex(math.Cos(th), 0), complex(0, -math.Sin(th)),
			complex(0, -math.Sin(th)), complex(math.Cos(th), 0),
		})
	case "ry":
		th := op.Params[0] / 2
		return apply1(state, op.Qubits[0], [4]complex128{
			complex(math.Cos(th), 0), complex(-math.Sin(th), 0),
			complex(math.Sin(th), 0), complex(math.Cos(th), 0),
		})
	case "rz":
		th := op.Params[0] / 2
		return apply1(state, op.Qubits[0], [4]complex128{
			cmplx.Exp(complex(0, -th)), 0,
			0, cmplx.Exp(complex(0, th)),
		})
	case "cx":
		return applyControlled(state, []int{op.Qubits[0]}, op.Qubits[1], [4]complex128{0, 1, 1, 0})
	case "cz":
		return applyControlled(state, []int{op.Qubits[0]}, op.Qubits[1], [4]complex128{1, 0, 0, -1})
	case "ccx":
		return applyControlled(state, []int{op.Qubits[0], op.Qubits[1]}, op.Qubits[2], [4]complex128{0, 1, 1, 0})
	case "swap":
		a, b := op.Qubits[0], op.Qubits[1]
		for idx := range state {
			ba := idx >> uint(a) & 1
			bb := idx >> uint(b) & 1
			if ba == 1 && bb == 0 {
				other := idx &^ (1 << uint(a)) | 1<<uint(b)
				state[idx], state[other] = state[other], state[idx]
			}
		}
		return nil
	default:
		return fmt.Errorf("gate %q is not supported by the local sampler", op.Gate)
	}
}

// apply1 applies a 2x2 unitary {m00, m01, m10, m11} to one qubit.
func apply1(state []complex128, qubit int, m [4]complex128) error {
	step := 1 << uint(qubit)
	for idx := 0; idx < len(state); idx++ {
		if idx&step != 0 {
			continue
		}
		lo, hi := state[idx], state[idx|step]
		state[idx] = m[0]*lo + m[1]*hi
		state[idx|step] = m[2]*lo + m[3]*hi
	}
	return nil
}

func applyControlled(state []complex128, controls []int, target int, m [4]complex128) error {
	step := 1 << uint(target)
	for idx := 0; idx < len(state); idx++ {
		if idx&step != 0 {
			continue
		}
		on := true
		for _, ctl := range controls {
			if idx>>uint(ctl)&1 == 0 {
				on = false
				break
			}
		}
		if !on {
			continue
		}
		lo, hi := state[idx], state[idx|step]
		state[idx] = m[0]*lo + m[1]*hi
		state[idx|step] = m[2]*lo + m[3]*hi
	}
	return nil
}
