// Package dsl is the single entry point for untrusted builder-DSL source.
// The accepted grammar is deliberately tiny: one constructor call, then
// straight-line method calls with numeric literal arguments. There is no
// hosted interpreter, no control flow, no imports, and no state shared
// across evaluations; programs that need more must ship a declarative
// format (QASM) instead.
package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/qontrol-dev/qontrol/internal/circuit"
)

const (
	// MaxStatements bounds evaluation work per program.
	MaxStatements = 4096
)

var (
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(QuantumCircuit|Circuit)\s*\(([^)]*)\)\s*$`)
	callRe   = regexp.MustCompile(`^\.?([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)

	// Rejected outright: anything that smells like control flow or I/O.
	forbiddenRe = regexp.MustCompile(`^(import|from|for|while|if|def|class|with|lambda|exec|eval|open|print)\b`)
)

// EvalQiskit evaluates a qiskit-style builder script:
//
//	qiskit_circuit = QuantumCircuit(2, 2)
//	qiskit_circuit.h(0)
//	qiskit_circuit.cx(0, 1)
//	qiskit_circuit.measure(0, 0)
func EvalQiskit(source string) (*circuit.Circuit, error) {
	return evalAssigned(source, "QuantumCircuit")
}

// EvalQrisp evaluates a qrisp-style builder script. The surface is the same
// assignment-plus-method-calls shape as qiskit; single-argument measure maps
// the qubit onto the like-indexed classical bit.
func EvalQrisp(source string) (*circuit.Circuit, error) {
	return evalAssigned(source, "QuantumCircuit")
}

// EvalBraket evaluates a braket-style chained expression:
//
//	Circuit().h(0).cnot(0, 1)
//
// Braket circuits have no explicit measurement; every qubit is measured.
func EvalBraket(source string) (*circuit.Circuit, error) {
	stmts, err := statements(source)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, fmt.Errorf("braket source must be a single Circuit() expression, got %d statements", len(stmts))
	}
	expr := stmts[0]
	// Optional assignment prefix: circuit = Circuit()...
	if idx := strings.Index(expr, "="); idx > 0 && !strings.Contains(expr[:idx], "(") {
		expr = strings.TrimSpace(expr[idx+1:])
	}
	if !strings.HasPrefix(expr, "Circuit()") {
		return nil, fmt.Errorf("braket source must start with Circuit()")
	}
	rest := expr[len("Circuit()"):]

	// The qubit count is not declared up front; size the circuit to the
	// highest qubit referenced.
	calls, err := parseChain(rest)
	if err != nil {
		return nil, err
	}
	maxQ := -1
	for _, cl := range calls {
		for _, a := range cl.args {
			if q := int(a); float64(q) == a && q > maxQ {
				maxQ = q
			}
		}
	}
	if maxQ < 0 {
		return nil, fmt.Errorf("braket circuit applies no gates")
	}
	if maxQ+1 > circuit.MaxQubits {
		return nil, fmt.Errorf("circuit uses %d qubits, limit is %d", maxQ+1, circuit.MaxQubits)
	}
	c := circuit.New(maxQ+1, maxQ+1)
	for _, cl := range calls {
		if err := applyCall(c, cl); err != nil {
			return nil, err
		}
	}
	if err := c.MeasureAll(); err != nil {
		return nil, err
	}
	return c, nil
}

type call struct {
	method string
	args   []float64
}

func evalAssigned(source, constructor string) (*circuit.Circuit, error) {
	stmts, err := statements(source)
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	m := assignRe.FindStringSubmatch(stmts[0])
	if m == nil || m[2] != constructor {
		return nil, fmt.Errorf("first statement must be <name> = %s(...)", constructor)
	}
	receiver := m[1]
	ctorArgs, err := parseArgs(m[3])
	if err != nil {
		return nil, err
	}
	qubits, clbits := 0, 0
	switch len(ctorArgs) {
	case 1:
		qubits = int(ctorArgs[0])
	case 2:
		qubits, clbits = int(ctorArgs[0]), int(ctorArgs[1])
	default:
		return nil, fmt.Errorf("%s() expects 1 or 2 arguments, got %d", constructor, len(ctorArgs))
	}
	if qubits <= 0 || qubits > circuit.MaxQubits {
		return nil, fmt.Errorf("qubit count %d out of range (1..%d)", qubits, circuit.MaxQubits)
	}
	c := circuit.New(qubits, clbits)

	for _, stmt := range stmts[1:] {
		prefix := receiver + "."
		if !strings.HasPrefix(stmt, prefix) {
			return nil, fmt.Errorf("statement %q is not a %s method call", stmt, receiver)
		}
		rest := stmt[len(prefix):]
		cm := callRe.FindStringSubmatch(rest)
		if cm == nil || len(cm[0]) != len(rest) {
			return nil, fmt.Errorf("malformed method call %q", stmt)
		}
		args, err := parseArgs(cm[2])
		if err != nil {
			return nil, err
		}
		if err := applyCall(c, call{method: strings.ToLower(cm[1]), args: args}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func applyCall(c *circuit.Circuit, cl call) error {
	switch cl.method {
	case "measure":
		switch len(cl.args) {
		case 1:
			q := int(cl.args[0])
			if c.NumClbits() <= q {
				// qrisp-style implicit classical bits.
				if err := growClbits(c, q+1); err != nil {
					return err
				}
			}
			return c.Measure(q, q)
		case 2:
			return c.Measure(int(cl.args[0]), int(cl.args[1]))
		default:
			return fmt.Errorf("measure expects 1 or 2 arguments, got %d", len(cl.args))
		}
	case "measure_all":
		if len(cl.args) != 0 {
			return fmt.Errorf("measure_all takes no arguments")
		}
		return c.MeasureAll()
	case "barrier":
		return nil
	}

	// Rotation gates take the angle first in qiskit (rz(theta, qubit)) and
	// braket puts the qubit first (rz(qubit, theta)); disambiguate by which
	// argument is integral.
	switch cl.method {
	case "rx", "ry", "rz":
		if len(cl.args) != 2 {
			return fmt.Errorf("%s expects 2 arguments, got %d", cl.method, len(cl.args))
		}
		theta, qubit := cl.args[0], cl.args[1]
		if float64(int(qubit)) != qubit {
			theta, qubit = cl.args[1], cl.args[0]
		}
		return c.Apply(cl.method, []float64{theta}, int(qubit))
	}

	qubits := make([]int, 0, len(cl.args))
	for _, a := range cl.args {
		if float64(int(a)) != a {
			return fmt.Errorf("%s: qubit operand %v is not an integer", cl.method, a)
		}
		qubits = append(qubits, int(a))
	}
	return c.Apply(cl.method, nil, qubits...)
}

func growClbits(c *circuit.Circuit, n int) error {
	if n > circuit.MaxQubits {
		return fmt.Errorf("classical bit count %d out of range", n)
	}
	c.CRegs = []circuit.Register{{Name: "c", Size: n}}
	return nil
}

// parseChain splits ".h(0).cnot(0, 1)" into calls, tolerating newlines
// between links.
func parseChain(rest string) ([]call, error) {
	rest = strings.TrimSpace(rest)
	var out []call
	for rest != "" {
		if len(out) >= MaxStatements {
			return nil, fmt.Errorf("program exceeds %d statements", MaxStatements)
		}
		if !strings.HasPrefix(rest, ".") {
			return nil, fmt.Errorf("malformed call chain near %q", rest)
		}
		m := callRe.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("malformed call chain near %q", rest)
		}
		args, err := parseArgs(m[2])
		if err != nil {
			return nil, err
		}
		out = append(out, call{method: strings.ToLower(m[1]), args: args})
		rest = strings.TrimSpace(rest[len(m[0]):])
	}
	return out, nil
}

func parseArgs(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []float64
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q is not a numeric literal", a)
		}
		out = append(out, v)
	}
	return out, nil
}

// statements normalizes source into logical statements: comments stripped,
// blank lines dropped, chained-call continuations joined to their opener.
func statements(source string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(source, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimRight(line, " \t\\")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if forbiddenRe.MatchString(trimmed) {
			return nil, fmt.Errorf("statement %q is not allowed in circuit source", trimmed)
		}
		// Continuation of a chained expression.
		if strings.HasPrefix(trimmed, ".") && len(out) > 0 {
			out[len(out)-1] += trimmed
			continue
		}
		out = append(out, trimmed)
		if len(out) > MaxStatements {
			return nil, fmt.Errorf("program exceeds %d statements", MaxStatements)
		}
	}
	return out, nil
}
