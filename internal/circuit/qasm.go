package circuit

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// The OpenQASM codecs cover the statement subset the closed gate set needs:
// version header, include, register declarations, gate applications, and
// measurements. Barriers are accepted and dropped. Anything else is a parse
// error so malformed programs fail the transpile step instead of silently
// producing a truncated circuit.

var (
	regDeclRe   = regexp.MustCompile(`^(qreg|creg)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\[\s*(\d+)\s*\]$`)
	typedDeclRe = regexp.MustCompile(`^(qubit|bit)\s*(?:\[\s*(\d+)\s*\])?\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	operandRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\s*\[\s*(\d+)\s*\])?$`)
	gateCallRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(?:\(([^)]*)\))?\s+(.+)$`)
)

// ParseQASM2 parses an OpenQASM 2.0 program.
func ParseQASM2(source string) (*Circuit, error) {
	return parseQASM(source, 2)
}

// ParseQASM3 parses an OpenQASM 3 program.
func ParseQASM3(source string) (*Circuit, error) {
	return parseQASM(source, 3)
}

func parseQASM(source string, version int) (*Circuit, error) {
	c := &Circuit{}
	sawHeader := false

	for i, stmt := range splitStatements(source) {
		lower := strings.ToLower(stmt)
		switch {
		case strings.HasPrefix(lower, "openqasm"):
			want := strconv.Itoa(version)
			rest := strings.TrimSpace(stmt[len("openqasm"):])
			if rest != want && rest != want+".0" {
				return nil, fmt.Errorf("statement %d: expected OPENQASM %s program, got %q", i+1, want, rest)
			}
			sawHeader = true
		case strings.HasPrefix(lower, "include"):
			// qelib1.inc / stdgates.inc define the standard gates, which are
			// built in here.
		case strings.HasPrefix(lower, "barrier"):
			// No scheduling model; barriers are a no-op.
		default:
			if err := parseQASMBody(c, stmt, version); err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
	}
	if !sawHeader {
		return nil, fmt.Errorf("missing OPENQASM %d header", version)
	}
	if c.NumQubits() == 0 {
		return nil, fmt.Errorf("program declares no qubits")
	}
	if c.NumQubits() > MaxQubits {
		return nil, fmt.Errorf("program declares %d qubits, limit is %d", c.NumQubits(), MaxQubits)
	}
	return c, nil
}

func parseQASMBody(c *Circuit, stmt string, version int) error {
	if m := regDeclRe.FindStringSubmatch(stmt); m != nil {
		size, _ := strconv.Atoi(m[3])
		return declareRegister(c, m[1] == "qreg", m[2], size)
	}
	if m := typedDeclRe.FindStringSubmatch(stmt); m != nil {
		size := 1
		if m[2] != "" {
			size, _ = strconv.Atoi(m[2])
		}
		return declareRegister(c, m[1] == "qubit", m[3], size)
	}

	// QASM3 assignment form: c = measure q; also c[0] = measure q[1];
	if idx := strings.Index(stmt, "="); idx > 0 && !strings.Contains(stmt[:idx], "(") {
		rhs := strings.TrimSpace(stmt[idx+1:])
		if strings.HasPrefix(strings.ToLower(rhs), "measure") {
			target := strings.TrimSpace(rhs[len("measure"):])
			return parseMeasure(c, target, strings.TrimSpace(stmt[:idx]))
		}
	}
	// QASM2 arrow form: measure q -> c;
	if strings.HasPrefix(strings.ToLower(stmt), "measure") {
		rest := strings.TrimSpace(stmt[len("measure"):])
		parts := strings.Split(rest, "->")
		if len(parts) != 2 {
			return fmt.Errorf("malformed measure statement %q", stmt)
		}
		return parseMeasure(c, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	m := gateCallRe.FindStringSubmatch(stmt)
	if m == nil {
		return fmt.Errorf("unsupported statement %q", stmt)
	}
	name := canonicalGate(strings.ToLower(m[1]))
	if !KnownGate(name) {
		return fmt.Errorf("unsupported gate %q", m[1])
	}
	params, err := parseParams(m[2])
	if err != nil {
		return err
	}
	var qubits []int
	for _, operand := range strings.Split(m[3], ",") {
		q, err := resolveOperand(c, strings.TrimSpace(operand), true)
		if err != nil {
			return err
		}
		qubits = append(qubits, q...)
	}
	return c.Apply(name, params, qubits...)
}

func declareRegister(c *Circuit, quantum bool, name string, size int) error {
	if size <= 0 {
		return fmt.Errorf("register %q has non-positive size %d", name, size)
	}
	for _, r := range append(append([]Register{}, c.QRegs...), c.CRegs...) {
		if r.Name == name {
			return fmt.Errorf("register %q declared twice", name)
		}
	}
	if quantum {
		c.QRegs = append(c.QRegs, Register{Name: name, Size: size})
	} else {
		c.CRegs = append(c.CRegs, Register{Name: name, Size: size})
	}
	return nil
}

func parseMeasure(c *Circuit, qOperand, cOperand string) error {
	qm := operandRe.FindStringSubmatch(qOperand)
	cm := operandRe.FindStringSubmatch(cOperand)
	if qm == nil || cm == nil {
		return fmt.Errorf("malformed measure operands %q -> %q", qOperand, cOperand)
	}
	// Whole-register measure: measure q -> c.
	if qm[2] == "" && cm[2] == "" {
		qreg, creg := findReg(c.QRegs, qm[1]), findReg(c.CRegs, cm[1])
		if qreg == nil {
			return fmt.Errorf("unknown quantum register %q", qm[1])
		}
		if creg == nil {
			return fmt.Errorf("unknown classical register %q", cm[1])
		}
		if qreg.Size != creg.Size {
			return fmt.Errorf("measure %s -> %s: register sizes differ (%d vs %d)", qm[1], cm[1], qreg.Size, creg.Size)
		}
		for i := 0; i < qreg.Size; i++ {
			q, _ := c.qubitIndex(qm[1], i)
			b, _ := c.clbitIndex(cm[1], i)
			if err := c.Measure(q, b); err != nil {
				return err
			}
		}
		return nil
	}
	if qm[2] == "" || cm[2] == "" {
		return fmt.Errorf("measure operands must both be indexed or both whole registers")
	}
	qi, _ := strconv.Atoi(qm[2])
	ci, _ := strconv.Atoi(cm[2])
	q, err := c.qubitIndex(qm[1], qi)
	if err != nil {
		return err
	}
	b, err := c.clbitIndex(cm[1], ci)
	if err != nil {
		return err
	}
	return c.Measure(q, b)
}

func findReg(regs []Register, name string) *Register {
	for i := range regs {
		if regs[i].Name == name {
			return &regs[i]
		}
	}
	return nil
}

// resolveOperand expands reg (whole register, only valid for 1-qubit
// broadcast which the subset forbids) or reg[i] to flat indices.
func resolveOperand(c *Circuit, operand string, quantum bool) ([]int, error) {
	m := operandRe.FindStringSubmatch(operand)
	if m == nil {
		return nil, fmt.Errorf("malformed operand %q", operand)
	}
	if m[2] == "" {
		return nil, fmt.Errorf("whole-register gate operands are not supported (operand %q)", operand)
	}
	idx, _ := strconv.Atoi(m[2])
	if quantum {
		q, err := c.qubitIndex(m[1], idx)
		if err != nil {
			return nil, err
		}
		return []int{q}, nil
	}
	b, err := c.clbitIndex(m[1], idx)
	if err != nil {
		return nil, err
	}
	return []int{b}, nil
}

func parseParams(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []float64
	for _, p := range strings.Split(raw, ",") {
		v, err := parseAngle(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseAngle accepts a float literal or the pi forms the standard library
// headers use: pi, -pi, pi/2, 2*pi, pi/4.
func parseAngle(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	val := 0.0
	switch {
	case s == "pi":
		val = math.Pi
	case strings.HasPrefix(s, "pi/"):
		d, err := strconv.ParseFloat(s[len("pi/"):], 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("malformed angle %q", s)
		}
		val = math.Pi / d
	case strings.HasSuffix(s, "*pi"):
		f, err := strconv.ParseFloat(s[:len(s)-len("*pi")], 64)
		if err != nil {
			return 0, fmt.Errorf("malformed angle %q", s)
		}
		val = f * math.Pi
	default:
		return 0, fmt.Errorf("malformed angle %q", s)
	}
	if neg {
		val = -val
	}
	return val, nil
}

// splitStatements strips // comments and splits on semicolons.
func splitStatements(source string) []string {
	var b strings.Builder
	for _, line := range strings.Split(source, "\n") {
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		stmt = strings.Join(strings.Fields(stmt), " ")
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
