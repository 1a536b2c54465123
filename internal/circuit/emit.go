package circuit

import (
	"fmt"
	"strings"
)

// EmitQASM2 renders the circuit as an OpenQASM 2.0 program.
func EmitQASM2(c *Circuit) (string, error) {
	var b strings.Builder
	b.WriteString("OPENQASM 2.0;\n")
	b.WriteString("include \"qelib1.inc\";\n")
	for _, r := range c.QRegs {
		fmt.Fprintf(&b, "qreg %s[%d];\n", r.Name, r.Size)
	}
	for _, r := range c.CRegs {
		fmt.Fprintf(&b, "creg %s[%d];\n", r.Name, r.Size)
	}
	return emitBody(&b, c, func(q, cl string) string {
		return fmt.Sprintf("measure %s -> %s;", q, cl)
	})
}

// EmitQASM3 renders the circuit as an OpenQASM 3 program.
func EmitQASM3(c *Circuit) (string, error) {
	var b strings.Builder
	b.WriteString("OPENQASM 3.0;\n")
	b.WriteString("include \"stdgates.inc\";\n")
	for _, r := range c.QRegs {
		fmt.Fprintf(&b, "qubit[%d] %s;\n", r.Size, r.Name)
	}
	for _, r := range c.CRegs {
		fmt.Fprintf(&b, "bit[%d] %s;\n", r.Size, r.Name)
	}
	return emitBody(&b, c, func(q, cl string) string {
		return fmt.Sprintf("%s = measure %s;", cl, q)
	})
}

func emitBody(b *strings.Builder, c *Circuit, measure func(q, cl string) string) (string, error) {
	for _, op := range c.Ops {
		if op.IsMeasure() {
			q, err := qubitRef(c, op.Qubits[0])
			if err != nil {
				return "", err
			}
			cl, err := clbitRef(c, op.Clbit)
			if err != nil {
				return "", err
			}
			b.WriteString(measure(q, cl))
			b.WriteString("\n")
			continue
		}
		var operands []string
		for _, qi := range op.Qubits {
			q, err := qubitRef(c, qi)
			if err != nil {
				return "", err
			}
			operands = append(operands, q)
		}
		if len(op.Params) > 0 {
			var params []string
			for _, p := range op.Params {
				params = append(params, fmt.Sprintf("%g", p))
			}
			fmt.Fprintf(b, "%s(%s) %s;\n", op.Gate, strings.Join(params, ","), strings.Join(operands, ","))
		} else {
			fmt.Fprintf(b, "%s %s;\n", op.Gate, strings.Join(operands, ","))
		}
	}
	return b.String(), nil
}

func qubitRef(c *Circuit, flat int) (string, error) {
	base := 0
	for _, r := range c.QRegs {
		if flat < base+r.Size {
			return fmt.Sprintf("%s[%d]", r.Name, flat-base), nil
		}
		base += r.Size
	}
	return "", fmt.Errorf("qubit %d out of range", flat)
}

func clbitRef(c *Circuit, flat int) (string, error) {
	base := 0
	for _, r := range c.CRegs {
		if flat < base+r.Size {
			return fmt.Sprintf("%s[%d]", r.Name, flat-base), nil
		}
		base += r.Size
	}
	return "", fmt.Errorf("classical bit %d out of range", flat)
}

// quilGates maps the closed gate set to Quil instruction names.
var quilGates = map[string]string{
	"id": "I", "h": "H", "x": "X", "y": "Y", "z": "Z",
	"s": "S", "t": "T",
	"rx": "RX", "ry": "RY", "rz": "RZ",
	"cx": "CNOT", "cz": "CZ", "swap": "SWAP", "ccx": "CCNOT",
}

// EmitQuil renders the circuit as a Quil program with a single readout
// register ro sized to the classical bits.
func EmitQuil(c *Circuit) (string, error) {
	var b strings.Builder
	if n := c.NumClbits(); n > 0 {
		fmt.Fprintf(&b, "DECLARE ro BIT[%d]\n", n)
	}
	for _, op := range c.Ops {
		if op.IsMeasure() {
			fmt.Fprintf(&b, "MEASURE %d ro[%d]\n", op.Qubits[0], op.Clbit)
			continue
		}
		name, ok := quilGates[op.Gate]
		if !ok {
			// sdg/tdg have no single-instruction Quil form; use the phase form.
			switch op.Gate {
			case "sdg":
				fmt.Fprintf(&b, "PHASE(-pi/2) %d\n", op.Qubits[0])
				continue
			case "tdg":
				fmt.Fprintf(&b, "PHASE(-pi/4) %d\n", op.Qubits[0])
				continue
			default:
				return "", fmt.Errorf("gate %q has no Quil mapping", op.Gate)
			}
		}
		var qs []string
		for _, q := range op.Qubits {
			qs = append(qs, fmt.Sprintf("%d", q))
		}
		if len(op.Params) > 0 {
			var params []string
			for _, p := range op.Params {
				params = append(params, fmt.Sprintf("%g", p))
			}
			fmt.Fprintf(&b, "%s(%s) %s\n", name, strings.Join(params, ","), strings.Join(qs, " "))
		} else {
			fmt.Fprintf(&b, "%s %s\n", name, strings.Join(qs, " "))
		}
	}
	return b.String(), nil
}
