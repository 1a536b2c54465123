package dsl

import (
	"strings"
	"testing"
)

func TestEvalQiskitBell(t *testing.T) {
	src := `
qiskit_circuit = QuantumCircuit(2, 2)
qiskit_circuit.h(0)
qiskit_circuit.cx(0, 1)
qiskit_circuit.measure(0, 0)
qiskit_circuit.measure(1, 1)
`
	c, err := EvalQiskit(src)
	if err != nil {
		t.Fatal(err)
	}
	if c.NumQubits() != 2 || c.NumClbits() != 2 {
		t.Fatalf("got %d qubits / %d clbits", c.NumQubits(), c.NumClbits())
	}
	if len(c.Ops) != 4 {
		t.Fatalf("got %d ops", len(c.Ops))
	}
	if c.Ops[0].Gate != "h" || c.Ops[1].Gate != "cx" {
		t.Fatalf("unexpected gate order: %v %v", c.Ops[0].Gate, c.Ops[1].Gate)
	}
}

func TestEvalQiskitRotationArgOrder(t *testing.T) {
	c, err := EvalQiskit("qc = QuantumCircuit(1, 1)\nqc.rz(1.5707, 0)\nqc.measure(0, 0)")
	if err != nil {
		t.Fatal(err)
	}
	if c.Ops[0].Gate != "rz" || c.Ops[0].Qubits[0] != 0 || c.Ops[0].Params[0] != 1.5707 {
		t.Fatalf("rz parsed as %+v", c.Ops[0])
	}
}

func TestEvalQiskitComments(t *testing.T) {
	src := `
# build a bell pair
qc = QuantumCircuit(2, 2)
qc.h(0)  # superpose
qc.cnot(0, 1)
qc.measure_all()
`
	c, err := EvalQiskit(src)
	if err != nil {
		t.Fatal(err)
	}
	if c.Ops[1].Gate != "cx" {
		t.Fatalf("cnot alias not canonicalized: %v", c.Ops[1].Gate)
	}
}

func TestEvalQiskitRejectsForbiddenKeywords(t *testing.T) {
	for _, src := range []string{
		"import os\nqc = QuantumCircuit(1)",
		"qc = QuantumCircuit(1)\nfor i in range(3):",
		"qc = QuantumCircuit(1)\nexec('bad')",
		"from qiskit import QuantumCircuit",
		"qc = QuantumCircuit(1)\nwhile True:",
	} {
		if _, err := EvalQiskit(src); err == nil {
			t.Fatalf("expected rejection of %q", src)
		}
	}
}

func TestEvalQiskitRejectsForeignReceiver(t *testing.T) {
	if _, err := EvalQiskit("qc = QuantumCircuit(1, 1)\nother.h(0)"); err == nil {
		t.Fatal("expected foreign receiver rejection")
	}
}

func TestEvalQiskitStatementLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("qc = QuantumCircuit(1, 1)\n")
	for i := 0; i <= MaxStatements; i++ {
		b.WriteString("qc.x(0)\n")
	}
	if _, err := EvalQiskit(b.String()); err == nil {
		t.Fatal("expected statement limit rejection")
	}
}

func TestEvalBraketChain(t *testing.T) {
	c, err := EvalBraket("Circuit().h(0).cnot(0, 1)")
	if err != nil {
		t.Fatal(err)
	}
	if c.NumQubits() != 2 {
		t.Fatalf("braket circuit sized to %d qubits", c.NumQubits())
	}
	// Implicit terminal measurement of every qubit.
	measures := 0
	for _, op := range c.Ops {
		if op.IsMeasure() {
			measures++
		}
	}
	if measures != 2 {
		t.Fatalf("expected 2 implicit measurements, got %d", measures)
	}
}

func TestEvalBraketMultiline(t *testing.T) {
	src := `circuit = Circuit()
	.h(0)
	.cnot(0, 1)
	.cnot(1, 2)`
	c, err := EvalBraket(src)
	if err != nil {
		t.Fatal(err)
	}
	if c.NumQubits() != 3 {
		t.Fatalf("sized to %d qubits", c.NumQubits())
	}
}

func TestEvalBraketRejectsNonChain(t *testing.T) {
	if _, err := EvalBraket("Circuit().h(0)\nCircuit().x(0)"); err == nil {
		t.Fatal("expected single-expression rejection")
	}
	if _, err := EvalBraket("nope()"); err == nil {
		t.Fatal("expected constructor rejection")
	}
}

func TestEvalQrispImplicitClbits(t *testing.T) {
	c, err := EvalQrisp("qv = QuantumCircuit(2)\nqv.h(0)\nqv.cx(0, 1)\nqv.measure(1)")
	if err != nil {
		t.Fatal(err)
	}
	if c.NumClbits() != 2 {
		t.Fatalf("implicit clbits: got %d", c.NumClbits())
	}
}
