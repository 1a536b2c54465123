package transpiler

import (
	"fmt"

	"github.com/qontrol-dev/qontrol/internal/circuit"
	"github.com/qontrol-dev/qontrol/internal/circuit/dsl"
	"github.com/qontrol-dev/qontrol/internal/format"
)

// RegisterBuiltins installs the conversion edges and the DSL pre-processors.
// Call once at start-up, before any worker runs. The QASM2->QUIL edge is
// experimental and only registered when enabled.
func RegisterBuiltins(g *Graph, experimental bool) {
	format.RegisterPreProcessor(format.Qiskit, func(source string) (any, error) {
		return dsl.EvalQiskit(source)
	})
	format.RegisterPreProcessor(format.Braket, func(source string) (any, error) {
		return dsl.EvalBraket(source)
	})
	format.RegisterPreProcessor(format.Qrisp, func(source string) (any, error) {
		return dsl.EvalQrisp(source)
	})

	g.Register(format.QASM2, format.Qiskit, func(in any) (any, error) {
		src, err := asText(in)
		if err != nil {
			return nil, err
		}
		return circuit.ParseQASM2(src)
	})
	g.Register(format.QASM3, format.Qiskit, func(in any) (any, error) {
		src, err := asText(in)
		if err != nil {
			return nil, err
		}
		return circuit.ParseQASM3(src)
	})
	g.Register(format.Qiskit, format.QASM2, func(in any) (any, error) {
		c, err := asCircuit(in)
		if err != nil {
			return nil, err
		}
		return circuit.EmitQASM2(c)
	})
	g.Register(format.Qiskit, format.QASM3, func(in any) (any, error) {
		c, err := asCircuit(in)
		if err != nil {
			return nil, err
		}
		return circuit.EmitQASM3(c)
	})
	// Braket's native form is the same circuit object; the QASM3 edges parse
	// and emit it directly.
	g.Register(format.QASM3, format.Braket, func(in any) (any, error) {
		src, err := asText(in)
		if err != nil {
			return nil, err
		}
		return circuit.ParseQASM3(src)
	})
	g.Register(format.Braket, format.QASM3, func(in any) (any, error) {
		c, err := asCircuit(in)
		if err != nil {
			return nil, err
		}
		return circuit.EmitQASM3(c)
	})
	// qrisp's builder lowers to the same native object qiskit edges consume.
	g.Register(format.Qrisp, format.Qiskit, func(in any) (any, error) {
		return asCircuit(in)
	})

	if experimental {
		g.Register(format.QASM2, format.Quil, func(in any) (any, error) {
			src, err := asText(in)
			if err != nil {
				return nil, err
			}
			c, err := circuit.ParseQASM2(src)
			if err != nil {
				return nil, err
			}
			return circuit.EmitQuil(c)
		})
	}
}

func asText(in any) (string, error) {
	s, ok := in.(string)
	if !ok {
		return "", fmt.Errorf("expected source text, got %T", in)
	}
	return s, nil
}

func asCircuit(in any) (*circuit.Circuit, error) {
	c, ok := in.(*circuit.Circuit)
	if !ok {
		return nil, fmt.Errorf("expected native circuit, got %T", in)
	}
	return c, nil
}
