package catalog

import (
	"fmt"
	"math"
	"strings"
)

// Built-in operation ids.
const (
	OpNOT  = "NOT"
	OpAND  = "AND"
	OpOR   = "OR"
	OpXOR  = "XOR"
	OpNAND = "NAND"
	OpNOR  = "NOR"
	OpXNOR = "XNOR"
	OpSHL  = "SHL"
	OpSHR  = "SHR"
	OpROL  = "ROL"
	OpROR  = "ROR"
	OpGRAY = "GRAY"
)

// Built-in metric ids.
const (
	MetricEntropy     = "entropy"
	MetricBalance     = "balance"
	MetricTransitions = "transitions"
)

func builtinOperations() []Operation {
	ops := []Operation{
		OperationFunc{Name: OpNOT, Fn: applyNOT},
		OperationFunc{Name: OpSHL, Fn: applySHL},
		OperationFunc{Name: OpSHR, Fn: applySHR},
		OperationFunc{Name: OpROL, Fn: applyROL},
		OperationFunc{Name: OpROR, Fn: applyROR},
		OperationFunc{Name: OpGRAY, Fn: applyGray},
	}
	for name, fn := range map[string]func(a, b byte) byte{
		OpAND:  func(a, b byte) byte { return a & b },
		OpOR:   func(a, b byte) byte { return a | b },
		OpXOR:  func(a, b byte) byte { return a ^ b },
		OpNAND: func(a, b byte) byte { return 1 ^ (a & b) },
		OpNOR:  func(a, b byte) byte { return 1 ^ (a | b) },
		OpXNOR: func(a, b byte) byte { return 1 ^ (a ^ b) },
	} {
		ops = append(ops, combineOperation(name, fn))
	}
	return ops
}

func builtinMetrics() []Metric {
	return []Metric{
		MetricFunc{Name: MetricEntropy, Fn: Entropy},
		MetricFunc{Name: MetricBalance, Fn: Balance},
		MetricFunc{Name: MetricTransitions, Fn: Transitions},
	}
}

// ValidBits reports whether s contains only '0' and '1'.
func ValidBits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' && s[i] != '1' {
			return false
		}
	}
	return true
}

// FromBytes expands raw bytes into a bit string, most significant bit first.
func FromBytes(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 8)
	for _, octet := range data {
		for shift := 7; shift >= 0; shift-- {
			if octet>>uint(shift)&1 == 1 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String()
}

func bit(c byte) byte { return c - '0' }

func char(b byte) byte { return b + '0' }

func applyNOT(call Call) (string, error) {
	out := []byte(call.Bits)
	for i := range out {
		out[i] = char(1 ^ bit(out[i]))
	}
	return string(out), nil
}

// combineOperation applies fn against the alternating reference 0101...,
// keyed by absolute position so the same bit always meets the same reference.
func combineOperation(name string, fn func(a, b byte) byte) Operation {
	return OperationFunc{Name: name, Fn: func(call Call) (string, error) {
		out := []byte(call.Bits)
		for i := range out {
			ref := byte((call.Offset + i) % 2)
			out[i] = char(fn(bit(out[i]), ref))
		}
		return string(out), nil
	}}
}

func applySHL(call Call) (string, error) {
	if len(call.Bits) == 0 {
		return call.Bits, nil
	}
	return call.Bits[1:] + "0", nil
}

func applySHR(call Call) (string, error) {
	if len(call.Bits) == 0 {
		return call.Bits, nil
	}
	return "0" + call.Bits[:len(call.Bits)-1], nil
}

func applyROL(call Call) (string, error) {
	if len(call.Bits) < 2 {
		return call.Bits, nil
	}
	return call.Bits[1:] + call.Bits[:1], nil
}

func applyROR(call Call) (string, error) {
	n := len(call.Bits)
	if n < 2 {
		return call.Bits, nil
	}
	return call.Bits[n-1:] + call.Bits[:n-1], nil
}

// applyGray converts binary to reflected Gray code, or back when params["decode"] is true.
func applyGray(call Call) (string, error) {
	in := call.Bits
	if len(in) == 0 {
		return in, nil
	}
	decode := false
	if v, ok := call.Params["decode"]; ok {
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("GRAY: decode must be a bool, got %T", v)
		}
		decode = b
	}
	out := make([]byte, len(in))
	out[0] = in[0]
	for i := 1; i < len(in); i++ {
		if decode {
			out[i] = char(bit(out[i-1]) ^ bit(in[i]))
		} else {
			out[i] = char(bit(in[i-1]) ^ bit(in[i]))
		}
	}
	return string(out), nil
}

// Entropy is the Shannon entropy of the ones/zeros distribution, in bits (0..1).
func Entropy(bits string) float64 {
	if len(bits) == 0 {
		return 0
	}
	p := Balance(bits)
	if p == 0 || p == 1 {
		return 0
	}
	return -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
}

// Balance is the fraction of ones.
func Balance(bits string) float64 {
	if len(bits) == 0 {
		return 0
	}
	return float64(strings.Count(bits, "1")) / float64(len(bits))
}

// Transitions is the fraction of adjacent pairs that differ.
func Transitions(bits string) float64 {
	if len(bits) < 2 {
		return 0
	}
	changes := 0
	for i := 1; i < len(bits); i++ {
		if bits[i] != bits[i-1] {
			changes++
		}
	}
	return float64(changes) / float64(len(bits)-1)
}
