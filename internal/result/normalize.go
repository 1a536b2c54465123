// Package result enforces the canonical result-key contract. Measurement
// keys are hex register strings: space-separated when the device has
// multiple classical registers, most-significant register first, each
// register prefixed 0x. Every pilot normalizes through this package; none
// may emit keys in any other form.
package result

import (
	"fmt"
	"math/big"
	"strings"
)

// DecimalToHex rewrites decimal integer keys to hex form: {3: v} -> {"0x3": v}.
func DecimalToHex[V int | float64](in map[int]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[fmt.Sprintf("0x%x", k)] = v
	}
	return out
}

// BinToHex converts one binary register key to hex form. Registers are
// space-separated; "010 1" -> "0x2 0x1". reverse flips bit order within each
// register for SDKs that emit little-endian registers.
func BinToHex(key string, reverse bool) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty measurement key")
	}
	parts := strings.Fields(key)
	hexed := make([]string, 0, len(parts))
	for _, p := range parts {
		if reverse {
			p = reverseString(p)
		}
		n, ok := new(big.Int).SetString(p, 2)
		if !ok {
			return "", fmt.Errorf("malformed binary register %q", p)
		}
		hexed = append(hexed, "0x"+n.Text(16))
	}
	return strings.Join(hexed, " "), nil
}

// HexToBin is the inverse of BinToHex given the register sizes
// (most-significant register first, matching key order).
func HexToBin(key string, sizes []int) (string, error) {
	parts := strings.Fields(strings.TrimSpace(key))
	if len(parts) != len(sizes) {
		return "", fmt.Errorf("key %q has %d registers, %d sizes given", key, len(parts), len(sizes))
	}
	bins := make([]string, 0, len(parts))
	for i, p := range parts {
		if !strings.HasPrefix(p, "0x") {
			return "", fmt.Errorf("register %q lacks 0x prefix", p)
		}
		n, ok := new(big.Int).SetString(p[2:], 16)
		if !ok {
			return "", fmt.Errorf("malformed hex register %q", p)
		}
		bits := n.Text(2)
		if len(bits) > sizes[i] {
			return "", fmt.Errorf("register %q does not fit in %d bits", p, sizes[i])
		}
		bins = append(bins, strings.Repeat("0", sizes[i]-len(bits))+bits)
	}
	return strings.Join(bins, " "), nil
}

// CountsBinToHex normalizes a whole counts map of binary keys, merging keys
// that collide after normalization.
func CountsBinToHex(in map[string]int, reverse bool) (map[string]int, error) {
	out := make(map[string]int, len(in))
	for k, v := range in {
		h, err := BinToHex(k, reverse)
		if err != nil {
			return nil, err
		}
		out[h] += v
	}
	return out, nil
}

// CountsToProbabilities divides each count by the total. A zero total maps
// to {"": 0}.
func CountsToProbabilities(counts map[string]int) map[string]float64 {
	total := 0
	for _, v := range counts {
		total += v
	}
	if total == 0 {
		return map[string]float64{"": 0}
	}
	out := make(map[string]float64, len(counts))
	for k, v := range counts {
		out[k] = float64(v) / float64(total)
	}
	return out
}

// CanonicalKey reports whether key is in hex register form.
func CanonicalKey(key string) bool {
	parts := strings.Fields(key)
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if !strings.HasPrefix(p, "0x") {
			return false
		}
		if _, ok := new(big.Int).SetString(p[2:], 16); !ok {
			return false
		}
	}
	return true
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
