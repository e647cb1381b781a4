package dsp

import (
	"fmt"
	"math"
	"strings"
)

// Sample is one complex baseband sample in transport order.
type Sample struct {
	I int16
	Q int16
}

// AmplitudePolicy selects how a sample collapses to one signed amplitude.
type AmplitudePolicy int

const (
	// AmplitudeI uses the in-phase component
	AmplitudeI AmplitudePolicy = iota
	// AmplitudeQ uses the quadrature component
	AmplitudeQ
	// AmplitudeMax uses whichever component has the larger magnitude
	AmplitudeMax
	// AmplitudeSum uses I+Q, saturated to 16 bits
	AmplitudeSum
)

// ParseAmplitudePolicy parses i, q, max or sum.
func ParseAmplitudePolicy(s string) (AmplitudePolicy, error) {
	switch strings.ToLower(s) {
	case "i", "":
		return AmplitudeI, nil
	case "q":
		return AmplitudeQ, nil
	case "max":
		return AmplitudeMax, nil
	case "sum":
		return AmplitudeSum, nil
	default:
		return AmplitudeI, fmt.Errorf("unknown amplitude policy %q", s)
	}
}

func (p AmplitudePolicy) String() string {
	switch p {
	case AmplitudeQ:
		return "q"
	case AmplitudeMax:
		return "max"
	case AmplitudeSum:
		return "sum"
	default:
		return "i"
	}
}

// AmplitudeExtractor turns samples into amplitudes. The front end delivers
// 12-bit values, so the chosen component is shifted left to fill 16 bits; the
// shift wraps exactly like a 16-bit register.
type AmplitudeExtractor struct {
	Policy AmplitudePolicy
	Shift  uint
}

// Amplitude returns the signed amplitude of s.
func (e AmplitudeExtractor) Amplitude(s Sample) int16 {
	var v int16
	switch e.Policy {
	case AmplitudeQ:
		v = s.Q
	case AmplitudeMax:
		v = s.I
		if abs16(s.Q) > abs16(s.I) {
			v = s.Q
		}
	case AmplitudeSum:
		v = saturate16(int32(s.I) + int32(s.Q))
	default:
		v = s.I
	}
	return int16(int32(v) << e.Shift)
}

func abs16(v int16) int32 {
	if v < 0 {
		return -int32(v)
	}
	return int32(v)
}

func saturate16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
