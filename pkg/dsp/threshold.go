package dsp

// ThresholdTracker holds the decaying reference each amplitude is compared
// against. The reference is always a percentage of the immediately preceding
// admitted amplitude and carries over between buffers.
type ThresholdTracker struct {
	PercentLast int
	// NoiseFloor, when positive, drops samples whose magnitude is below it.
	// Dropped samples produce no bit and leave the reference untouched.
	NoiseFloor int

	last int16
}

// Admit reports whether amplitude a clears the noise floor.
func (t *ThresholdTracker) Admit(a int16) bool {
	if t.NoiseFloor <= 0 {
		return true
	}
	return abs16(a) >= int32(t.NoiseFloor)
}

// Bit classifies a against the current reference. Inverted polarity turns
// the comparison around.
func (t *ThresholdTracker) Bit(a int16, inverted bool) bool {
	if inverted {
		return a <= t.last
	}
	return a >= t.last
}

// Update derives the next reference from a, truncating toward zero.
func (t *ThresholdTracker) Update(a int16) {
	t.last = int16(int32(a) * int32(t.PercentLast) / 100)
}

// Classify admits, classifies and updates in one step. ok is false when the
// sample fell under the noise floor.
func (t *ThresholdTracker) Classify(a int16, inverted bool) (bit bool, ok bool) {
	if !t.Admit(a) {
		return false, false
	}
	bit = t.Bit(a, inverted)
	t.Update(a)
	return bit, true
}

// Last returns the current reference level.
func (t *ThresholdTracker) Last() int16 {
	return t.last
}
