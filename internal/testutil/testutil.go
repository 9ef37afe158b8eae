// Package testutil holds shared helpers for signal-level tests.
package testutil

import (
	"math"
	"os"
	"testing"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		return true
	}
	return false
}

// Buffers allocates n zeroed channel buffers of the given frame count.
func Buffers(n, frames int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, frames)
	}
	return out
}

// FillSine writes a sine tone into buf, continuing from the given phase, and
// returns the phase after the last frame so consecutive blocks stay
// continuous.
func FillSine(buf []float32, freq, sampleRate, phase float64) float64 {
	step := 2 * math.Pi * freq / sampleRate
	for i := range buf {
		buf[i] = float32(math.Sin(phase))
		phase += step
	}
	return phase
}

// RMS returns the root mean square level of buf, 0 for an empty buffer.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// AssertRMSAbove fails the test when buf's level is below min.
func AssertRMSAbove(t *testing.T, buf []float32, min float64) {
	t.Helper()
	if got := RMS(buf); got < min {
		t.Fatalf("signal below threshold: got RMS %.6f, wanted >= %.6f", got, min)
	}
}

// AssertSilent fails the test when buf carries signal above the floor.
func AssertSilent(t *testing.T, buf []float32, floor float64) {
	t.Helper()
	if got := RMS(buf); got > floor {
		t.Fatalf("expected silence: got RMS %.6f, floor %.6f", got, floor)
	}
}
