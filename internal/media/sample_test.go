package media

import "testing"

func TestDurationFillerDerivesFromDTSDeltas(t *testing.T) {
	var f DurationFiller

	if _, ok := f.Push(Sample{Index: 0, DTS: 0}); ok {
		t.Fatalf("first sample has no successor yet, nothing should emit")
	}
	out, ok := f.Push(Sample{Index: 1, DTS: 33})
	if !ok || out.Index != 0 || out.Duration != 33 {
		t.Fatalf("expected sample 0 with duration 33, got %+v ok=%v", out, ok)
	}
	out, ok = f.Push(Sample{Index: 2, DTS: 67})
	if !ok || out.Index != 1 || out.Duration != 34 {
		t.Fatalf("expected sample 1 with duration 34, got %+v ok=%v", out, ok)
	}

	out, ok = f.Flush()
	if !ok || out.Index != 2 {
		t.Fatalf("expected flush to emit the held final sample, got %+v ok=%v", out, ok)
	}
	if out.Duration != 34 {
		t.Fatalf("final sample should reuse the last observed duration, got %d", out.Duration)
	}
	if _, ok := f.Flush(); ok {
		t.Fatalf("second flush should emit nothing")
	}
}

func TestDurationFillerEqualDTSReusesLastDuration(t *testing.T) {
	var f DurationFiller
	f.Push(Sample{Index: 0, DTS: 0})
	if out, ok := f.Push(Sample{Index: 1, DTS: 40}); !ok || out.Duration != 40 {
		t.Fatalf("expected duration 40, got %+v", out)
	}
	// A repeated timestamp must not produce a zero or negative duration.
	if out, ok := f.Push(Sample{Index: 2, DTS: 40}); !ok || out.Duration != 40 {
		t.Fatalf("expected reused duration 40 for repeated dts, got %+v", out)
	}
}

func TestDurationFillerPassThroughForTimedSamples(t *testing.T) {
	var f DurationFiller
	out, ok := f.Push(Sample{Index: 0, DTS: 0, Duration: 3000})
	if !ok || out.Duration != 3000 {
		t.Fatalf("timed samples should pass through unchanged, got %+v ok=%v", out, ok)
	}
}
