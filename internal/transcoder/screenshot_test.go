package transcoder

import (
	"testing"
	"time"
)

func TestScreenshotSamplerAdmitsFirstFrame(t *testing.T) {
	s := NewScreenshotSampler(1000, time.Second)
	idx, at, ok := s.Admit(42)
	if !ok {
		t.Fatalf("expected the first frame offered to be admitted")
	}
	if idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
	if at != 42*time.Millisecond {
		t.Fatalf("expected offset 42ms, got %v", at)
	}
}

func TestScreenshotSamplerGatesByInterval(t *testing.T) {
	s := NewScreenshotSampler(1000, time.Second)

	if _, _, ok := s.Admit(0); !ok {
		t.Fatalf("expected pts=0 admitted")
	}
	if _, _, ok := s.Admit(500); ok {
		t.Fatalf("expected pts=500 (0.5s later) rejected")
	}
	idx, at, ok := s.Admit(1000)
	if !ok {
		t.Fatalf("expected pts=1000 (1s later) admitted")
	}
	if idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
	if at != time.Second {
		t.Fatalf("expected offset 1s, got %v", at)
	}
	if _, _, ok := s.Admit(1200); ok {
		t.Fatalf("expected pts=1200 (0.2s after the last admitted sample) rejected")
	}
}

func TestScreenshotSamplerIndicesIncreaseMonotonically(t *testing.T) {
	s := NewScreenshotSampler(1000, 100*time.Millisecond)
	var indices []int
	for pts := int64(0); pts < 500; pts += 100 {
		if idx, _, ok := s.Admit(pts); ok {
			indices = append(indices, idx)
		}
	}
	for i, idx := range indices {
		if idx != i {
			t.Fatalf("expected strictly increasing indices starting at 0, got %v", indices)
		}
	}
}
