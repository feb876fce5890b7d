package drift

import (
	"testing"
	"time"
)

func TestExpectedWhilePlaying(t *testing.T) {
	at := time.Now()
	ref := Reference{Position: 120000, At: at, Playing: true}

	got := Expected(ref, at.Add(2500*time.Millisecond))
	if got != 122500 {
		t.Fatalf("Expected() = %d, want 122500", got)
	}
}

func TestExpectedWhilePaused(t *testing.T) {
	at := time.Now()
	ref := Reference{Position: 120000, At: at, Playing: false}

	got := Expected(ref, at.Add(10*time.Second))
	if got != 120000 {
		t.Fatalf("Expected() = %d, want 120000 (paused master does not advance)", got)
	}
}

func TestComputeSign(t *testing.T) {
	at := time.Now()
	now := at.Add(1 * time.Second)
	ref := Reference{Position: 10000, At: at, Playing: true}

	// expected = 11000
	if d := Compute(11500, ref, now); d != 500 {
		t.Fatalf("ahead drift = %d, want 500", d)
	}
	if d := Compute(10250, ref, now); d != -750 {
		t.Fatalf("behind drift = %d, want -750", d)
	}
}

func TestDecideWithinTolerance(t *testing.T) {
	c := NewCorrector()
	for _, d := range []int64{0, 50, -50, 100, -100} {
		rate, seek := c.Decide(d)
		if rate != 1.0 || seek {
			t.Fatalf("Decide(%d) = (%v, %v), want (1.0, false)", d, rate, seek)
		}
	}
}

func TestDecideNudges(t *testing.T) {
	c := NewCorrector()

	rate, seek := c.Decide(-500) // behind: speed up
	if seek {
		t.Fatalf("Decide(-500) requested seek")
	}
	if rate <= 1.0 || rate > c.MaxRate {
		t.Fatalf("Decide(-500) rate = %v, want in (1.0, %v]", rate, c.MaxRate)
	}

	rate, seek = c.Decide(500) // ahead: slow down
	if seek {
		t.Fatalf("Decide(500) requested seek")
	}
	if rate >= 1.0 || rate < c.MinRate {
		t.Fatalf("Decide(500) rate = %v, want in [%v, 1.0)", rate, c.MinRate)
	}
}

func TestDecideClamped(t *testing.T) {
	c := NewCorrector()
	c.SeekThreshold = 100000 // keep large drifts in the ramp band for this test

	if rate, _ := c.Decide(-50000); rate != c.MaxRate {
		t.Fatalf("large behind drift rate = %v, want clamp %v", rate, c.MaxRate)
	}
	if rate, _ := c.Decide(50000); rate != c.MinRate {
		t.Fatalf("large ahead drift rate = %v, want clamp %v", rate, c.MinRate)
	}
}

func TestDecideSeekFallback(t *testing.T) {
	c := NewCorrector()
	for _, d := range []int64{3001, -3001, 60000} {
		if _, seek := c.Decide(d); !seek {
			t.Fatalf("Decide(%d) should fall back to seek", d)
		}
	}
}
