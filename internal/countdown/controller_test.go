package countdown

import (
	"testing"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

func TestCaptureOnThirdSustainedTick(t *testing.T) {
	c := NewController(3)

	want := []Outcome{Advanced, Advanced, Captured}
	for i, w := range want {
		if got := c.Tick(true, types.SceneOneFace); got != w {
			t.Fatalf("tick %d = %v, want %v", i+1, got, w)
		}
	}
	if !c.Capturing() {
		t.Fatal("Capturing() = false after capture")
	}
	if got := c.Counter(); got != 2 {
		t.Errorf("Counter() = %d during capture, want 2", got)
	}

	c.Settle()
	if c.Capturing() || c.Counter() != 0 {
		t.Errorf("after Settle capturing=%v counter=%d", c.Capturing(), c.Counter())
	}
	if s := c.Stats(); s.Captures != 1 {
		t.Errorf("Captures = %d, want 1", s.Captures)
	}
}

func TestNonOneFaceResets(t *testing.T) {
	for _, scene := range []types.SceneState{
		types.SceneNoFace,
		types.SceneMultipleFaces,
		types.SceneSnapping,
		types.SceneNoMotion,
		types.SceneLoading,
	} {
		t.Run(scene.String(), func(t *testing.T) {
			c := NewController(3)
			c.Tick(true, types.SceneOneFace)
			c.Tick(true, types.SceneOneFace)
			if got := c.Tick(true, scene); got != Reset {
				t.Fatalf("Tick = %v, want reset", got)
			}
			if c.Counter() != 0 {
				t.Errorf("Counter() = %d, want 0", c.Counter())
			}
		})
	}
}

func TestNoMotionFreezes(t *testing.T) {
	c := NewController(3)
	c.Tick(true, types.SceneOneFace)
	c.Tick(true, types.SceneOneFace)

	// Neither advance nor reset for any scene while motion is absent
	for i := 0; i < 10; i++ {
		if got := c.Tick(false, types.SceneNoMotion); got != Frozen {
			t.Fatalf("Tick = %v, want frozen", got)
		}
	}
	if c.Counter() != 2 {
		t.Fatalf("Counter() = %d after freeze, want 2", c.Counter())
	}

	if got := c.Tick(true, types.SceneOneFace); got != Captured {
		t.Errorf("Tick after freeze = %v, want captured", got)
	}
}

func TestNoSecondCaptureBeforeSettle(t *testing.T) {
	c := NewController(3)
	for i := 0; i < 3; i++ {
		c.Tick(true, types.SceneOneFace)
	}

	// A stale one-face scene while capturing must not commit again
	for i := 0; i < 5; i++ {
		if got := c.Tick(true, types.SceneOneFace); got == Captured {
			t.Fatalf("tick %d committed a second capture", i)
		}
	}
	if s := c.Stats(); s.Captures != 1 {
		t.Errorf("Captures = %d, want 1", s.Captures)
	}

	c.Settle()
	outcomes := []Outcome{
		c.Tick(true, types.SceneOneFace),
		c.Tick(true, types.SceneOneFace),
		c.Tick(true, types.SceneOneFace),
	}
	if outcomes[2] != Captured {
		t.Errorf("next cycle outcomes = %v, want capture on third", outcomes)
	}
}

func TestSingleStep(t *testing.T) {
	c := NewController(1)
	if got := c.Tick(true, types.SceneOneFace); got != Captured {
		t.Errorf("Tick = %v, want captured", got)
	}
	if NewController(0).Steps() != DefaultSteps {
		t.Error("zero steps should select the default")
	}
}
