package engine

import "testing"

func TestLoopDetectorFiresAboveThreshold(t *testing.T) {
	d := NewLoopDetector(10, LoopWarn)

	for i := 1; i <= 10; i++ {
		check := d.Check("review")
		if check.IsLoop {
			t.Fatalf("visit %d: detector fired before exceeding threshold", i)
		}
		if check.Count != i {
			t.Fatalf("visit %d: expected count %d, got %d", i, i, check.Count)
		}
	}

	check := d.Check("review")
	if !check.IsLoop {
		t.Error("expected detector to fire on eleventh consecutive visit")
	}
	if check.Count != 11 {
		t.Errorf("expected count 11, got %d", check.Count)
	}
	if check.Movement != "review" {
		t.Errorf("expected movement name in result, got %q", check.Movement)
	}
}

func TestLoopDetectorResetsOnDifferentMovement(t *testing.T) {
	d := NewLoopDetector(3, LoopWarn)

	d.Check("build")
	d.Check("build")
	d.Check("build")
	if check := d.Check("review"); check.Count != 1 {
		t.Errorf("expected streak reset on new movement, got count %d", check.Count)
	}
	// The earlier streak must not carry over.
	d.Check("build")
	d.Check("build")
	if check := d.Check("build"); check.IsLoop {
		t.Error("expected no loop after streak was broken")
	}
}

func TestLoopDetectorActionFlags(t *testing.T) {
	tests := []struct {
		action      LoopAction
		shouldWarn  bool
		shouldAbort bool
	}{
		{LoopWarn, true, false},
		{LoopAbort, true, true},
		{LoopIgnore, false, false},
	}

	for _, tt := range tests {
		d := NewLoopDetector(2, tt.action)
		d.Check("fix")
		d.Check("fix")
		check := d.Check("fix")
		if !check.IsLoop {
			t.Fatalf("%s: expected loop reported", tt.action)
		}
		if check.ShouldWarn != tt.shouldWarn || check.ShouldAbort != tt.shouldAbort {
			t.Errorf("%s: expected warn=%v abort=%v, got warn=%v abort=%v",
				tt.action, tt.shouldWarn, tt.shouldAbort, check.ShouldWarn, check.ShouldAbort)
		}
	}
}

func TestLoopDetectorExplicitReset(t *testing.T) {
	d := NewLoopDetector(2, LoopAbort)

	d.Check("fix")
	d.Check("fix")
	if check := d.Check("fix"); !check.IsLoop {
		t.Fatal("expected loop before reset")
	}

	d.Reset()
	if check := d.Check("fix"); check.IsLoop || check.Count != 1 {
		t.Errorf("expected fresh streak after reset, got %+v", check)
	}
	if d.ConsecutiveCount() != 1 {
		t.Errorf("expected count 1, got %d", d.ConsecutiveCount())
	}
}

func TestLoopDetectorDefaultThreshold(t *testing.T) {
	d := NewLoopDetector(0, "")
	for i := 0; i < DefaultLoopThreshold; i++ {
		if d.Check("m").IsLoop {
			t.Fatal("default threshold fired too early")
		}
	}
	if !d.Check("m").IsLoop {
		t.Error("expected default threshold of 10")
	}
}
