package backpressure

import "testing"

func thresholds() Thresholds {
	return Thresholds{LowWater: 200, HighWater: 800, MaxDepth: 1000}
}

func TestSampleTransitionsUpward(t *testing.T) {
	c := New(thresholds())
	if got := c.Sample(100); got != Accepting {
		t.Fatalf("got %v, want Accepting", got)
	}
	if got := c.Sample(850); got != Pressured {
		t.Fatalf("got %v, want Pressured", got)
	}
	if got := c.Sample(1000); got != Rejecting {
		t.Fatalf("got %v, want Rejecting", got)
	}
}

func TestStickyHysteresisDoesNotFlapOnSingleSample(t *testing.T) {
	c := New(thresholds())
	c.Sample(850) // -> Pressured
	if got := c.Sample(300); got != Pressured {
		t.Fatalf("got %v, want still Pressured above low water", got)
	}
	if got := c.Sample(150); got != Accepting {
		t.Fatalf("got %v, want Accepting below low water", got)
	}
}

func TestRejectingRequiresDropBelowLowWater(t *testing.T) {
	c := New(thresholds())
	c.Sample(1000) // -> Rejecting
	if got := c.Sample(900); got != Pressured {
		t.Fatalf("got %v, want Pressured once below max depth", got)
	}
	if got := c.Sample(500); got != Pressured {
		t.Fatalf("got %v, want still Pressured above low water", got)
	}
	if got := c.Sample(100); got != Accepting {
		t.Fatalf("got %v, want Accepting once below low water", got)
	}
}

func TestAdmitOnlyFalseWhenRejecting(t *testing.T) {
	c := New(thresholds())
	c.Sample(850)
	if !c.Admit() {
		t.Fatal("pressured state should still admit")
	}
	c.Sample(1000)
	if c.Admit() {
		t.Fatal("rejecting state should not admit")
	}
}
