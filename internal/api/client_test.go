package api

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()

	tr.Add(100, 50)
	tr.Add(200, 25)

	in, out := tr.Total()
	if in != 300 || out != 75 {
		t.Errorf("expected totals 300/75, got %d/%d", in, out)
	}
	if tr.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", tr.Calls())
	}

	tr.Reset()
	in, out = tr.Total()
	if in != 0 || out != 0 || tr.Calls() != 0 {
		t.Error("expected tracker cleared after reset")
	}
}

func TestTokenTrackerCost(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(1_000_000, 1_000_000)

	// $3/1M input + $15/1M output.
	if cost := tr.Cost(); cost < 17.9 || cost > 18.1 {
		t.Errorf("expected cost near 18.0, got %f", cost)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	got := translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514)
	if got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("unexpected bedrock model: %s", got)
	}

	// Unknown models pass through unchanged.
	custom := anthropic.Model("my-custom-model")
	if translateModelForBedrock(custom) != custom {
		t.Error("expected unknown model to pass through")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}
