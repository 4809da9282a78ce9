package policy_test

import (
	"testing"

	"funil/internal/domain"
	"funil/internal/policy"
	"funil/internal/registry"
)

func funnelRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New("funnel", []domain.Stage{
		{ID: "new", BoardID: "funnel", Position: 0},
		{ID: "contacted", BoardID: "funnel", Position: 1},
		{ID: "won", BoardID: "funnel", Position: 2, Final: true, Won: true},
		{ID: "lost", BoardID: "funnel", Position: 3, Final: true, RequiresReason: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func card(stage string) domain.Card {
	return domain.Card{ID: "c1", BoardID: "funnel", StageID: stage}
}

func TestEvaluateAllowed(t *testing.T) {
	reg := funnelRegistry(t)
	d, err := policy.Evaluate(reg, card("new"), "contacted", policy.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.Allowed {
		t.Fatalf("expected Allowed, got %v (%s)", d.Kind, d.Reason)
	}
}

func TestEvaluateGatedLostStage(t *testing.T) {
	reg := funnelRegistry(t)
	d, err := policy.Evaluate(reg, card("contacted"), "lost", policy.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.RequiresLostReason {
		t.Fatalf("expected RequiresLostReason, got %v", d.Kind)
	}
}

func TestEvaluateWonNotGated(t *testing.T) {
	reg := funnelRegistry(t)
	d, err := policy.Evaluate(reg, card("contacted"), "won", policy.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.Allowed {
		t.Fatalf("won must not ask for a reason, got %v", d.Kind)
	}
}

func TestEvaluateUnknownTarget(t *testing.T) {
	reg := funnelRegistry(t)
	d, err := policy.Evaluate(reg, card("new"), "archived", policy.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.Rejected || d.Reason == "" {
		t.Fatalf("expected reasoned rejection, got %+v", d)
	}
}

func TestEvaluateSameStage(t *testing.T) {
	reg := funnelRegistry(t)
	d, err := policy.Evaluate(reg, card("new"), "new", policy.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.Rejected {
		t.Fatalf("expected no-op rejection, got %v", d.Kind)
	}
}

func TestEvaluateFinalStageLocked(t *testing.T) {
	reg := funnelRegistry(t)
	for _, stage := range []string{"won", "lost"} {
		d, err := policy.Evaluate(reg, card(stage), "new", policy.Options{})
		if err != nil {
			t.Fatal(err)
		}
		if d.Kind != policy.Rejected {
			t.Fatalf("expected rejection leaving %s, got %v", stage, d.Kind)
		}
	}
	d, err := policy.Evaluate(reg, card("won"), "new", policy.Options{Reopen: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != policy.Allowed {
		t.Fatalf("expected reopen to allow, got %v (%s)", d.Kind, d.Reason)
	}
}

func TestEvaluateCorruptCardStage(t *testing.T) {
	reg := funnelRegistry(t)
	_, err := policy.Evaluate(reg, card("ghost"), "new", policy.Options{})
	if err == nil {
		t.Fatalf("expected data-integrity error for unknown current stage")
	}
}
