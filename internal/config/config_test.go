package config_test

import (
	"strings"
	"testing"

	"funil/internal/config"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	b, ok := cfg.Board("funnel")
	if !ok {
		t.Fatalf("default funnel board missing")
	}
	var gated bool
	for _, s := range b.Stages {
		if s.RequiresReason {
			gated = true
			if !s.Final || s.Won {
				t.Fatalf("gated stage %s must be lost-final", s.ID)
			}
		}
	}
	if !gated {
		t.Fatalf("funnel board should have a gated lost stage")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	data, err := config.Default().ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("reload default config: %v", err)
	}
	if len(cfg.Boards) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(cfg.Boards))
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no boards",
			yaml: "boards: []",
			want: "boards is required",
		},
		{
			name: "bad kind",
			yaml: `
boards:
  - id: b
    name: B
    kind: crm
    stages:
      - {id: a, name: A, position: 0}
`,
			want: "kind must be",
		},
		{
			name: "duplicate stage id",
			yaml: `
boards:
  - id: b
    name: B
    kind: leads
    stages:
      - {id: a, name: A, position: 0}
      - {id: a, name: A2, position: 1}
`,
			want: "duplicate stage id",
		},
		{
			name: "duplicate position",
			yaml: `
boards:
  - id: b
    name: B
    kind: leads
    stages:
      - {id: a, name: A, position: 0}
      - {id: c, name: C, position: 0}
`,
			want: "duplicate stage position",
		},
		{
			name: "won without final",
			yaml: `
boards:
  - id: b
    name: B
    kind: leads
    stages:
      - {id: a, name: A, position: 0}
      - {id: w, name: W, position: 1, won: true}
`,
			want: "won but not final",
		},
		{
			name: "reason gate on non-final",
			yaml: `
boards:
  - id: b
    name: B
    kind: leads
    stages:
      - {id: a, name: A, position: 0, requires_reason: true}
      - {id: c, name: C, position: 1}
`,
			want: "not a lost-final stage",
		},
		{
			name: "only final stages",
			yaml: `
boards:
  - id: b
    name: B
    kind: leads
    stages:
      - {id: done, name: Done, position: 0, final: true}
`,
			want: "no non-final stage",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}
