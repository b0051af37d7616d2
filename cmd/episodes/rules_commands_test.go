package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCondition(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"artifacts > 2", "artifacts greater_than 2"},
		{"createdBy = lead", "createdBy equals lead"},
		{"stage != video", "stage not_equals video"},
		{"notes ~ needs new intro", "notes contains needs new intro"},
		{"rollbacks less_than 3", "rollbacks less_than 3"},
	}
	for _, tc := range cases {
		cond, err := parseCondition(tc.raw)
		if err != nil {
			t.Fatalf("parseCondition(%q): %v", tc.raw, err)
		}
		if got := cond.Field + " " + cond.Operator + " " + cond.Value; got != tc.want {
			t.Fatalf("parseCondition(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
	if _, err := parseCondition("artifacts >"); err == nil {
		t.Fatal("expected incomplete condition to fail")
	}
}

func TestRuleActionFlagsBuild(t *testing.T) {
	flags := ruleActionFlags{require: []string{"qa"}, quorum: 1, due: 36 * time.Hour}
	raw, err := flags.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0]["type"] != "require_approval" || decoded[1]["type"] != "set_due_date" {
		t.Fatalf("unexpected actions %s", raw)
	}
	if describeActions(raw) != "require_approval, set_due_date" {
		t.Fatalf("unexpected description %q", describeActions(raw))
	}

	if _, err := (&ruleActionFlags{raw: "[oops"}).build(); err == nil {
		t.Fatal("expected invalid --actions to fail")
	}
}

func TestContextValueKeepsTypes(t *testing.T) {
	if v, ok := contextValue("42").(float64); !ok || v != 42 {
		t.Fatalf("expected number, got %#v", contextValue("42"))
	}
	if v, ok := contextValue("true").(bool); !ok || !v {
		t.Fatalf("expected bool, got %#v", contextValue("true"))
	}
	if v, ok := contextValue("lead").(string); !ok || v != "lead" {
		t.Fatalf("expected string, got %#v", contextValue("lead"))
	}
}
