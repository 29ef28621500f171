package config

import "testing"

func TestValidateRejectsDuplicateLabels(t *testing.T) {
	cfg := &Config{Label: "run1", Workflows: []WorkflowConfig{{Label: "a"}, {Label: "a"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate label to be rejected")
	}
}

func TestValidateRejectsUnknownPrerequisite(t *testing.T) {
	cfg := &Config{Label: "run1", Workflows: []WorkflowConfig{{Label: "a", Prerequisite: "ghost"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown prerequisite to be rejected")
	}
}

func TestValidateRejectsPrerequisiteCycle(t *testing.T) {
	cfg := &Config{Label: "run1", Workflows: []WorkflowConfig{
		{Label: "a", Prerequisite: "b"},
		{Label: "b", Prerequisite: "a"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected prerequisite cycle to be rejected")
	}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	cfg := &Config{Label: "run1", Workflows: []WorkflowConfig{
		{Label: "a"},
		{Label: "b", Prerequisite: "a"},
		{Label: "c", Prerequisite: "b"},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected linear chain to validate, got: %v", err)
	}
}
