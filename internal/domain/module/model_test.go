package module

import "testing"

func TestEnvKindValid(t *testing.T) {
	for _, kind := range []EnvKind{EnvInline, EnvSubprocess, EnvNamedEnv, EnvContainer} {
		if !kind.Valid() {
			t.Fatalf("expected %s to be a valid kind", kind)
		}
	}
	if EnvKind("virtualenv").Valid() {
		t.Fatalf("unexpected valid kind")
	}
}

func TestStatusValues(t *testing.T) {
	if StatusActive != "active" || StatusInactive != "inactive" || StatusDeleted != "deleted" {
		t.Fatalf("unexpected module status values")
	}
	if DeploymentActive != "active" || DeploymentInactive != "inactive" {
		t.Fatalf("unexpected deployment status values")
	}
}

func TestHistoryActions(t *testing.T) {
	for _, action := range []HistoryAction{ActionUpload, ActionActivate, ActionDeactivate, ActionRollback} {
		if action == "" {
			t.Fatalf("empty history action")
		}
	}
}
