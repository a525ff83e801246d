package domain

import "testing"

func TestNormalizeUserDataPreferredKeys(t *testing.T) {
	raw := map[string]any{
		"lead_name":     "Ada",
		"name":          "ignored",
		"business_name": "Acme",
		"company":       "ignored",
		"email":         "ada@acme.test",
	}

	got := NormalizeUserData(raw)
	want := UserData{LeadName: "Ada", BusinessName: "Acme", Email: "ada@acme.test"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestNormalizeUserDataLegacyAliases(t *testing.T) {
	raw := map[string]any{
		"name":    "Grace",
		"company": "Hopper LLC",
	}

	got := NormalizeUserData(raw)
	if got.LeadName != "Grace" || got.BusinessName != "Hopper LLC" || got.Email != "" {
		t.Fatalf("unexpected normalization: %+v", got)
	}
}

func TestNormalizeUserDataDefaults(t *testing.T) {
	if got := NormalizeUserData(nil); got != (UserData{}) {
		t.Fatalf("expected zero value for nil payload, got %+v", got)
	}

	raw := map[string]any{"lead_name": 42, "email": ""}
	if got := NormalizeUserData(raw); got != (UserData{}) {
		t.Fatalf("expected non-string and empty values to default, got %+v", got)
	}
}
