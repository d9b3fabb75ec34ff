package flags

import "testing"

func boolPtr(v bool) *bool { return &v }

func TestFrameworkOverrideWinsOverGlobal(t *testing.T) {
	s := Snapshot{
		Enabled:            false,
		Shadow:             true,
		EnabledByFramework: map[string]bool{"seo": true},
		ShadowByFramework:  map[string]bool{"seo": false},
	}
	if !s.FrameworkEnabled("seo") {
		t.Fatalf("expected per-framework enabled override to win")
	}
	if s.FrameworkEnabled("blueprint") {
		t.Fatalf("expected global enabled=false for framework without override")
	}
	if s.ShadowMode("seo") {
		t.Fatalf("expected per-framework shadow override to win")
	}
	if !s.ShadowMode("blueprint") {
		t.Fatalf("expected global shadow=true for framework without override")
	}
}

func TestUseMockDerivation(t *testing.T) {
	// Neither per-framework nor global configured: platform default applies.
	s := Snapshot{MockByDefault: true}
	if !s.UseMockFor("seo") {
		t.Fatalf("expected mock-by-default when use_mock unset")
	}

	// Explicit global false beats the platform default.
	s = Snapshot{UseMock: boolPtr(false), MockByDefault: true}
	if s.UseMockFor("seo") {
		t.Fatalf("expected explicit global use_mock=false to win")
	}

	// Per-framework beats both.
	s = Snapshot{
		UseMock:            boolPtr(false),
		MockByDefault:      true,
		UseMockByFramework: map[string]bool{"seo": true},
	}
	if !s.UseMockFor("seo") {
		t.Fatalf("expected per-framework use_mock=true to win")
	}
	if s.UseMockFor("blueprint") {
		t.Fatalf("expected global use_mock=false for framework without override")
	}
}

func TestForceMockOnBlankCredential(t *testing.T) {
	if !ForceMock("") {
		t.Fatalf("expected empty credential to force mock")
	}
	if !ForceMock("   ") {
		t.Fatalf("expected blank credential to force mock")
	}
	if ForceMock("sk-live-123") {
		t.Fatalf("expected configured credential not to force mock")
	}
}

func TestEffectiveMockOverridesEverything(t *testing.T) {
	s := Snapshot{
		UseMock:            boolPtr(false),
		MockByDefault:      false,
		UseMockByFramework: map[string]bool{"seo": false},
		Credential:         "",
	}
	if !s.EffectiveMock("seo") {
		t.Fatalf("expected blank credential to override every mock flag")
	}

	s.Credential = "sk-live-123"
	if s.EffectiveMock("seo") {
		t.Fatalf("expected configured credential to defer to flags")
	}
}

func TestParseOverrides(t *testing.T) {
	raw := []byte(`
frameworks:
  seo:
    enabled: true
    shadow: false
  blueprint:
    use_mock: true
`)
	overrides, err := ParseOverrides(raw)
	if err != nil {
		t.Fatalf("parse overrides: %v", err)
	}
	s := Snapshot{Enabled: false, Shadow: true, MockByDefault: false}.WithOverrides(overrides)

	if !s.FrameworkEnabled("seo") {
		t.Fatalf("expected seo enabled via overrides file")
	}
	if s.ShadowMode("seo") {
		t.Fatalf("expected seo shadow disabled via overrides file")
	}
	if !s.UseMockFor("blueprint") {
		t.Fatalf("expected blueprint use_mock via overrides file")
	}
	if s.FrameworkEnabled("product_copy") {
		t.Fatalf("expected framework without override to use global")
	}
}
