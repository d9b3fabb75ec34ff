package flags

import (
	"fmt"
	"os"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/platform/env"
	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of the feature configuration taken at call
// time. Resolution never touches the environment again, so a snapshot can be
// handed to tests or carried across goroutines safely.
type Snapshot struct {
	Enabled bool
	Shadow  bool

	// UseMock is tri-state: nil means "not configured", in which case the
	// platform-wide MockByDefault applies.
	UseMock       *bool
	MockByDefault bool

	EnabledByFramework map[string]bool
	ShadowByFramework  map[string]bool
	UseMockByFramework map[string]bool

	Credential    string
	TTLDays       int
	PolicyVersion string
}

// Overrides is the on-disk shape of the per-framework override file.
type Overrides struct {
	Frameworks map[string]FrameworkOverride `yaml:"frameworks"`
}

type FrameworkOverride struct {
	Enabled *bool `yaml:"enabled"`
	Shadow  *bool `yaml:"shadow"`
	UseMock *bool `yaml:"use_mock"`
}

// ForceMock is the hard-safety gate: a blank provider credential forces mock
// regardless of every other flag. Checked by the dispatcher before choosing
// a strategy and again at the provider boundary.
func ForceMock(credential string) bool {
	return strings.TrimSpace(credential) == ""
}

// FrameworkEnabled resolves the enabled flag: per-framework override first,
// then the global default.
func (s Snapshot) FrameworkEnabled(framework string) bool {
	if v, ok := s.EnabledByFramework[framework]; ok {
		return v
	}
	return s.Enabled
}

// ShadowMode resolves the shadow flag the same way.
func (s Snapshot) ShadowMode(framework string) bool {
	if v, ok := s.ShadowByFramework[framework]; ok {
		return v
	}
	return s.Shadow
}

// UseMockFor resolves the use-mock flag: per-framework override, then the
// explicit global value, then the platform-wide mock-by-default setting.
func (s Snapshot) UseMockFor(framework string) bool {
	if v, ok := s.UseMockByFramework[framework]; ok {
		return v
	}
	if s.UseMock != nil {
		return *s.UseMock
	}
	return s.MockByDefault
}

// EffectiveMock combines the resolved flag with the hard-safety gate.
func (s Snapshot) EffectiveMock(framework string) bool {
	if ForceMock(s.Credential) {
		return true
	}
	return s.UseMockFor(framework)
}

// FromEnv builds a snapshot from the environment and the optional override
// file. It is intended to be called on every dispatch so flag changes take
// effect without a restart.
func FromEnv() (Snapshot, error) {
	enabled, err := env.Bool("DRAFTLINE_FRAMEWORKS_ENABLED", false)
	if err != nil {
		return Snapshot{}, err
	}
	shadow, err := env.Bool("DRAFTLINE_SHADOW_MODE", true)
	if err != nil {
		return Snapshot{}, err
	}
	useMock, err := env.BoolPtr("DRAFTLINE_USE_MOCK")
	if err != nil {
		return Snapshot{}, err
	}
	mockByDefault, err := env.Bool("DRAFTLINE_LLM_USE_MOCK", true)
	if err != nil {
		return Snapshot{}, err
	}
	ttlDays, err := env.Int("DRAFTLINE_CACHE_TTL_DAYS", 7)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Enabled:       enabled,
		Shadow:        shadow,
		UseMock:       useMock,
		MockByDefault: mockByDefault,
		Credential:    env.String("DRAFTLINE_PROVIDER_API_KEY", ""),
		TTLDays:       ttlDays,
		PolicyVersion: env.String("DRAFTLINE_POLICY_VERSION", "1.0"),
	}

	overridesPath := strings.TrimSpace(env.String("DRAFTLINE_FLAGS_FILE", ""))
	if overridesPath == "" {
		return snapshot, nil
	}
	raw, err := os.ReadFile(overridesPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read flags file: %w", err)
	}
	overrides, err := ParseOverrides(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot.WithOverrides(overrides), nil
}

func ParseOverrides(raw []byte) (Overrides, error) {
	var overrides Overrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return Overrides{}, fmt.Errorf("decode flags file: %w", err)
	}
	return overrides, nil
}

// WithOverrides returns a copy of the snapshot with the per-framework maps
// populated from the override file. Unset fields fall through to globals.
func (s Snapshot) WithOverrides(overrides Overrides) Snapshot {
	if len(overrides.Frameworks) == 0 {
		return s
	}
	out := s
	out.EnabledByFramework = make(map[string]bool, len(overrides.Frameworks))
	out.ShadowByFramework = make(map[string]bool, len(overrides.Frameworks))
	out.UseMockByFramework = make(map[string]bool, len(overrides.Frameworks))
	for name, override := range overrides.Frameworks {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if override.Enabled != nil {
			out.EnabledByFramework[name] = *override.Enabled
		}
		if override.Shadow != nil {
			out.ShadowByFramework[name] = *override.Shadow
		}
		if override.UseMock != nil {
			out.UseMockByFramework[name] = *override.UseMock
		}
	}
	return out
}
