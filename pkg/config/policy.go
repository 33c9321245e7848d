package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// policyCompat is the constraint a loaded profile version must satisfy.
// Bumping the major here is a deliberate breaking change.
const policyCompat = "^1.0.0"

// Policy is the reconciliation policy profile. SLA windows, posture
// boundaries, matching tolerances, and upload limits are operator inputs,
// never compile-time constants.
type Policy struct {
	Version string `yaml:"version" json:"version"`

	SLA       SLAPolicy       `yaml:"sla" json:"sla"`
	Matching  MatchingPolicy  `yaml:"matching" json:"matching"`
	Uploads   UploadPolicy    `yaml:"uploads" json:"uploads"`
	Escalate  EscalationEntry `yaml:"escalation" json:"escalation"`
	SignedURL SignedURLPolicy `yaml:"signed_url" json:"signed_url"`
}

// SLAPolicy holds per-case-type response windows and posture boundaries.
type SLAPolicy struct {
	// WindowDays maps a case type to its SLA window in days.
	WindowDays map[string]int `yaml:"window_days" json:"window_days"`
	// DefaultWindowDays applies to case types missing from WindowDays.
	DefaultWindowDays int `yaml:"default_window_days" json:"default_window_days"`
	DueTodayHours     int `yaml:"due_today_hours" json:"due_today_hours"`
	ApproachingHours  int `yaml:"approaching_hours" json:"approaching_hours"`
}

// MatchingPolicy tunes the statement matcher.
type MatchingPolicy struct {
	// DateToleranceDays bounds the date drift accepted by the tolerance pass.
	DateToleranceDays int `yaml:"date_tolerance_days" json:"date_tolerance_days"`
	// BackgroundThresholdLines hoists ingest matching onto a worker above
	// this line count.
	BackgroundThresholdLines int `yaml:"background_threshold_lines" json:"background_threshold_lines"`
}

// UploadPolicy bounds evidence uploads.
type UploadPolicy struct {
	MaxBytes     int64    `yaml:"max_bytes" json:"max_bytes"`
	AllowedMIMEs []string `yaml:"allowed_mimes" json:"allowed_mimes"`
}

// EscalationEntry names the break-glass contact revealed at level 3.
type EscalationEntry struct {
	BreakGlassName  string `yaml:"break_glass_name" json:"break_glass_name"`
	BreakGlassEmail string `yaml:"break_glass_email" json:"break_glass_email"`
}

// SignedURLPolicy bounds evidence read links.
type SignedURLPolicy struct {
	TTLMinutes int `yaml:"ttl_minutes" json:"ttl_minutes"`
}

// DefaultPolicy returns the compiled-in profile used when no POLICY_PROFILE
// is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: "1.0.0",
		SLA: SLAPolicy{
			WindowDays: map[string]int{
				"onboarding": 5,
				"invoice":    3,
				"payment":    2,
				"soa":        7,
			},
			DefaultWindowDays: 5,
			DueTodayHours:     24,
			ApproachingHours:  48,
		},
		Matching: MatchingPolicy{
			DateToleranceDays:        7,
			BackgroundThresholdLines: 1000,
		},
		Uploads: UploadPolicy{
			MaxBytes: 50 << 20,
			AllowedMIMEs: []string{
				"application/pdf",
				"image/jpeg",
				"image/png",
				"image/gif",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			},
		},
		Escalate: EscalationEntry{
			BreakGlassName:  "AP Escalations Desk",
			BreakGlassEmail: "ap-escalations@procurehq.dev",
		},
		SignedURL: SignedURLPolicy{TTLMinutes: 60},
	}
}

// LoadPolicy reads a profile YAML, checks its version against the supported
// range, and fills gaps from the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load policy %q: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse policy %q: %w", path, err)
	}

	if err := p.checkVersion(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) checkVersion() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("config: policy version %q: %w", p.Version, err)
	}
	c, err := semver.NewConstraint(policyCompat)
	if err != nil {
		return fmt.Errorf("config: policy constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("config: policy version %s outside supported range %s", p.Version, policyCompat)
	}
	return nil
}

func (p *Policy) validate() error {
	if p.SLA.DefaultWindowDays <= 0 {
		return fmt.Errorf("config: policy default_window_days must be positive")
	}
	for ct, d := range p.SLA.WindowDays {
		if d <= 0 {
			return fmt.Errorf("config: policy window_days[%s] must be positive", ct)
		}
	}
	if p.Matching.DateToleranceDays < 0 {
		return fmt.Errorf("config: policy date_tolerance_days must not be negative")
	}
	if p.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config: policy uploads max_bytes must be positive")
	}
	if len(p.Uploads.AllowedMIMEs) == 0 {
		return fmt.Errorf("config: policy uploads allowed_mimes must not be empty")
	}
	if p.SignedURL.TTLMinutes <= 0 {
		return fmt.Errorf("config: policy signed_url ttl_minutes must be positive")
	}
	return nil
}

// SLAWindow returns the response window for a case type.
func (p *Policy) SLAWindow(caseType string) time.Duration {
	days, ok := p.SLA.WindowDays[caseType]
	if !ok {
		days = p.SLA.DefaultWindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DateTolerance returns the matcher's date drift allowance.
func (p *Policy) DateTolerance() time.Duration {
	return time.Duration(p.Matching.DateToleranceDays) * 24 * time.Hour
}

// SignedURLTTL returns the lifetime of evidence read links.
func (p *Policy) SignedURLTTL() time.Duration {
	return time.Duration(p.SignedURL.TTLMinutes) * time.Minute
}

// MIMEAllowed reports whether a declared content type may be uploaded.
func (p *Policy) MIMEAllowed(mime string) bool {
	for _, m := range p.Uploads.AllowedMIMEs {
		if m == mime {
			return true
		}
	}
	return false
}
