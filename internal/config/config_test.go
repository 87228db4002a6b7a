package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagegate/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Session.DefaultLevel != 2 {
		t.Fatalf("expected default level 2, got %d", cfg.Session.DefaultLevel)
	}
	f, ok := cfg.Field("objective")
	if !ok || !f.Critical {
		t.Fatalf("objective must be a critical intake field")
	}
	f, ok = cfg.Field("target_users")
	if !ok || f.Critical || f.Default == "" {
		t.Fatalf("target_users must be non-critical with a default")
	}
}

func TestValidateRejectsCriticalWithDefault(t *testing.T) {
	_, err := config.FromYAML([]byte(`session:
  default_level: 2
intake:
  fields:
    - name: objective
      critical: true
      default: "anything"
`))
	if err == nil || !strings.Contains(err.Error(), "cannot carry a default") {
		t.Fatalf("expected critical-with-default rejection, got %v", err)
	}
}

func TestValidateRequiresCriticalField(t *testing.T) {
	_, err := config.FromYAML([]byte(`session:
  default_level: 2
intake:
  fields:
    - name: target_users
      default: "internal team"
`))
	if err == nil || !strings.Contains(err.Error(), "critical") {
		t.Fatalf("expected at-least-one-critical rejection, got %v", err)
	}
}

func TestValidateRejectsDuplicateFields(t *testing.T) {
	_, err := config.FromYAML([]byte(`session:
  default_level: 2
intake:
  fields:
    - name: objective
      critical: true
    - name: objective
      critical: true
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate field rejection, got %v", err)
	}
}

func TestValidateLevelBounds(t *testing.T) {
	_, err := config.FromYAML([]byte(`session:
  default_level: 7
intake:
  fields:
    - name: objective
      critical: true
`))
	if err == nil || !strings.Contains(err.Error(), "default_level") {
		t.Fatalf("expected level bounds rejection, got %v", err)
	}
}

func TestValidateWebhookURL(t *testing.T) {
	_, err := config.FromYAML([]byte(`session:
  default_level: 2
intake:
  fields:
    - name: objective
      critical: true
webhooks:
  - events: [session.terminated]
`))
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("expected webhook url rejection, got %v", err)
	}
}

func TestRetryFields(t *testing.T) {
	cfg := config.Default()
	fields := cfg.RetryFields()
	if len(fields) != len(cfg.Intake.Fields) {
		t.Fatalf("expected %d fields, got %d", len(cfg.Intake.Fields), len(fields))
	}
	for _, f := range fields {
		want, ok := cfg.Field(f.Name)
		if !ok {
			t.Fatalf("unknown field %s", f.Name)
		}
		if f.Critical != want.Critical || f.Default != want.Default {
			t.Fatalf("field %s lost attributes: %+v", f.Name, f)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("absent file must yield nil,nil: %v %v", cfg, err)
	}

	path := filepath.Join(dir, "stagegate.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load default: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOptional(dir); err == nil {
		t.Fatalf("invalid yaml must error, not fall back to defaults")
	}
}
