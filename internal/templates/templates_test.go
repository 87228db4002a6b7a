package templates_test

import (
	"strings"
	"testing"

	"stagegate/internal/config"
	"stagegate/internal/templates"
)

func TestRenderPromptFull(t *testing.T) {
	out, err := templates.Render(templates.PromptFull, map[string]any{
		"Fields": []config.IntakeField{
			{Name: "objective", Question: "What should it do?", Critical: true},
			{Name: "target_users", Question: "Who uses it?", Default: "internal team"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "objective: What should it do? (required)") {
		t.Fatalf("critical field not rendered: %q", out)
	}
	if !strings.Contains(out, "target_users: Who uses it?") {
		t.Fatalf("field not rendered: %q", out)
	}
}

func TestRenderPromptShort(t *testing.T) {
	out, err := templates.Render(templates.PromptShort, map[string]any{
		"Fields": []config.IntakeField{
			{Name: "objective", Critical: true},
			{Name: "constraints", Default: "none stated"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "accept default: none stated") {
		t.Fatalf("default offer missing: %q", out)
	}
	if !strings.Contains(out, "required, no default available") {
		t.Fatalf("critical marker missing: %q", out)
	}
	if !strings.Contains(out, "final reminder") {
		t.Fatalf("short prompt must warn about closure: %q", out)
	}
}

func TestRenderTerminationNote(t *testing.T) {
	out, err := templates.Render(templates.TerminationNote, map[string]any{
		"SessionID": "sess-1",
		"Reason":    "exhausted",
		"Issues":    []string{"field objective is required and cannot be defaulted"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "sess-1") || !strings.Contains(out, "exhausted") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRenderHandoffNotice(t *testing.T) {
	out, err := templates.Render(templates.HandoffNotice, map[string]any{
		"SessionID":   "sess-1",
		"Coverage":    100.0,
		"Implemented": 3,
		"Descoped":    1,
		"Total":       4,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "Coverage 100.0%") {
		t.Fatalf("coverage not rendered: %q", out)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, err := templates.Render("prompt.missing", nil); err == nil {
		t.Fatalf("expected error for unknown template id")
	}
}

func TestIDs(t *testing.T) {
	ids := templates.IDs()
	if len(ids) != 6 {
		t.Fatalf("expected 6 templates, got %v", ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids must be sorted: %v", ids)
		}
	}
}
