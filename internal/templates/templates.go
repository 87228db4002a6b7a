// Package templates renders the static actor-facing text the orchestrator
// emits at gates. Rendering is pure: templates are read-only content and
// never touch orchestrator state.
package templates

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"
)

// Template identifiers.
const (
	PromptFull      = "prompt.full"
	PromptShort     = "prompt.short"
	ApprovalRequest = "approval.request"
	TerminationNote = "termination.notice"
	HandoffNotice   = "handoff.notice"
	RollbackNotice  = "rollback.notice"
)

var catalog = map[string]string{
	PromptFull: `Before work can start, the following needs clarification:
{{range .Fields}}- {{.Name}}: {{.Question}}{{if .Critical}} (required){{end}}
{{end}}Please answer every item above.`,

	PromptShort: `Still missing:
{{range .Fields}}- {{.Name}}{{if .Default}} (press enter to accept default: {{.Default}}){{end}}{{if .Critical}} (required, no default available){{end}}
{{end}}This is the final reminder before the session is closed.`,

	ApprovalRequest: `Session {{.SessionID}} is awaiting {{.What}} approval.
{{range .Items}}- {{.}}
{{end}}`,

	TerminationNote: `Session {{.SessionID}} was terminated ({{.Reason}}).
Outstanding issues:
{{range .Issues}}- {{.}}
{{end}}`,

	HandoffNotice: `Session {{.SessionID}} passed all gates. Coverage {{printf "%.1f" .Coverage}}% ({{.Implemented}} implemented, {{.Descoped}} descoped of {{.Total}}). Awaiting delivery acknowledgment.`,

	RollbackNotice: `Session {{.SessionID}} rolled back to code generation.
{{range .Reasons}}- {{.}}
{{end}}`,
}

var parsed = func() map[string]*template.Template {
	m := make(map[string]*template.Template, len(catalog))
	for id, text := range catalog {
		m[id] = template.Must(template.New(id).Parse(text))
	}
	return m
}()

// Render executes the identified template with the given bindings.
func Render(templateID string, bindings any) (string, error) {
	tmpl, ok := parsed[templateID]
	if !ok {
		return "", fmt.Errorf("unknown template %s", templateID)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, bindings); err != nil {
		return "", fmt.Errorf("render %s: %w", templateID, err)
	}
	return buf.String(), nil
}

// IDs returns the known template identifiers, sorted.
func IDs() []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
