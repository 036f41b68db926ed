package ritual

import (
	"encoding/json"
	"strings"

	"agentgate/internal/domain"
)

// outputText renders a perspective's output: JSON strings are unquoted,
// structured payloads are kept as JSON.
func outputText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func synthesisPrompt(message string, outputs []perspectiveOutput) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(message)
	b.WriteString("\n\nPerspective contributions:\n")
	for _, out := range outputs {
		b.WriteString("\n## ")
		b.WriteString(string(out.Perspective))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(out.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func screeningPrompt(artifact *domain.Artifact) string {
	return "Screen this ritual:\n" + mustJSON(artifact)
}

func revisionPrompt(artifact *domain.Artifact, screening *domain.ScreeningResult) string {
	var b strings.Builder
	b.WriteString("Ritual:\n")
	b.WriteString(mustJSON(artifact))
	b.WriteString("\n\nIssues:\n")
	for _, issue := range screening.Issues {
		b.WriteString("- " + issue + "\n")
	}
	b.WriteString("\nSuggestions:\n")
	for _, s := range screening.Suggestions {
		b.WriteString("- " + s + "\n")
	}
	return b.String()
}

func mustJSON(v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}
