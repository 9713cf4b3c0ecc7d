package tasks

import (
	"fmt"
	"strings"

	"github.com/ternarybob/scriptor/internal/models"
)

// reportSections is the heading skeleton every report follows. The analysis
// stage parses output back into sections by these headings, so prompt and
// parser must agree on them.
var reportSections = []string{
	"1. Executive Summary",
	"2. Industry Overview and Core Data",
	"3. Policy Landscape",
	"4. Industry Ecosystem and Key Players",
	"5. Value Chain Analysis",
	"6. AI Integration Potential",
	"7. Conclusion and Recommendations",
}

const systemPrompt = "You are an industry analyst producing detailed, professional reports in Markdown. Use concrete data, named examples and clear reasoning."

// buildPrompt renders the generation prompt for a task
func buildPrompt(input models.TaskInput, expectedLength int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write an industry analysis report on the %s industry in %s.\n\n", input.Topic, input.Subject)
	b.WriteString("Structure the report with exactly these sections:\n\n")
	for _, section := range reportSections {
		b.WriteString(section)
		b.WriteByte('\n')
	}

	if input.Context != "" {
		fmt.Fprintf(&b, "\nAdditional requirements:\n%s\n", input.Context)
	}

	fmt.Fprintf(&b, "\nTarget roughly %d characters. Provide detailed, professional analysis with specific data, cases and insights.", expectedLength)

	return b.String()
}

// buildContinuationPrompt renders the prompt used when a task resumes with
// output already accumulated. The model is asked to pick up where the text
// stops; the existing buffer is never regenerated.
func buildContinuationPrompt(input models.TaskInput, existing string, expectedLength int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are continuing a partially written industry analysis report on the %s industry in %s.\n\n", input.Topic, input.Subject)
	b.WriteString("The report so far:\n\n---\n")
	b.WriteString(existing)
	b.WriteString("\n---\n\n")
	b.WriteString("Continue from exactly where the text stops. Do not repeat or rewrite anything already written. ")
	fmt.Fprintf(&b, "Complete the remaining sections of this outline:\n\n")
	for _, section := range reportSections {
		b.WriteString(section)
		b.WriteByte('\n')
	}

	if input.Context != "" {
		fmt.Fprintf(&b, "\nAdditional requirements:\n%s\n", input.Context)
	}

	fmt.Fprintf(&b, "\nThe full report should reach roughly %d characters.", expectedLength)

	return b.String()
}
