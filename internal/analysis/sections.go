// Package analysis structures raw report text into named sections.
package analysis

import "strings"

// SectionKeys lists the canonical section identifiers in report order.
var SectionKeys = []string{
	"executive_summary",
	"industry_overview",
	"policy_landscape",
	"ecosystem",
	"value_chain",
	"ai_integration",
	"conclusion",
}

// sectionMarkers maps each section to the heading fragments that open it.
// Matching is substring-based per line, so both numbered ("1. Executive
// Summary") and bare headings are recognized.
var sectionMarkers = []struct {
	key     string
	markers []string
}{
	{"executive_summary", []string{"1. Executive Summary", "Executive Summary"}},
	{"industry_overview", []string{"2. Industry Overview", "Industry Overview"}},
	{"policy_landscape", []string{"3. Policy Landscape", "Policy Landscape"}},
	{"ecosystem", []string{"4. Industry Ecosystem", "Industry Ecosystem", "Key Players"}},
	{"value_chain", []string{"5. Value Chain", "Value Chain Analysis", "Value Chain"}},
	{"ai_integration", []string{"6. AI Integration", "AI Integration Potential", "AI Integration"}},
	{"conclusion", []string{"7. Conclusion", "Conclusion", "Recommendations"}},
}

// ParseSections splits generated report text into named sections keyed by
// SectionKeys. Text before the first recognized heading is dropped; when no
// heading is recognized at all, the whole text is returned under
// "full_report" so nothing is ever lost.
func ParseSections(content string) map[string]string {
	sections := make(map[string]string)

	var currentKey string
	var currentLines []string

	flush := func() {
		if currentKey != "" {
			sections[currentKey] = strings.TrimSpace(strings.Join(currentLines, "\n"))
		}
	}

	for _, line := range strings.Split(content, "\n") {
		matched := ""
		for _, sm := range sectionMarkers {
			if containsAny(line, sm.markers) {
				matched = sm.key
				break
			}
		}

		if matched != "" && matched != currentKey {
			flush()
			currentKey = matched
			currentLines = nil
			continue
		}
		if currentKey != "" {
			currentLines = append(currentLines, line)
		}
	}
	flush()

	if len(sections) == 0 && strings.TrimSpace(content) != "" {
		sections["full_report"] = content
	}
	return sections
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
