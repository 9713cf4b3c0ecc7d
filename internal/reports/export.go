package reports

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ternarybob/scriptor/internal/models"
)

// ExportFormat selects the export rendering
type ExportFormat string

const (
	FormatMarkdown ExportFormat = "markdown"
	FormatHTML     ExportFormat = "html"
	FormatPDF      ExportFormat = "pdf"
)

// ParseFormat maps a query-string value to an export format. Markdown is the
// default; unknown values are rejected.
func ParseFormat(value string) (ExportFormat, error) {
	switch strings.ToLower(value) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", value)
	}
}

// ContentType returns the response content type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/markdown; charset=utf-8"
	}
}

// Export renders the report in the requested format
func Export(report *models.Report, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		return []byte(exportMarkdown(report)), nil
	case FormatHTML:
		return exportHTML(report)
	case FormatPDF:
		return exportPDF(report)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func exportMarkdown(report *models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s - %s Industry Analysis\n\n", report.Subject, report.Topic)
	b.WriteString(report.Content)
	return b.String()
}

func exportHTML(report *models.Report) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
	)

	var body bytes.Buffer
	if err := md.Convert([]byte(exportMarkdown(report)), &body); err != nil {
		return nil, fmt.Errorf("failed to render HTML: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s - %s</title>\n</head>\n<body>\n", report.Subject, report.Topic)
	out.Write(body.Bytes())
	out.WriteString("\n</body>\n</html>\n")
	return out.Bytes(), nil
}

// exportPDF renders a plain line-oriented PDF. Headings are detected by their
// Markdown prefix; everything else flows as body text.
func exportPDF(report *models.Report) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.MultiCell(0, 7, fmt.Sprintf("%s - %s Industry Analysis", report.Subject, report.Topic), "", "L", false)
	pdf.Ln(3)

	for _, line := range strings.Split(report.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			pdf.SetFont("Arial", "B", 10)
			pdf.MultiCell(0, 6, strings.TrimPrefix(trimmed, "### "), "", "L", false)
		case strings.HasPrefix(trimmed, "## "):
			pdf.SetFont("Arial", "B", 11)
			pdf.Ln(2)
			pdf.MultiCell(0, 6, strings.TrimPrefix(trimmed, "## "), "", "L", false)
		case strings.HasPrefix(trimmed, "# "):
			pdf.SetFont("Arial", "B", 12)
			pdf.Ln(2)
			pdf.MultiCell(0, 7, strings.TrimPrefix(trimmed, "# "), "", "L", false)
		case trimmed == "":
			pdf.Ln(2)
		default:
			pdf.SetFont("Arial", "", 9)
			pdf.MultiCell(0, 5, trimmed, "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}
