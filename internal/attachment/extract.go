package attachment

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxExtractedChars bounds how much text a single attachment contributes.
const maxExtractedChars = 50_000

// ExtractText extracts bounded text content from data per mime: text-class
// MIMEs are UTF-8 decoded with replacement, PDFs are extracted page-by-page
// via ledongthuc/pdf (handles FlateDecode-compressed content streams, which
// the vast majority of real-world PDFs use), and images yield no text.
func ExtractText(mimeType string, data []byte) string {
	switch mimeType {
	case "text/plain", "text/csv", "application/json", "text/markdown":
		return truncate(decodeUTF8WithReplacement(data), maxExtractedChars)
	case "application/pdf":
		return truncate(extractPDFText(data), maxExtractedChars)
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func decodeUTF8WithReplacement(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

// extractPDFText decodes data as a PDF and returns its plain text content,
// space-joined across pages. Malformed or encrypted PDFs yield an empty
// string rather than an error — extraction is best-effort, never fatal to
// the upload.
func extractPDFText(data []byte) string {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}

	content, err := r.GetPlainText()
	if err != nil {
		return ""
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, content); err != nil {
		return ""
	}

	return collapseSpaces(buf.String())
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
