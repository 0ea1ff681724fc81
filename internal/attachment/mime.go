// Package attachment implements multipart ingest, MIME sniffing,
// content-addressed storage, bounded text extraction, and multimodal
// composition for files attached to a chat turn.
package attachment

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Class distinguishes the two allowed upload categories; each has its own
// size ceiling and allowed MIME set.
type Class int

const (
	ClassUnknown Class = iota
	ClassImage
	ClassFile
)

const (
	maxImageSize = 10 << 20 // 10 MiB
	maxFileSize  = 20 << 20 // 20 MiB
)

var imageMIMEs = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var fileMIMEs = map[string]string{
	"application/pdf":  ".pdf",
	"text/plain":       ".txt",
	"text/csv":         ".csv",
	"application/json": ".json",
	"text/markdown":    ".md",
}

// sniffFallback applies the spec's extension/UTF-8 probe when mimetype's
// magic-byte detection can't do better than a generic octet-stream/text
// result: a leading '{' or '[' means JSON; else the first 4 KiB decoding as
// UTF-8 without NUL bytes means text, disambiguated to text/csv or
// text/markdown by filename extension when it matches one of those, falling
// back to text/plain otherwise.
func sniffFallback(data []byte, filename string) string {
	probe := data
	if len(probe) > 4096 {
		probe = probe[:4096]
	}
	trimmed := bytes.TrimLeft(probe, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "application/json"
	}
	if utf8.Valid(probe) && !bytes.ContainsRune(probe, 0) {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".csv":
			return "text/csv"
		case ".md", ".markdown":
			return "text/markdown"
		default:
			return "text/plain"
		}
	}
	return "application/octet-stream"
}

// Sniff detects the MIME type of data: mimetype.Detect handles the
// magic-byte cases (JPEG/PNG/GIF/WEBP/PDF among others); its octet-stream
// and text/* results are replaced by the spec's own extension/UTF-8 probe,
// which needs filename to tell text/csv and text/markdown apart from
// text/plain.
func Sniff(data []byte, filename string) string {
	detected := mimetype.Detect(data)
	mime := detected.String()
	if isGeneric(mime) {
		return sniffFallback(data, filename)
	}
	// mimetype may report a parameterized value like "text/plain; charset=utf-8".
	if idx := bytes.IndexByte([]byte(mime), ';'); idx >= 0 {
		mime = mime[:idx]
	}
	return mime
}

func isGeneric(mime string) bool {
	return mime == "application/octet-stream" || strings.HasPrefix(mime, "text/")
}

// Classify resolves a MIME type and payload size against the allowed sets,
// returning the class, the extension to store with, and whether it's
// accepted at all.
func Classify(mime string, size int64) (class Class, ext string, ok bool) {
	if ext, known := imageMIMEs[mime]; known {
		return ClassImage, ext, size <= maxImageSize
	}
	if ext, known := fileMIMEs[mime]; known {
		return ClassFile, ext, size <= maxFileSize
	}
	return ClassUnknown, "", false
}
