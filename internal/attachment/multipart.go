package attachment

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"
)

// maxIngestOverhead bounds how much larger than the declared max a body may
// be before it's rejected outright, per the spec's ingest-time cap.
const maxIngestOverhead = 2 << 20 // 2 MiB

// UploadedFile is the single accepted "file" field of a multipart body.
type UploadedFile struct {
	OriginalName string
	Data         []byte
}

// ParseSingleFile extracts the boundary from contentType (handling a quoted
// boundary parameter) and reads the one accepted "file" field from body,
// rejecting bodies over maxDeclaredSize+maxIngestOverhead.
func ParseSingleFile(contentType string, body io.Reader, maxDeclaredSize int64) (UploadedFile, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("parsing content-type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return UploadedFile{}, fmt.Errorf("content-type is not multipart: %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return UploadedFile{}, fmt.Errorf("multipart content-type missing boundary")
	}

	limited := io.LimitReader(body, maxDeclaredSize+maxIngestOverhead+1)
	reader := multipart.NewReader(limited, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return UploadedFile{}, fmt.Errorf("multipart body had no %q field", "file")
		}
		if err != nil {
			return UploadedFile{}, fmt.Errorf("reading multipart part: %w", err)
		}

		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		var buf bytes.Buffer
		n, err := io.Copy(&buf, part)
		_ = part.Close()
		if err != nil {
			return UploadedFile{}, fmt.Errorf("reading file part: %w", err)
		}
		if n > maxDeclaredSize+maxIngestOverhead {
			return UploadedFile{}, fmt.Errorf("upload exceeds the ingest size ceiling")
		}

		name := filepath.Base(strings.TrimSpace(part.FileName()))
		if name == "." || name == "/" || name == "" {
			name = "upload"
		}

		return UploadedFile{OriginalName: name, Data: buf.Bytes()}, nil
	}
}
