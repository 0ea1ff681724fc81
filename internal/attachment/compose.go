package attachment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

const (
	metaOpenTag  = "[[MESSAGE_META]]"
	metaCloseTag = "[[/MESSAGE_META]]"
)

// FileMeta is one entry of the message-metadata sentinel's files array.
type FileMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// sentinelPayload is the JSON body of the [[MESSAGE_META]] sentinel.
type sentinelPayload struct {
	FileIDs []string   `json:"file_ids"`
	Files   []FileMeta `json:"files"`
}

// EncodeSentinel prefixes body with the message-metadata sentinel describing
// files, for storage as a Message's content.
func EncodeSentinel(body string, files []store.ConversationFile, fileURL func(store.ConversationFile) string) (string, error) {
	payload := sentinelPayload{FileIDs: make([]string, 0, len(files)), Files: make([]FileMeta, 0, len(files))}
	for _, f := range files {
		payload.FileIDs = append(payload.FileIDs, f.ID)
		payload.Files = append(payload.Files, FileMeta{
			ID:   f.ID,
			Name: f.OriginalName,
			Size: f.Size,
			Type: f.MIME,
			URL:  fileURL(f),
		})
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling message-meta sentinel: %w", err)
	}
	return metaOpenTag + string(b) + metaCloseTag + body, nil
}

// ParseSentinel splits stored content into its file metadata (if any) and
// the plain body. Content without a sentinel is returned unchanged as the
// body, with a nil FileIDs/Files result — callers must tolerate its absence.
func ParseSentinel(content string) (fileIDs []string, files []FileMeta, body string) {
	if !strings.HasPrefix(content, metaOpenTag) {
		return nil, nil, content
	}
	rest := content[len(metaOpenTag):]
	closeIdx := strings.Index(rest, metaCloseTag)
	if closeIdx < 0 {
		return nil, nil, content
	}

	var payload sentinelPayload
	if err := json.Unmarshal([]byte(rest[:closeIdx]), &payload); err != nil {
		return nil, nil, content
	}

	return payload.FileIDs, payload.Files, rest[closeIdx+len(metaCloseTag):]
}

// Compose builds the outbound provider.Content for a user turn from its
// plain text and resolved attachments: text-bearing files are prepended as
// "[File: name]\nextracted" blocks, image files become image parts, and the
// whole thing collapses to plain text when there are no images.
func Compose(userText string, files []store.ConversationFile, readStored func(store.ConversationFile) ([]byte, error)) (provider.Content, error) {
	var textBlocks []string
	var imageParts []provider.Part

	for _, f := range files {
		class, _, _ := Classify(f.MIME, f.Size)
		switch class {
		case ClassFile:
			if f.ExtractedText != "" {
				textBlocks = append(textBlocks, fmt.Sprintf("[File: %s]\n%s", f.OriginalName, f.ExtractedText))
			}
		case ClassImage:
			data, err := readStored(f)
			if err != nil {
				return provider.Content{}, fmt.Errorf("reading image attachment %s: %w", f.ID, err)
			}
			imageParts = append(imageParts, provider.Part{
				Type:     provider.PartImage,
				ImageB64: base64.StdEncoding.EncodeToString(data),
				MIMEType: f.MIME,
			})
		}
	}

	composed := strings.Join(append(textBlocks, userText), "\n\n")

	if len(imageParts) == 0 {
		return provider.NewText(composed), nil
	}

	parts := append([]provider.Part{{Type: provider.PartText, Text: composed}}, imageParts...)
	return provider.NewParts(parts...), nil
}
