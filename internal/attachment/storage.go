package attachment

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// Pipeline ingests one multipart upload per conversation, enforcing the
// allowed MIME sets, content-addressing the bytes on disk, and recording the
// resulting ConversationFile row.
type Pipeline struct {
	store       *store.Store
	uploadsRoot string
}

// NewPipeline builds a Pipeline storing bytes under uploadsRoot.
func NewPipeline(st *store.Store, uploadsRoot string) *Pipeline {
	return &Pipeline{store: st, uploadsRoot: uploadsRoot}
}

// Ingest parses, sniffs, validates, content-addresses, extracts text from,
// and records one upload for conversationID within tx. Callers must have
// already verified conversation ownership in the same transaction.
func (p *Pipeline) Ingest(ctx context.Context, tx *sql.Tx, contentType string, body io.Reader, conversationID string) (store.ConversationFile, error) {
	uploaded, err := ParseSingleFile(contentType, body, maxFileSize)
	if err != nil {
		return store.ConversationFile{}, apperror.MalformedInput("%v", err)
	}

	mimeType := Sniff(uploaded.Data, uploaded.OriginalName)
	class, ext, ok := Classify(mimeType, int64(len(uploaded.Data)))
	if !ok {
		return store.ConversationFile{}, apperror.New(apperror.KindUnsupportedMedia, fmt.Sprintf("unsupported or oversized file type %q", mimeType))
	}

	sum := sha256.Sum256(uploaded.Data)
	hash := hex.EncodeToString(sum[:])

	storedPath, err := p.store.FindStoredPathBySHA256(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		storedPath, err = p.writeToDisk(hash, ext, uploaded.Data)
		if err != nil {
			return store.ConversationFile{}, apperror.Internal("storing upload", err)
		}
	} else if err != nil {
		return store.ConversationFile{}, apperror.Internal("checking for existing upload", err)
	}

	extracted := ""
	if class == ClassFile {
		extracted = ExtractText(mimeType, uploaded.Data)
	}

	file := store.ConversationFile{
		ConversationID: conversationID,
		OriginalName:   uploaded.OriginalName,
		StoredPath:     storedPath,
		SHA256:         hash,
		MIME:           mimeType,
		Size:           int64(len(uploaded.Data)),
		ExtractedText:  extracted,
	}

	created, err := p.store.InsertFileTx(ctx, tx, file)
	if err != nil {
		return store.ConversationFile{}, apperror.Internal("recording upload", err)
	}
	return created, nil
}

func (p *Pipeline) writeToDisk(hash, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(p.uploadsRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads root: %w", err)
	}
	path := filepath.Join(p.uploadsRoot, hash+ext)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	return path, nil
}

// ReadStored reads the bytes previously written for a ConversationFile.
func (p *Pipeline) ReadStored(f store.ConversationFile) ([]byte, error) {
	data, err := os.ReadFile(f.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("reading stored file: %w", err)
	}
	return data, nil
}
