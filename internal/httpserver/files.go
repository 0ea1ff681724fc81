package httpserver

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

type fileResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MIME      string `json:"type"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

func fileResponseFrom(f store.ConversationFile) fileResponse {
	return fileResponse{
		ID:        f.ID,
		Name:      f.OriginalName,
		MIME:      f.MIME,
		Size:      f.Size,
		URL:       FileURL(f),
		CreatedAt: f.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// FileURL renders the URL a client uses to fetch one attachment — the same
// shape the message-meta sentinel embeds, per spec.md §4.6. It is exported so
// cmd/openclaw-proxy can hand it to the orchestrator as its fileURL callback.
func FileURL(f store.ConversationFile) string {
	return "/v1/files/" + f.ID
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	var created store.ConversationFile
	err := s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
		if _, err := s.store.GetConversationOwnedTx(r.Context(), tx, convID, id.token.ID); err != nil {
			return err
		}
		f, err := s.files.Ingest(r.Context(), tx, r.Header.Get("Content-Type"), r.Body, convID)
		if err != nil {
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusCreated, fileResponseFrom(created))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())
	fileID := chi.URLParam(r, "id")

	f, err := s.store.GetFileByIDForToken(r.Context(), fileID, id.token.ID)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	data, err := s.files.ReadStored(f)
	if err != nil {
		RespondAppError(w, s.logger, apperror.Internal("reading stored file", err))
		return
	}

	w.Header().Set("Content-Type", f.MIME)
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.OriginalName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
