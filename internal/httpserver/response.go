package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, kind, message string) {
	Respond(w, status, ErrorResponse{Error: kind, Message: message})
}

// RespondAppError maps any error to its taxonomy status and writes it. Errors
// that don't wrap *apperror.Error are treated as internal and logged, never
// echoing their raw message to the client — except the two bare store
// sentinels, which handlers are allowed to propagate unwrapped since their
// mapping is always the same regardless of call site.
func RespondAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if e, ok := apperror.As(err); ok {
		RespondError(w, apperror.HTTPStatus(e.Kind), string(e.Kind), e.Message)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		RespondError(w, http.StatusNotFound, string(apperror.KindNotFound), "not found")
		return
	}
	if errors.Is(err, store.ErrConflict) {
		RespondError(w, http.StatusConflict, string(apperror.KindConflict), "conflict")
		return
	}
	logger.Error("unhandled error", "error", err)
	RespondError(w, http.StatusInternalServerError, string(apperror.KindInternal), "internal error")
}
