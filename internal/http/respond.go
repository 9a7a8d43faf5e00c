package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
	"github.com/Galaxerum/dif-bot/internal/service/auth"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
	"github.com/Galaxerum/dif-bot/internal/service/participant"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, allocation.ErrInvalidTeamSize),
		errors.Is(err, allocation.ErrInvalidQuota),
		errors.Is(err, participant.ErrInvalidParticipant),
		errors.Is(err, domain.ErrMalformedTags),
		errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCode):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, participant.ErrNotAssigned):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, auth.ErrAuthDisabled),
		errors.Is(err, distribution.ErrNotifyDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
