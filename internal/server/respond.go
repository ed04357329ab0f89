package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/metrics"
	"github.com/solanagram/backend/internal/telegram"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// respondCode writes the catalog message for a stable error code.
func respondCode(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, map[string]interface{}{
		"success":    false,
		"error":      errorMessage(code),
		"error_code": code,
	})
}

// respondTelegramError maps a failure from the Telegram side of the
// house to its HTTP shape. Timeouts are checked before classification:
// the transport classifier also swallows deadline errors, but an API
// caller needs the 504.
func (s *Server) respondTelegramError(w http.ResponseWriter, err error) {
	if errors.Is(err, clients.ErrSystemBusy) {
		respondCode(w, http.StatusServiceUnavailable, codeSystemBusy)
		return
	}
	if errors.Is(err, clients.ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		respondCode(w, http.StatusGatewayTimeout, codeOperationTimeout)
		return
	}
	if errors.Is(err, clients.ErrConnectUnavailable) {
		respondCode(w, http.StatusServiceUnavailable, codeSystemBusy)
		return
	}

	ce, ok := telegram.AsClassified(err)
	if !ok {
		s.log.Error().Err(err).Msg("unclassified telegram failure")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	metrics.TelegramErrors.WithLabelValues(string(ce.Class)).Inc()

	switch ce.Class {
	case telegram.ClassFloodWait:
		// Flood answers carry the bare code in error, not the catalog
		// message; clients key the countdown off retry_after.
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"success":     false,
			"error":       codeFloodWait,
			"error_code":  codeFloodWait,
			"retry_after": ce.Seconds(),
		})
	case telegram.ClassAuthorizationLost:
		respondCode(w, http.StatusUnauthorized, codeSessionExpired)
	case telegram.ClassNeeds2FA:
		respondCode(w, http.StatusBadRequest, code2FARequired)
	case telegram.ClassPasswordInvalid:
		respondCode(w, http.StatusBadRequest, code2FAInvalid)
	case telegram.ClassCodeInvalid:
		respondCode(w, http.StatusBadRequest, codeCodeInvalid)
	case telegram.ClassCodeExpired:
		respondCode(w, http.StatusBadRequest, codeCodeExpired)
	case telegram.ClassCredentialsInvalid:
		respondCode(w, http.StatusBadRequest, codeCredentialsInvalid)
	case telegram.ClassTransport:
		respondCode(w, http.StatusServiceUnavailable, codeSystemBusy)
	default:
		s.log.Error().Err(err).Str("class", string(ce.Class)).Msg("telegram operation failed")
		respondCode(w, http.StatusInternalServerError, codeTelegramError)
	}
}

// decodeBody parses the JSON request body into v, answering the 400
// itself on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Corpo della richiesta non valido")
		return false
	}
	return true
}
