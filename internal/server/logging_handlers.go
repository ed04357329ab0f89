package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/workers"
)

func (s *Server) handleStartLoggingSession(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	var req struct {
		ChatID       int64  `json:"chat_id"`
		ChatTitle    string `json:"chat_title"`
		ChatUsername string `json:"chat_username"`
		ChatType     string `json:"chat_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChatID == 0 || req.ChatTitle == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}

	session, err := s.sup.StartLogging(r.Context(), u.ID, req.ChatID, req.ChatTitle, req.ChatUsername, req.ChatType)
	if err != nil {
		s.respondWorkerStartError(w, err, codeSessionActive)
		return
	}

	s.log.Info().Int64("user_id", u.ID).Int64("chat_id", req.ChatID).
		Int64("session_id", session.ID).Msg("logging session started")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"session": session,
	})
}

// respondWorkerStartError maps the shared failure modes of starting a
// worker. conflictCode distinguishes the duplicate answer: logging
// sessions conflict per chat, listeners per (user, chat) row.
func (s *Server) respondWorkerStartError(w http.ResponseWriter, err error, conflictCode string) {
	switch {
	case errors.Is(err, database.ErrDuplicate):
		respondCode(w, http.StatusConflict, conflictCode)
	case errors.Is(err, workers.ErrNoTelegramSession):
		respondCode(w, http.StatusUnauthorized, codeSessionExpired)
	case errors.Is(err, workers.ErrMissingCredentials):
		respondCode(w, http.StatusBadRequest, codeAPICredentialsNotSet)
	case errors.Is(err, database.ErrNotFound):
		respondCode(w, http.StatusNotFound, codeNotFound)
	default:
		s.log.Error().Err(err).Msg("worker start failed")
		respondError(w, http.StatusInternalServerError, "Impossibile avviare il worker")
	}
}

func (s *Server) handleListLoggingSessions(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	sessions, err := s.db.ListActiveSessionsForUser(u.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", u.ID).Msg("session list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if sessions == nil {
		sessions = []*database.LoggingSession{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": sessions,
	})
}

func (s *Server) handleStopLoggingSession(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.sup.StopLogging(r.Context(), sessionID, u.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("session stop failed")
		respondError(w, http.StatusInternalServerError, "Impossibile fermare la sessione")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Sessione fermata",
	})
}

func (s *Server) handleDeleteLoggingSession(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.sup.RemoveLogging(r.Context(), sessionID, u.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("session removal failed")
		respondError(w, http.StatusInternalServerError, "Impossibile rimuovere la sessione")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Sessione rimossa",
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	sessionID, ok := pathID(w, r, "session_id")
	if !ok {
		return
	}
	limit, offset := pageParams(r)

	// Ownership check before touching the logs.
	if _, err := s.db.GetLoggingSession(sessionID, u.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Msg("session lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	messages, err := s.db.ListMessagesBySession(sessionID, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("message list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if messages == nil {
		messages = []*database.MessageLog{}
	}
	total, err := s.db.CountMessagesBySession(sessionID)
	if err != nil {
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("message count failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleChatLoggingStatus(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	chatID, ok := pathID(w, r, "chat_id")
	if !ok {
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"active":  false,
	}

	if stats, err := s.db.GetChatLoggingStats(u.ID, chatID); err == nil {
		resp["stats"] = stats
	} else if !errors.Is(err, database.ErrNotFound) {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("chat stats lookup failed")
	}

	session, err := s.db.GetActiveSessionForChat(u.ID, chatID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondJSON(w, http.StatusOK, resp)
			return
		}
		s.log.Error().Err(err).Msg("active session lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	resp["active"] = true
	resp["session"] = session

	if session.ContainerName != nil {
		state, err := s.sup.InspectWorker(r.Context(), *session.ContainerName)
		if err != nil {
			resp["container_status"] = "not_found"
		} else {
			resp["container_status"] = state.Status
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// pathID parses an int64 path segment, answering the 400 itself when it
// does not parse. Chat IDs are negative for groups and channels.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Identificatore non valido")
		return 0, false
	}
	return id, true
}

// pageParams reads limit and offset. Limit caps at 1000 so one request
// cannot drag a whole chat history through the API.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
