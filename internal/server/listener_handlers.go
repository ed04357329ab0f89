package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/workers"
)

func (s *Server) handleCreateListener(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	var req struct {
		SourceChatID    int64  `json:"source_chat_id"`
		SourceChatTitle string `json:"source_chat_title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SourceChatID == 0 || req.SourceChatTitle == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}

	listener, err := s.sup.StartListener(r.Context(), u.ID, req.SourceChatID, req.SourceChatTitle)
	if err != nil {
		s.respondWorkerStartError(w, err, codeListenerExists)
		return
	}

	s.log.Info().Int64("user_id", u.ID).Int64("listener_id", listener.ID).
		Int64("source_chat_id", req.SourceChatID).Msg("listener started")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"listener": listener,
	})
}

func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	listeners, err := s.db.ListListenerSummaries(u.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", u.ID).Msg("listener list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if listeners == nil {
		listeners = []*database.ListenerSummary{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"listeners": listeners,
	})
}

func (s *Server) handleStopListener(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listenerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.sup.StopListener(r.Context(), listenerID, u.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("listener_id", listenerID).Msg("listener stop failed")
		respondError(w, http.StatusInternalServerError, "Impossibile fermare il listener")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Listener fermato",
	})
}

func (s *Server) handleStartListener(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listenerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	listener, err := s.sup.RestartListener(r.Context(), listenerID, u.ID)
	if err != nil {
		if errors.Is(err, workers.ErrListenerActive) {
			respondCode(w, http.StatusConflict, codeListenerActive)
			return
		}
		s.respondWorkerStartError(w, err, codeListenerExists)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"listener": listener,
	})
}

func (s *Server) handleDeleteListener(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listenerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.sup.RemoveListener(r.Context(), listenerID, u.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("listener_id", listenerID).Msg("listener removal failed")
		respondError(w, http.StatusInternalServerError, "Impossibile rimuovere il listener")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Listener rimosso",
	})
}

// ownListener resolves the listener and enforces ownership, answering
// the request itself when it fails.
func (s *Server) ownListener(w http.ResponseWriter, r *http.Request) (*database.Listener, bool) {
	u := auth.GetUserFromContext(r.Context())
	listenerID, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}

	listener, err := s.db.GetListener(listenerID, u.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return nil, false
		}
		s.log.Error().Err(err).Int64("listener_id", listenerID).Msg("listener lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return nil, false
	}
	return listener, true
}

// pushElaborations refreshes the worker's pipeline file after a
// mutation. A push failure does not undo the database change; the
// worker catches up on its next restart.
func (s *Server) pushElaborations(r *http.Request, listenerID, userID int64) {
	if err := s.sup.PushElaborations(r.Context(), listenerID, userID); err != nil {
		s.log.Warn().Err(err).Int64("listener_id", listenerID).Msg("elaboration push failed")
	}
}

func (s *Server) handleCreateElaboration(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}

	var req struct {
		Name     string          `json:"name"`
		Type     string          `json:"elaboration_type"`
		Config   json.RawMessage `json:"config"`
		Priority int             `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Config) == 0 {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}
	if req.Type != database.ElaborationTypeExtractor && req.Type != database.ElaborationTypeRedirect {
		respondError(w, http.StatusBadRequest, "Tipo di elaborazione non valido: usa extractor o redirect")
		return
	}

	elab, err := s.db.CreateElaboration(r.Context(), listener.ID, req.Name, req.Type, req.Config, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrRedirectExists):
			respondCode(w, http.StatusConflict, codeRedirectExists)
		case errors.Is(err, database.ErrDuplicate):
			respondError(w, http.StatusConflict, "Esiste già un'elaborazione con questo nome")
		default:
			s.log.Error().Err(err).Int64("listener_id", listener.ID).Msg("elaboration insert failed")
			respondCode(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	s.pushElaborations(r, listener.ID, u.ID)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":     true,
		"elaboration": elab,
	})
}

func (s *Server) handleListElaborations(w http.ResponseWriter, r *http.Request) {
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}

	elabs, err := s.db.ListElaborations(listener.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("listener_id", listener.ID).Msg("elaboration list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if elabs == nil {
		elabs = []*database.Elaboration{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"elaborations": elabs,
	})
}

func (s *Server) handleUpdateElaboration(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}
	elabID, ok := pathID(w, r, "eid")
	if !ok {
		return
	}

	var req struct {
		Config   json.RawMessage `json:"config"`
		Priority *int            `json:"priority"`
		IsActive *bool           `json:"is_active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// The redirect singleton needs no re-check here: the type is not
	// updatable, so an update can never mint a second redirect row.
	elab, err := s.db.UpdateElaboration(elabID, listener.ID, req.Config, req.Priority, req.IsActive)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("elaboration_id", elabID).Msg("elaboration update failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	s.pushElaborations(r, listener.ID, u.ID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"elaboration": elab,
	})
}

func (s *Server) handleDeleteElaboration(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}
	elabID, ok := pathID(w, r, "eid")
	if !ok {
		return
	}

	if err := s.db.DeleteElaboration(elabID, listener.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusNotFound, codeNotFound)
			return
		}
		s.log.Error().Err(err).Int64("elaboration_id", elabID).Msg("elaboration delete failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	s.pushElaborations(r, listener.ID, u.ID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Elaborazione rimossa",
	})
}

func (s *Server) handleListenerMessages(w http.ResponseWriter, r *http.Request) {
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)

	messages, err := s.db.ListSavedMessages(listener.ID, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Int64("listener_id", listener.ID).Msg("saved message list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if messages == nil {
		messages = []*database.SavedMessage{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleExtractedValues(w http.ResponseWriter, r *http.Request) {
	listener, ok := s.ownListener(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)

	values, err := s.db.ListExtractedValuesForListener(listener.ID, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Int64("listener_id", listener.ID).Msg("extracted value list failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if values == nil {
		values = []*database.ListenerExtractedValue{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"extracted_values": values,
		"limit":            limit,
		"offset":           offset,
	})
}
