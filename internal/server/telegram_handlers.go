package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/telegram"
)

// handleGetChats lists the groups, supergroups and channels of the
// user's account. The dialog walk returns every chat type; private
// conversations are dropped here because nothing in the dashboard can
// target them.
func (s *Server) handleGetChats(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	user, err := s.db.GetUserByID(u.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Utente non trovato")
			return
		}
		s.log.Error().Err(err).Msg("user lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if user.TelegramSession == nil {
		respondCode(w, http.StatusUnauthorized, codeSessionExpired)
		return
	}

	var all []telegram.Chat
	err = s.telegramOp(r, "get_chats", func(ctx context.Context) error {
		return s.manager.Do(ctx, user, func(ctx context.Context, conn *clients.Conn) error {
			chats, err := conn.Client.GetChats(ctx)
			if err != nil {
				return err
			}
			all = chats
			return nil
		})
	})
	if err != nil {
		s.respondTelegramError(w, err)
		return
	}

	groups := make([]telegram.Chat, 0, len(all))
	for _, chat := range all {
		switch chat.Type {
		case "group", "supergroup", "channel":
			groups = append(groups, chat)
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"chats":   groups,
	})
}
