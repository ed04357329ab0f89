package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/authflow"
	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/database"
)

// E.164 with 10 to 15 digits after the plus.
var phoneRE = regexp.MustCompile(`^\+\d{10,15}$`)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone    string `json:"phone"`
		Password string `json:"password"`
		APIID    int    `json:"api_id"`
		APIHash  string `json:"api_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Password == "" || req.APIHash == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}
	if !phoneRE.MatchString(req.Phone) {
		respondCode(w, http.StatusBadRequest, codeInvalidPhone)
		return
	}
	if req.APIID <= 0 {
		respondCode(w, http.StatusBadRequest, codeInvalidAPIID)
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("password hashing failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	apiHashEncrypted, err := s.enc.EncryptString(req.APIHash)
	if err != nil {
		s.log.Error().Err(err).Msg("api hash encryption failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	user, err := s.db.CreateUser(req.Phone, passwordHash, req.APIID, apiHashEncrypted)
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			respondCode(w, http.StatusConflict, codePhoneExists)
			return
		}
		s.log.Error().Err(err).Str("phone", req.Phone).Msg("user insert failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	s.log.Info().Int64("user_id", user.ID).Str("phone", user.Phone).Msg("user registered")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Registrazione completata",
		"user_id": user.ID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	success := false
	defer func() {
		s.logins.Record(time.Since(start), success)
	}()

	var req struct {
		Phone    string `json:"phone_number"`
		Password string `json:"password"`
		ForceNew bool   `json:"force_new_code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Password == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}

	user, err := s.db.GetUserByPhone(req.Phone)
	if err != nil {
		// The same answer as a wrong password: login must not reveal
		// which phones are registered.
		if errors.Is(err, database.ErrNotFound) {
			respondCode(w, http.StatusUnauthorized, codeInvalidCredentials)
			return
		}
		s.log.Error().Err(err).Msg("user lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		respondCode(w, http.StatusUnauthorized, codeInvalidCredentials)
		return
	}
	if user.APIID == nil || user.APIHashEncrypted == nil {
		respondCode(w, http.StatusBadRequest, codeAPICredentialsNotSet)
		return
	}

	var status authflow.Status
	err = s.telegramOp(r, "send_code", func(ctx context.Context) error {
		var serr error
		status, serr = s.flow.SendCode(ctx, user, req.ForceNew)
		return serr
	})
	if err != nil {
		if errors.Is(err, authflow.ErrMissingCredentials) {
			respondCode(w, http.StatusBadRequest, codeAPICredentialsNotSet)
			return
		}
		s.respondTelegramError(w, err)
		return
	}

	if err := s.db.TouchLastLogin(user.ID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to update last login")
	}

	success = true
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": string(status),
	})
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone    string `json:"phone_number"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Code == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}

	user, err := s.db.GetUserByPhone(req.Phone)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Utente non trovato")
			return
		}
		s.log.Error().Err(err).Msg("user lookup failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	var result authflow.VerifyResult
	err = s.telegramOp(r, "verify_code", func(ctx context.Context) error {
		var verr error
		result, verr = s.flow.Verify(ctx, user, req.Code, req.Password)
		return verr
	})
	if err != nil {
		if errors.Is(err, authflow.ErrNoPendingCode) {
			respondCode(w, http.StatusBadRequest, codeNoPendingCode)
			return
		}
		if errors.Is(err, authflow.ErrMissingCredentials) {
			respondCode(w, http.StatusBadRequest, codeAPICredentialsNotSet)
			return
		}
		s.respondTelegramError(w, err)
		return
	}
	if result == authflow.VerifyNeeds2FA {
		respondCode(w, http.StatusBadRequest, code2FARequired)
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Phone)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("token issue failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"message":       "Verifica completata con successo",
		"session_token": token,
		"user": map[string]interface{}{
			"id":    user.ID,
			"phone": user.Phone,
		},
	})
}

func (s *Server) handleCheckCachedCode(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		respondError(w, http.StatusBadRequest, "Numero di telefono richiesto")
		return
	}

	code, ok := s.flow.CachedCode(phone)
	resp := map[string]interface{}{
		"success":         true,
		"has_cached_code": ok,
	}
	if ok {
		resp["cached_code"] = code
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCachedCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" {
		respondError(w, http.StatusBadRequest, "Numero di telefono richiesto")
		return
	}

	s.flow.Clear(req.Phone)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Codice in cache cancellato",
	})
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
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

	var conn *clients.Conn
	err = s.telegramOp(r, "validate_session", func(ctx context.Context) error {
		var cerr error
		conn, cerr = s.manager.EnsureConnected(ctx, user)
		return cerr
	})
	if err != nil {
		s.respondTelegramError(w, err)
		return
	}
	// The probe clears the stored blob itself when Telegram revoked it.
	if !conn.Authorized {
		respondCode(w, http.StatusUnauthorized, codeSessionExpired)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"valid":   true,
		"user": map[string]interface{}{
			"id":    user.ID,
			"phone": user.Phone,
		},
	})
}

func (s *Server) handleReactivateSession(w http.ResponseWriter, r *http.Request) {
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

	var alive bool
	err = s.telegramOp(r, "reactivate_session", func(ctx context.Context) error {
		var rerr error
		alive, rerr = s.flow.Reactivate(ctx, user)
		return rerr
	})
	if err != nil {
		if errors.Is(err, authflow.ErrMissingCredentials) {
			respondCode(w, http.StatusBadRequest, codeAPICredentialsNotSet)
			return
		}
		s.respondTelegramError(w, err)
		return
	}
	if alive {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "session_active",
			"phone":   user.Phone,
		})
		return
	}

	// Authorization is gone for good; start a fresh login code.
	var status authflow.Status
	err = s.telegramOp(r, "send_code", func(ctx context.Context) error {
		var serr error
		status, serr = s.flow.SendCode(ctx, user, false)
		return serr
	})
	if err != nil {
		s.respondTelegramError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": string(status),
		"phone":   user.Phone,
	})
}

func (s *Server) handleVerifySessionCode(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	var req struct {
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

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

	// No code in the request falls back to the cached one from the
	// last verified login.
	code := req.Code
	if code == "" {
		cached, ok := s.flow.CachedCode(user.Phone)
		if !ok {
			respondCode(w, http.StatusBadRequest, codeNoPendingCode)
			return
		}
		code = cached
	}

	var result authflow.VerifyResult
	err = s.telegramOp(r, "verify_code", func(ctx context.Context) error {
		var verr error
		result, verr = s.flow.Verify(ctx, user, code, req.Password)
		return verr
	})
	if err != nil {
		if errors.Is(err, authflow.ErrNoPendingCode) {
			respondCode(w, http.StatusBadRequest, codeNoPendingCode)
			return
		}
		s.respondTelegramError(w, err)
		return
	}
	if result == authflow.VerifyNeeds2FA {
		respondCode(w, http.StatusBadRequest, code2FARequired)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Sessione riattivata con successo",
	})
}

func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	var req struct {
		APIID   int    `json:"api_id"`
		APIHash string `json:"api_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.APIHash == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}
	if req.APIID <= 0 {
		respondCode(w, http.StatusBadRequest, codeInvalidAPIID)
		return
	}

	apiHashEncrypted, err := s.enc.EncryptString(req.APIHash)
	if err != nil {
		s.log.Error().Err(err).Msg("api hash encryption failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	if err := s.db.UpdateUserCredentials(u.ID, req.APIID, apiHashEncrypted); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Utente non trovato")
			return
		}
		s.log.Error().Err(err).Int64("user_id", u.ID).Msg("credential update failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	// The cached client was built on the old credentials.
	s.manager.Dispose(u.Phone)

	s.log.Info().Int64("user_id", u.ID).Msg("api credentials updated")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Credenziali aggiornate. Effettua nuovamente il login su Telegram",
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		respondCode(w, http.StatusBadRequest, codeRequiredFields)
		return
	}

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
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		respondError(w, http.StatusUnauthorized, "Password attuale non corretta")
		return
	}

	newHash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.log.Error().Err(err).Msg("password hashing failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if err := s.db.UpdateUserPassword(user.ID, newHash); err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("password update failed")
		respondCode(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Password aggiornata",
	})
}

// handleLogout drops the cached client. The stored session blob stays:
// logging out of the dashboard does not revoke the Telegram login.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	u := auth.GetUserFromContext(r.Context())

	s.manager.Dispose(u.Phone)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "logged_out",
	})
}
