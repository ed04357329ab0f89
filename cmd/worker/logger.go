package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/telegram"
	"github.com/solanagram/backend/internal/workers"
)

const (
	connectTimeout = 8 * time.Second
	probeTimeout   = 5 * time.Second

	// Reconnect schedule: attempt n waits n*reconnectStep capped at
	// reconnectCap. After maxReconnectAttempts consecutive failures the
	// process exits and the container restart policy takes over.
	reconnectStep        = 5 * time.Second
	reconnectCap         = 60 * time.Second
	maxReconnectAttempts = 10

	// livenessInterval is how often the run loop checks that the client
	// is still up while no messages arrive.
	livenessInterval = 5 * time.Second
)

// errClientGone marks a run loop that died underneath the worker; the
// class makes the reconnect path treat it like any other dropped link.
func errClientGone() error {
	return &telegram.ClassifiedError{Class: telegram.ClassTransport, Message: "client run loop ended"}
}

func reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * reconnectStep
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

// loggerWorker captures every message of one chat into message_logs.
type loggerWorker struct {
	db          *database.DB
	cfg         *workers.WorkerConfig
	apiHash     string
	sessionPath string
	log         zerolog.Logger
}

func (w *loggerWorker) run(ctx context.Context) error {
	w.log.Info().Int64("chat_id", w.cfg.ChatID).Msg("logger worker starting")

	attempts := 0
	for {
		up, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info().Msg("logger worker stopped")
			return nil
		}

		// A revoked authorization cannot heal by reconnecting; park the
		// session row in error and let the owner re-authenticate.
		if telegram.IsClass(err, telegram.ClassAuthorizationLost) {
			if derr := w.db.MarkSessionError(w.cfg.SessionID, "telegram authorization revoked"); derr != nil {
				w.log.Error().Err(derr).Msg("failed to mark session error")
			}
			return err
		}

		// The attempt counter tracks consecutive failures to come up, not
		// total drops over the worker lifetime.
		if up {
			attempts = 0
		}
		attempts++
		if attempts > maxReconnectAttempts {
			w.log.Error().Err(err).Int("attempts", maxReconnectAttempts).Msg("reconnect attempts exhausted, exiting")
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		delay := reconnectDelay(attempts)
		w.log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce builds a fresh client and pumps messages until the link dies.
// The bool reports whether the connection ever came up.
func (w *loggerWorker) runOnce(ctx context.Context) (bool, error) {
	handler := telegram.NewMessageHandler(w.cfg.ChatID, w.log)
	client, err := telegram.NewClient(telegram.ClientConfig{
		APIID:         w.cfg.APIID,
		APIHash:       w.apiHash,
		Phone:         w.cfg.Phone,
		Storage:       &telegram.FileSessionStorage{Path: w.sessionPath},
		Logger:        w.log,
		UpdateHandler: handler,
	})
	if err != nil {
		return false, err
	}
	defer client.Close()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	_, err = client.Self(probeCtx)
	cancel()
	if err != nil {
		return false, err
	}

	w.log.Info().Int64("chat_id", w.cfg.ChatID).Msg("listening for messages")

	alive := time.NewTicker(livenessInterval)
	defer alive.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg := <-handler.Messages():
			w.store(msg)
		case <-alive.C:
			if !client.Connected() {
				return true, errClientGone()
			}
		}
	}
}

func (w *loggerWorker) store(msg telegram.IncomingMessage) {
	entry := &database.MessageLog{
		LoggingSessionID: w.cfg.SessionID,
		ChatID:           msg.ChatID,
		MessageID:        int64(msg.ID),
		MessageData:      messageData(msg),
	}
	if msg.SenderID != 0 {
		entry.SenderID = &msg.SenderID
	}
	if msg.SenderUsername != "" {
		entry.SenderUsername = &msg.SenderUsername
	}
	if msg.Text != "" {
		entry.MessageText = &msg.Text
	}

	inserted, err := w.db.InsertMessageLog(entry)
	if err != nil {
		w.log.Error().Err(err).Int("message_id", msg.ID).Msg("failed to log message")
		return
	}
	if !inserted {
		// Telegram re-delivered the update; the unique index already
		// holds the first copy.
		w.log.Debug().Int("message_id", msg.ID).Msg("duplicate message skipped")
		return
	}
	w.log.Debug().Int("message_id", msg.ID).Msg("message logged")
}

// messageData serializes the envelope flags next to the text columns.
func messageData(msg telegram.IncomingMessage) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"chat_id":        msg.ChatID,
		"date":           msg.Date.Format(time.RFC3339),
		"has_media":      msg.HasMedia,
		"out":            msg.Out,
		"mentioned":      msg.Mentioned,
		"media_unread":   msg.MediaUnread,
		"silent":         msg.Silent,
		"post":           msg.Post,
		"from_scheduled": msg.FromScheduled,
		"legacy":         msg.Legacy,
		"edit_hide":      msg.EditHide,
		"pinned":         msg.Pinned,
		"noforwards":     msg.Noforwards,
		"invert_media":   msg.InvertMedia,
	})
	if err != nil {
		return nil
	}
	return raw
}
