package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/telegram"
	"github.com/solanagram/backend/internal/workers"
)

// listenerWorker saves every message of the source chat and runs the
// configured elaborations over it: extractors pull substrings into
// elaboration_extracted_values, a redirect forwards the message to
// another chat. The supervisor rewrites elaborations.json and sends
// SIGHUP when the pipeline changes.
type listenerWorker struct {
	db          *database.DB
	cfg         *workers.WorkerConfig
	apiHash     string
	sessionPath string
	configDir   string
	log         zerolog.Logger

	elaborations []workers.ElaborationConfig
	reload       chan os.Signal
}

func (w *listenerWorker) run(ctx context.Context) error {
	w.log.Info().Int64("source_chat_id", w.cfg.SourceChatID).Msg("listener worker starting")

	w.reload = make(chan os.Signal, 1)
	signal.Notify(w.reload, syscall.SIGHUP)
	defer signal.Stop(w.reload)

	w.loadElaborations()

	attempts := 0
	for {
		up, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info().Msg("listener worker stopped")
			return nil
		}

		if telegram.IsClass(err, telegram.ClassAuthorizationLost) {
			if derr := w.db.MarkListenerError(w.cfg.ListenerID, "telegram authorization revoked"); derr != nil {
				w.log.Error().Err(derr).Msg("failed to mark listener error")
			}
			return err
		}

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

func (w *listenerWorker) runOnce(ctx context.Context) (bool, error) {
	handler := telegram.NewMessageHandler(w.cfg.SourceChatID, w.log)
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

	w.log.Info().Int64("source_chat_id", w.cfg.SourceChatID).Int("elaborations", len(w.elaborations)).Msg("listening for messages")

	alive := time.NewTicker(livenessInterval)
	defer alive.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-w.reload:
			w.loadElaborations()
		case msg := <-handler.Messages():
			w.process(ctx, client, msg)
		case <-alive.C:
			if !client.Connected() {
				return true, errClientGone()
			}
		}
	}
}

// process saves the message and feeds it through the pipeline. A
// duplicate delivery skips the pipeline entirely: every elaboration
// already ran when the first copy arrived.
func (w *listenerWorker) process(ctx context.Context, client *telegram.Client, msg telegram.IncomingMessage) {
	saved := &database.SavedMessage{
		ListenerID:  w.cfg.ListenerID,
		UserID:      w.cfg.UserID,
		MessageID:   int64(msg.ID),
		MessageData: messageData(msg),
	}
	if msg.SenderID != 0 {
		saved.SenderID = &msg.SenderID
	}
	if msg.SenderName != "" {
		saved.SenderName = &msg.SenderName
	}
	if msg.Text != "" {
		saved.MessageText = &msg.Text
	}
	date := msg.Date
	saved.MessageDate = &date

	savedID, inserted, err := w.db.InsertSavedMessage(saved)
	if err != nil {
		w.log.Error().Err(err).Int("message_id", msg.ID).Msg("failed to save message")
		return
	}
	if !inserted {
		w.log.Debug().Int("message_id", msg.ID).Msg("duplicate message skipped")
		return
	}

	for _, elab := range w.elaborations {
		switch elab.Type {
		case database.ElaborationTypeExtractor:
			w.applyExtractor(elab, msg, savedID)
		case database.ElaborationTypeRedirect:
			w.applyRedirect(ctx, client, elab, msg)
		default:
			w.log.Warn().Str("type", elab.Type).Int64("elaboration_id", elab.ID).Msg("unknown elaboration type")
		}
	}
}

func (w *listenerWorker) applyExtractor(elab workers.ElaborationConfig, msg telegram.IncomingMessage, savedID int64) {
	var cfg extractorConfig
	if err := json.Unmarshal(elab.Config, &cfg); err != nil {
		w.recordError(elab.ID, "invalid extractor config: "+err.Error())
		return
	}

	values := extractValues(msg.Text, cfg.Rules)
	for _, v := range values {
		pos := v.Position
		_, err := w.db.InsertExtractedValue(&database.ExtractedValue{
			ElaborationID:      elab.ID,
			SavedMessageID:     savedID,
			MessageID:          int64(msg.ID),
			RuleName:           v.RuleName,
			SearchText:         v.SearchText,
			ExtractedValue:     v.Value,
			OccurrenceIndex:    v.Occurrence,
			ExtractionPosition: &pos,
		})
		if err != nil {
			w.recordError(elab.ID, "extracted value insert failed: "+err.Error())
			return
		}
		w.log.Info().Str("rule", v.RuleName).Str("value", v.Value).Msg("value extracted")
	}
	if len(values) > 0 {
		w.recordProcessed(elab.ID)
	}
}

func (w *listenerWorker) applyRedirect(ctx context.Context, client *telegram.Client, elab workers.ElaborationConfig, msg telegram.IncomingMessage) {
	var cfg redirectConfig
	if err := json.Unmarshal(elab.Config, &cfg); err != nil {
		w.recordError(elab.ID, "invalid redirect config: "+err.Error())
		return
	}
	if cfg.TargetChatID == 0 {
		w.recordError(elab.ID, "redirect has no target_chat_id")
		return
	}

	fwdCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := client.ForwardMessage(fwdCtx, w.cfg.SourceChatID, cfg.TargetChatID, msg.ID)
	cancel()

	// A rate limited forward gets exactly one retry after the server's
	// wait. Anything still failing after that lands in the error counter.
	if ce, ok := telegram.AsClassified(err); ok && ce.Class == telegram.ClassFloodWait {
		w.log.Warn().Dur("retry_after", ce.RetryAfter).Int64("target", cfg.TargetChatID).Msg("forward rate limited, retrying once")
		select {
		case <-ctx.Done():
			return
		case <-time.After(ce.RetryAfter):
		}
		fwdCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		err = client.ForwardMessage(fwdCtx, w.cfg.SourceChatID, cfg.TargetChatID, msg.ID)
		cancel()
	}
	if err != nil {
		w.log.Error().Err(err).Int64("target", cfg.TargetChatID).Int("message_id", msg.ID).Msg("forward failed")
		w.recordError(elab.ID, err.Error())
		return
	}
	w.recordProcessed(elab.ID)
}

func (w *listenerWorker) recordProcessed(elaborationID int64) {
	if err := w.db.RecordElaborationProcessed(elaborationID); err != nil {
		w.log.Error().Err(err).Int64("elaboration_id", elaborationID).Msg("failed to update elaboration counters")
	}
}

func (w *listenerWorker) recordError(elaborationID int64, message string) {
	w.log.Warn().Int64("elaboration_id", elaborationID).Str("error", message).Msg("elaboration failed")
	if err := w.db.RecordElaborationError(elaborationID, message); err != nil {
		w.log.Error().Err(err).Int64("elaboration_id", elaborationID).Msg("failed to record elaboration error")
	}
}

// loadElaborations re-reads elaborations.json. A missing file means an
// empty pipeline, not an error; a broken file keeps the previous one.
func (w *listenerWorker) loadElaborations() {
	path := filepath.Join(w.configDir, workers.ElaborationsFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		w.elaborations = nil
		w.log.Info().Msg("no elaborations configured")
		return
	}
	if err != nil {
		w.log.Error().Err(err).Msg("failed to read elaborations, keeping current pipeline")
		return
	}

	var elabs []workers.ElaborationConfig
	if err := json.Unmarshal(raw, &elabs); err != nil {
		w.log.Error().Err(err).Msg("failed to parse elaborations, keeping current pipeline")
		return
	}

	sort.SliceStable(elabs, func(i, j int) bool {
		if elabs[i].Priority != elabs[j].Priority {
			return elabs[i].Priority < elabs[j].Priority
		}
		return elabs[i].ID < elabs[j].ID
	})
	w.elaborations = elabs
	w.log.Info().Int("elaborations", len(elabs)).Msg("elaborations loaded")
}
