package telegram

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
)

// IncomingMessage is one new message seen on the update stream,
// normalized to marked chat ids.
type IncomingMessage struct {
	ID             int
	ChatID         int64
	SenderID       int64
	SenderName     string
	SenderUsername string
	Text           string
	Date           time.Time
	HasMedia       bool

	Out           bool
	Mentioned     bool
	MediaUnread   bool
	Silent        bool
	Post          bool
	FromScheduled bool
	Legacy        bool
	EditHide      bool
	Pinned        bool
	Noforwards    bool
	InvertMedia   bool
}

// MessageHandler consumes Telegram updates and emits new messages on a
// channel, optionally filtered to a single marked chat id. It satisfies
// telegram.UpdateHandler, so it plugs straight into ClientConfig.
type MessageHandler struct {
	chatID   int64
	log      zerolog.Logger
	messages chan IncomingMessage
	users    map[int64]*tg.User
}

// NewMessageHandler builds a handler. chatID filters the stream to one
// marked chat; pass 0 to receive every chat.
func NewMessageHandler(chatID int64, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		chatID:   chatID,
		log:      logger,
		messages: make(chan IncomingMessage, 100),
		users:    make(map[int64]*tg.User),
	}
}

// Messages returns the channel new messages arrive on.
func (h *MessageHandler) Messages() <-chan IncomingMessage {
	return h.messages
}

// Handle processes a Telegram update batch. gotd delivers updates from
// a single goroutine, so the entity cache needs no locking.
func (h *MessageHandler) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	switch u := updates.(type) {
	case *tg.Updates:
		h.cacheEntities(u.Users)
		for _, upd := range u.Updates {
			h.handleSingle(upd)
		}
	case *tg.UpdatesCombined:
		h.cacheEntities(u.Users)
		for _, upd := range u.Updates {
			h.handleSingle(upd)
		}
	case *tg.UpdateShort:
		h.handleSingle(u.Update)
	case *tg.UpdateShortMessage:
		h.handleShortMessage(u)
	case *tg.UpdateShortChatMessage:
		h.handleShortChatMessage(u)
	}
	return nil
}

func (h *MessageHandler) cacheEntities(users []tg.UserClass) {
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			h.users[u.ID] = u
		}
	}
}

func (h *MessageHandler) handleSingle(update tg.UpdateClass) {
	switch msg := update.(type) {
	case *tg.UpdateNewMessage:
		h.handleMessage(msg.Message)
	case *tg.UpdateNewChannelMessage:
		h.handleMessage(msg.Message)
	}
}

func (h *MessageHandler) handleMessage(mc tg.MessageClass) {
	m, ok := mc.(*tg.Message)
	if !ok {
		return
	}

	chatID := MarkedID(m.PeerID)
	if h.chatID != 0 && chatID != h.chatID {
		return
	}

	in := IncomingMessage{
		ID:            m.ID,
		ChatID:        chatID,
		Text:          m.Message,
		Date:          time.Unix(int64(m.Date), 0).UTC(),
		Out:           m.Out,
		Mentioned:     m.Mentioned,
		MediaUnread:   m.MediaUnread,
		Silent:        m.Silent,
		Post:          m.Post,
		FromScheduled: m.FromScheduled,
		Legacy:        m.Legacy,
		EditHide:      m.EditHide,
		Pinned:        m.Pinned,
		Noforwards:    m.Noforwards,
		InvertMedia:   m.InvertMedia,
	}
	if _, ok := m.GetMedia(); ok {
		in.HasMedia = true
	}

	if from, ok := m.FromID.(*tg.PeerUser); ok {
		in.SenderID = from.UserID
	} else if peer, ok := m.PeerID.(*tg.PeerUser); ok && !m.Out {
		in.SenderID = peer.UserID
	}
	h.fillSender(&in)

	h.emit(in)
}

func (h *MessageHandler) handleShortMessage(u *tg.UpdateShortMessage) {
	chatID := u.UserID
	if h.chatID != 0 && chatID != h.chatID {
		return
	}

	// Short updates carry only the four envelope flags; the rest of the
	// IncomingMessage flags stay false.
	in := IncomingMessage{
		ID:          u.ID,
		ChatID:      chatID,
		Text:        u.Message,
		Date:        time.Unix(int64(u.Date), 0).UTC(),
		Out:         u.Out,
		Mentioned:   u.Mentioned,
		MediaUnread: u.MediaUnread,
		Silent:      u.Silent,
	}
	if !u.Out {
		in.SenderID = u.UserID
	}
	h.fillSender(&in)

	h.emit(in)
}

func (h *MessageHandler) handleShortChatMessage(u *tg.UpdateShortChatMessage) {
	chatID := -u.ChatID
	if h.chatID != 0 && chatID != h.chatID {
		return
	}

	in := IncomingMessage{
		ID:          u.ID,
		ChatID:      chatID,
		SenderID:    u.FromID,
		Text:        u.Message,
		Date:        time.Unix(int64(u.Date), 0).UTC(),
		Out:         u.Out,
		Mentioned:   u.Mentioned,
		MediaUnread: u.MediaUnread,
		Silent:      u.Silent,
	}
	h.fillSender(&in)

	h.emit(in)
}

func (h *MessageHandler) fillSender(in *IncomingMessage) {
	if in.SenderID == 0 {
		return
	}
	if u, ok := h.users[in.SenderID]; ok {
		in.SenderName = userDisplayName(u)
		in.SenderUsername = u.Username
	}
}

func (h *MessageHandler) emit(in IncomingMessage) {
	h.log.Debug().
		Int64("chat_id", in.ChatID).
		Int("message_id", in.ID).
		Str("preview", truncateText(in.Text, 80)).
		Msg("message received")

	select {
	case h.messages <- in:
	default:
		h.log.Warn().Int64("chat_id", in.ChatID).Msg("message channel full, dropping message")
	}
}

// truncateText shortens text for log previews.
func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
