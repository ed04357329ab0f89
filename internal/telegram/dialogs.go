package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// channelMarkOffset turns a bare channel id into the marked form the
// rest of the platform uses (-100xxxxxxxxxx), matching how chats are
// addressed by the HTTP API and stored in logging sessions.
const channelMarkOffset = 1000000000000

const dialogPageSize = 100

// Chat is one dialog entry as served to the frontend.
type Chat struct {
	ID              int64   `json:"id"`
	Title           string  `json:"title"`
	Type            string  `json:"type"`
	Username        *string `json:"username"`
	MembersCount    *int    `json:"members_count"`
	Description     *string `json:"description"`
	UnreadCount     int     `json:"unread_count"`
	LastMessageDate *string `json:"last_message_date"`
}

// GetChats walks all dialogs of the account: users, bots, groups,
// supergroups and channels. IDs come back marked.
func (c *Client) GetChats(ctx context.Context) ([]Chat, error) {
	api, err := c.apiOrErr()
	if err != nil {
		return nil, err
	}

	var (
		chats    []Chat
		users    = map[int64]*tg.User{}
		groups   = map[int64]*tg.Chat{}
		channels = map[int64]*tg.Channel{}
	)

	req := &tg.MessagesGetDialogsRequest{
		Limit:      dialogPageSize,
		OffsetPeer: &tg.InputPeerEmpty{},
	}

	for {
		resp, err := api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return nil, Classify(err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			lastPage bool
		)
		switch d := resp.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages = d.Dialogs, d.Messages
			indexPeers(d.Users, d.Chats, users, groups, channels)
			lastPage = true
		case *tg.MessagesDialogsSlice:
			dialogs, messages = d.Dialogs, d.Messages
			indexPeers(d.Users, d.Chats, users, groups, channels)
			lastPage = len(dialogs) < dialogPageSize
		case *tg.MessagesDialogsNotModified:
			return chats, nil
		default:
			return nil, classified(ClassTelegramError, fmt.Sprintf("unexpected dialogs type %T", resp), nil)
		}
		if len(dialogs) == 0 {
			break
		}

		dates := topMessageDates(messages)
		for _, dc := range dialogs {
			dialog, ok := dc.(*tg.Dialog)
			if !ok {
				continue
			}
			if chat, ok := buildChat(dialog, users, groups, channels, dates); ok {
				chats = append(chats, chat)
			}
		}
		if lastPage {
			break
		}

		last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			break
		}
		req.OffsetPeer = inputPeerFor(last.Peer, users, channels)
		req.OffsetID = last.TopMessage
		if date, ok := dates[peerMsg{peerKey(last.Peer), last.TopMessage}]; ok {
			req.OffsetDate = date
		}
	}

	c.log.Debug().Int("chats", len(chats)).Msg("dialogs fetched")
	return chats, nil
}

// FindInputPeer resolves a marked chat id to an addressable input peer
// by scanning the account's dialogs. Workers use it to pin the source
// chat and the redirect target.
func (c *Client) FindInputPeer(ctx context.Context, markedID int64) (tg.InputPeerClass, error) {
	api, err := c.apiOrErr()
	if err != nil {
		return nil, err
	}

	var (
		users    = map[int64]*tg.User{}
		groups   = map[int64]*tg.Chat{}
		channels = map[int64]*tg.Channel{}
	)

	req := &tg.MessagesGetDialogsRequest{
		Limit:      dialogPageSize,
		OffsetPeer: &tg.InputPeerEmpty{},
	}

	for {
		resp, err := api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return nil, Classify(err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			lastPage bool
		)
		switch d := resp.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages = d.Dialogs, d.Messages
			indexPeers(d.Users, d.Chats, users, groups, channels)
			lastPage = true
		case *tg.MessagesDialogsSlice:
			dialogs, messages = d.Dialogs, d.Messages
			indexPeers(d.Users, d.Chats, users, groups, channels)
			lastPage = len(dialogs) < dialogPageSize
		default:
			lastPage = true
		}
		if len(dialogs) == 0 {
			break
		}

		for _, dc := range dialogs {
			dialog, ok := dc.(*tg.Dialog)
			if !ok {
				continue
			}
			if MarkedID(dialog.Peer) == markedID {
				return inputPeerFor(dialog.Peer, users, channels), nil
			}
		}
		if lastPage {
			break
		}

		dates := topMessageDates(messages)
		last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			break
		}
		req.OffsetPeer = inputPeerFor(last.Peer, users, channels)
		req.OffsetID = last.TopMessage
		if date, ok := dates[peerMsg{peerKey(last.Peer), last.TopMessage}]; ok {
			req.OffsetDate = date
		}
	}

	return nil, classified(ClassTelegramError, fmt.Sprintf("chat %d not among dialogs", markedID), nil)
}

// MarkedID converts a raw peer into the marked id convention: users
// positive, legacy groups negated, channels shifted under -100.
func MarkedID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return -v.ChatID
	case *tg.PeerChannel:
		return -(channelMarkOffset + v.ChannelID)
	}
	return 0
}

func indexPeers(us []tg.UserClass, cs []tg.ChatClass, users map[int64]*tg.User, groups map[int64]*tg.Chat, channels map[int64]*tg.Channel) {
	for _, uc := range us {
		if u, ok := uc.(*tg.User); ok {
			users[u.ID] = u
		}
	}
	for _, cc := range cs {
		switch v := cc.(type) {
		case *tg.Chat:
			groups[v.ID] = v
		case *tg.Channel:
			channels[v.ID] = v
		}
	}
}

type peerMsg struct {
	peer string
	id   int
}

func peerKey(p tg.PeerClass) string {
	switch v := p.(type) {
	case *tg.PeerUser:
		return fmt.Sprintf("u%d", v.UserID)
	case *tg.PeerChat:
		return fmt.Sprintf("g%d", v.ChatID)
	case *tg.PeerChannel:
		return fmt.Sprintf("c%d", v.ChannelID)
	}
	return ""
}

func topMessageDates(messages []tg.MessageClass) map[peerMsg]int {
	dates := make(map[peerMsg]int, len(messages))
	for _, mc := range messages {
		switch m := mc.(type) {
		case *tg.Message:
			dates[peerMsg{peerKey(m.PeerID), m.ID}] = m.Date
		case *tg.MessageService:
			dates[peerMsg{peerKey(m.PeerID), m.ID}] = m.Date
		}
	}
	return dates
}

func buildChat(d *tg.Dialog, users map[int64]*tg.User, groups map[int64]*tg.Chat, channels map[int64]*tg.Channel, dates map[peerMsg]int) (Chat, bool) {
	chat := Chat{UnreadCount: d.UnreadCount}
	if date, ok := dates[peerMsg{peerKey(d.Peer), d.TopMessage}]; ok && date > 0 {
		s := time.Unix(int64(date), 0).UTC().Format(time.RFC3339)
		chat.LastMessageDate = &s
	}

	switch p := d.Peer.(type) {
	case *tg.PeerUser:
		u, ok := users[p.UserID]
		if !ok {
			return Chat{}, false
		}
		chat.ID = u.ID
		chat.Title = userDisplayName(u)
		chat.Type = "private"
		if u.Bot {
			chat.Type = "bot"
		}
		if u.Username != "" {
			username := u.Username
			chat.Username = &username
		}
	case *tg.PeerChat:
		g, ok := groups[p.ChatID]
		if !ok {
			return Chat{}, false
		}
		chat.ID = -p.ChatID
		chat.Title = g.Title
		chat.Type = "group"
		if g.ParticipantsCount > 0 {
			count := g.ParticipantsCount
			chat.MembersCount = &count
		}
	case *tg.PeerChannel:
		ch, ok := channels[p.ChannelID]
		if !ok {
			return Chat{}, false
		}
		chat.ID = -(channelMarkOffset + p.ChannelID)
		chat.Title = ch.Title
		chat.Type = "channel"
		if ch.Megagroup {
			chat.Type = "supergroup"
		}
		if ch.Username != "" {
			username := ch.Username
			chat.Username = &username
		}
		if ch.ParticipantsCount > 0 {
			count := ch.ParticipantsCount
			chat.MembersCount = &count
		}
	default:
		return Chat{}, false
	}

	if chat.Title == "" {
		chat.Title = "Unnamed Chat"
	}
	return chat, true
}

func userDisplayName(u *tg.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("User %d", u.ID)
}

func inputPeerFor(p tg.PeerClass, users map[int64]*tg.User, channels map[int64]*tg.Channel) tg.InputPeerClass {
	switch v := p.(type) {
	case *tg.PeerUser:
		if u, ok := users[v.UserID]; ok {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: v.ChatID}
	case *tg.PeerChannel:
		if ch, ok := channels[v.ChannelID]; ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
	}
	return &tg.InputPeerEmpty{}
}
