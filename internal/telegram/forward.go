package telegram

import (
	"context"
	"math/rand"

	"github.com/gotd/td/tg"
)

// ForwardMessage forwards one message from a source chat to a target
// chat, both given as marked ids. Listener workers use it for redirect
// elaborations.
func (c *Client) ForwardMessage(ctx context.Context, fromChatID, toChatID int64, messageID int) error {
	api, err := c.apiOrErr()
	if err != nil {
		return err
	}

	from, err := c.FindInputPeer(ctx, fromChatID)
	if err != nil {
		return err
	}
	to, err := c.FindInputPeer(ctx, toChatID)
	if err != nil {
		return err
	}

	_, err = api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ToPeer:   to,
		ID:       []int{messageID},
		RandomID: []int64{rand.Int63()},
	})
	if err != nil {
		return Classify(err)
	}
	c.log.Debug().Int64("from", fromChatID).Int64("to", toChatID).Int("message_id", messageID).Msg("message forwarded")
	return nil
}
