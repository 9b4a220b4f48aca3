package external

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// this file contains the token broadcast used by the /noti endpoint and the CLI

// ErrNoToken is returned when a broadcast names no token.
var ErrNoToken = errors.New("no token")

// SubscriberLister finds the chats subscribed to a token.
type SubscriberLister interface {
	ListChatsForToken(ctx context.Context, token string) ([]string, error)
}

// Sender delivers one text to many chats.
type Sender interface {
	Broadcast(ctx context.Context, chatIDs []string, text string) []Delivery
}

// Outcome summarizes one broadcast.
type Outcome struct {
	Token      string
	ChatIDs    []string
	Message    string
	Deliveries []Delivery
}

// Failed counts deliveries that returned an error.
func (o Outcome) Failed() int {
	n := 0
	for _, d := range o.Deliveries {
		if d.Err != nil {
			n++
		}
	}
	return n
}

// FormatNotification renders the broadcast text as "(token) text".
func FormatNotification(token, text string) string {
	return fmt.Sprintf("(%s) %s", token, text)
}

type Broadcaster struct {
	subscribers SubscriberLister
	sender      Sender
	log         zerolog.Logger
}

func NewBroadcaster(subscribers SubscriberLister, sender Sender, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: subscribers,
		sender:      sender,
		log:         log.With().Str("component", "broadcast").Logger(),
	}
}

// Notify looks up the chats subscribed to token and sends them the formatted
// text. An empty text still performs the lookup but delivers nothing. Delivery
// failures are logged per chat and never turn into an error.
func (b *Broadcaster) Notify(ctx context.Context, token, text string) (Outcome, error) {
	token = strings.TrimSpace(token)
	outcome := Outcome{Token: token}
	if token == "" {
		return outcome, ErrNoToken
	}

	ids, err := b.subscribers.ListChatsForToken(ctx, token)
	if err != nil {
		b.log.Error().Err(err).Str("token", token).Msg("cannot fetch subscribed chats")
		return outcome, err
	}
	outcome.ChatIDs = ids
	b.log.Info().Str("token", token).Strs("ids", ids).Msg("fetched subscribed chats")

	if text == "" {
		b.log.Info().Str("token", token).Msg("empty text, nothing to deliver")
		return outcome, nil
	}
	if len(ids) == 0 {
		return outcome, nil
	}

	outcome.Message = FormatNotification(token, text)
	outcome.Deliveries = b.sender.Broadcast(ctx, ids, outcome.Message)
	for _, d := range outcome.Deliveries {
		if d.Err != nil {
			b.log.Warn().Err(d.Err).Str("token", token).Str("id", d.ChatID).Msg("delivery failed")
		} else {
			b.log.Info().Str("token", token).Str("id", d.ChatID).Msg("delivered")
		}
	}
	return outcome, nil
}
