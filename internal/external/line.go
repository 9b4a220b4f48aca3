package external

import (
	"context"
	"fmt"
	"strings"

	"github.com/line/line-bot-sdk-go/v7/linebot"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"notifier/internal/config"
)

// this file contains everything regarding LINE Messaging API delivery

// MaxMulticastRecipients is the LINE limit of user ids per multicast call
const MaxMulticastRecipients = 500

// send operations reported in MessagingError
const (
	OpReply     = "reply"
	OpPush      = "push"
	OpMulticast = "multicast"
)

// MessagingError is a failed platform call.
type MessagingError struct {
	Op string
	// Target is the chat id, or the reply token for replies
	Target string
	Err    error
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("messaging: %s to %s: %v", e.Op, e.Target, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

func sendError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &MessagingError{Op: op, Target: target, Err: errors.WithStack(err)}
}

// Delivery is the outcome of a broadcast to one chat.
type Delivery struct {
	ChatID string
	Err    error
}

// ChatKind tells which delivery mechanism a chat id needs.
type ChatKind int

const (
	KindUnknown ChatKind = iota
	KindUser
	KindGroup
	KindRoom
)

func (k ChatKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindRoom:
		return "room"
	default:
		return "unknown"
	}
}

// KindOf sniffs the LINE id prefix: U for users, C for groups, R for rooms.
func KindOf(chatID string) ChatKind {
	switch {
	case strings.HasPrefix(chatID, "U"):
		return KindUser
	case strings.HasPrefix(chatID, "C"):
		return KindGroup
	case strings.HasPrefix(chatID, "R"):
		return KindRoom
	default:
		return KindUnknown
	}
}

// NewLineClient creates the SDK client shared by webhook parsing and delivery.
func NewLineClient(cfg config.Line) (*linebot.Client, error) {
	var options []linebot.ClientOption
	if cfg.Endpoint != "" {
		options = append(options, linebot.WithEndpointBase(cfg.Endpoint))
	}
	client, err := linebot.New(cfg.ChannelSecret, cfg.ChannelAccessToken, options...)
	if err != nil {
		return nil, errors.Wrap(err, "create LINE client")
	}
	return client, nil
}

// LineMessenger replies to webhook events and broadcasts texts through LINE.
type LineMessenger struct {
	client *linebot.Client
	log    zerolog.Logger
}

func NewLineMessenger(client *linebot.Client, log zerolog.Logger) *LineMessenger {
	return &LineMessenger{
		client: client,
		log:    log.With().Str("component", "line").Logger(),
	}
}

// Reply answers a single inbound event. Events without a reply token (unfollow,
// leave) cannot be answered; that is reported as false without an error.
func (m *LineMessenger) Reply(ctx context.Context, replyToken, text string) (bool, error) {
	if replyToken == "" {
		m.log.Debug().Msg("reply skipped: event carries no reply token")
		return false, nil
	}
	m.log.Debug().Str("text", text).Msg("reply")
	_, err := m.client.ReplyMessage(replyToken, linebot.NewTextMessage(text)).WithContext(ctx).Do()
	return true, sendError(OpReply, replyToken, err)
}

// Broadcast sends text to every chat independently. Users are batched into
// multicast calls while groups, rooms and unknown ids are pushed one by one.
// All calls run concurrently; the result has one entry per chat id in input order.
func (m *LineMessenger) Broadcast(ctx context.Context, chatIDs []string, text string) []Delivery {
	results := make([]Delivery, len(chatIDs))
	var users []int
	var g errgroup.Group

	for i, id := range chatIDs {
		results[i].ChatID = id
		if KindOf(id) == KindUser {
			users = append(users, i)
			continue
		}
		i, id := i, id
		g.Go(func() error {
			_, err := m.client.PushMessage(id, linebot.NewTextMessage(text)).WithContext(ctx).Do()
			results[i].Err = sendError(OpPush, id, err)
			return nil
		})
	}

	for start := 0; start < len(users); start += MaxMulticastRecipients {
		batch := users[start:min(start+MaxMulticastRecipients, len(users))]
		g.Go(func() error {
			to := make([]string, len(batch))
			for j, i := range batch {
				to[j] = chatIDs[i]
			}
			_, err := m.client.Multicast(to, linebot.NewTextMessage(text)).WithContext(ctx).Do()
			for _, i := range batch {
				results[i].Err = sendError(OpMulticast, chatIDs[i], err)
			}
			return nil
		})
	}

	// goroutines never return errors, failures live in results
	_ = g.Wait()
	return results
}
