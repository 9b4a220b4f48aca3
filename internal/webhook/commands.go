package webhook

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNoChatID is returned for events whose source carries neither a group id
// nor a user id, such as room messages from users who did not consent to
// sharing their profile. Such events must never touch stored subscriptions.
var ErrNoChatID = errors.New("event source has no chat id")

// reply texts
const (
	HelpText = "Hello!\n" +
		"Use @on [token] and @off [token] to manage notifications, and @status to list your subscriptions.\n" +
		"e.g. @on ktx"
	MsgSubscribed      = "(%s) subscribed!"
	MsgUnsubscribed    = "(%s) unsubscribed!"
	MsgInvalidToken    = "token is not valid."
	MsgNoSubscriptions = "no subscriptions."
	MsgUnknownCommand  = "unrecognized command."
	ErrorReply         = "Sorry, an error occurred while handling your message."
)

// command prefixes, matched case-insensitively
const (
	CmdOn     = "@on"
	CmdOff    = "@off"
	CmdStatus = "@status"
	CmdHelp   = "@help"
	cmdMarker = "@"
)

// Subscriptions is the persistence the commands need.
type Subscriptions interface {
	AddSubscription(ctx context.Context, chatID, token string) error
	RemoveSubscription(ctx context.Context, chatID, token string) error
	RemoveAllSubscriptions(ctx context.Context, chatID string) (int64, error)
	ListTokensForChat(ctx context.Context, chatID string) ([]string, error)
}

// withChat rejects events without a chat id before do runs.
func withChat(do Action) Action {
	return func(ctx context.Context, call *Call) (bool, error) {
		if call.ChatID == "" {
			return true, errors.WithStack(ErrNoChatID)
		}
		return do(ctx, call)
	}
}

// New builds a dispatcher with the notification commands.
func New(subs Subscriptions, replier Replier, verboseErrors bool, log zerolog.Logger) *Dispatcher {
	return NewDispatcher(EventHandlers(subs), TextHandlers(subs), replier, verboseErrors, log)
}

// EventHandlers answers follow/join with the help text and forgets a chat on unfollow/leave.
func EventHandlers(subs Subscriptions) []EventHandler {
	return []EventHandler{
		{
			Name:  "greet",
			Match: func(e Event) bool { return e.Type == TypeFollow || e.Type == TypeJoin },
			Do: func(ctx context.Context, call *Call) (bool, error) {
				_, err := call.Reply(ctx, HelpText)
				return true, err
			},
		},
		{
			Name:  "leave",
			Match: func(e Event) bool { return e.Type == TypeUnfollow || e.Type == TypeLeave },
			Do: withChat(func(ctx context.Context, call *Call) (bool, error) {
				_, err := subs.RemoveAllSubscriptions(ctx, call.ChatID)
				return true, err
			}),
		},
	}
}

// TextHandlers lists the @ commands in priority order. Any other text starting
// with @ gets MsgUnknownCommand; plain text matches nothing.
func TextHandlers(subs Subscriptions) []TextHandler {
	return []TextHandler{
		{
			Name:  "on",
			Match: command(CmdOn),
			Do: withChat(func(ctx context.Context, call *Call) (bool, error) {
				token := argument(call.Event.Text)
				if token == "" {
					_, err := call.Reply(ctx, MsgInvalidToken)
					return true, err
				}
				if err := subs.AddSubscription(ctx, call.ChatID, token); err != nil {
					return true, err
				}
				_, err := call.Reply(ctx, fmt.Sprintf(MsgSubscribed, token))
				return true, err
			}),
		},
		{
			Name:  "off",
			Match: command(CmdOff),
			Do: withChat(func(ctx context.Context, call *Call) (bool, error) {
				token := argument(call.Event.Text)
				if token == "" {
					_, err := call.Reply(ctx, MsgInvalidToken)
					return true, err
				}
				if err := subs.RemoveSubscription(ctx, call.ChatID, token); err != nil {
					return true, err
				}
				_, err := call.Reply(ctx, fmt.Sprintf(MsgUnsubscribed, token))
				return true, err
			}),
		},
		{
			Name:  "status",
			Match: command(CmdStatus),
			Do: withChat(func(ctx context.Context, call *Call) (bool, error) {
				tokens, err := subs.ListTokensForChat(ctx, call.ChatID)
				if err != nil {
					return true, err
				}
				status := strings.Join(tokens, "\n")
				if status == "" {
					status = MsgNoSubscriptions
				}
				_, err = call.Reply(ctx, status)
				return true, err
			}),
		},
		{
			Name:  "help",
			Match: command(CmdHelp),
			Do: func(ctx context.Context, call *Call) (bool, error) {
				_, err := call.Reply(ctx, HelpText)
				return true, err
			},
		},
		{
			Name:  "unknown",
			Match: func(lower string) bool { return strings.HasPrefix(lower, cmdMarker) },
			Do: func(ctx context.Context, call *Call) (bool, error) {
				_, err := call.Reply(ctx, MsgUnknownCommand)
				return true, err
			},
		},
	}
}

// command matches name as a whole word at the start of the text, so "@on ktx"
// and "@on" match while "@online" does not.
func command(name string) func(lower string) bool {
	return func(lower string) bool {
		if !strings.HasPrefix(lower, name) {
			return false
		}
		rest := lower[len(name):]
		if rest == "" {
			return true
		}
		r, _ := utf8.DecodeRuneInString(rest)
		return unicode.IsSpace(r)
	}
}

// argument returns the first word after the command, keeping its case.
func argument(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
