// Package webhook routes LINE webhook events through ordered handler lists.
package webhook

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Replier answers an inbound event through its reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) (bool, error)
}

// Call is what a handler gets to work with.
type Call struct {
	Event  Event
	ChatID string

	replier Replier
}

// Reply answers the event. It returns false without an error when the event
// carries no reply token.
func (c *Call) Reply(ctx context.Context, text string) (bool, error) {
	return c.replier.Reply(ctx, c.Event.ReplyToken, text)
}

// Action runs a matched handler and reports whether the event is fully handled.
type Action func(ctx context.Context, call *Call) (bool, error)

type EventHandler struct {
	Name  string
	Match func(e Event) bool
	Do    Action
}

// TextHandler matches on the lower-cased message text.
type TextHandler struct {
	Name  string
	Match func(lower string) bool
	Do    Action
}

// Result records what happened to one event of a batch.
type Result struct {
	// Handler is the name of the handler that completed the event, empty if ignored
	Handler string
	Skipped bool
	Err     error
}

// LINE sends these reply tokens with the console's webhook verification events
var dummyReplyTokens = map[string]bool{
	"00000000000000000000000000000000": true,
	"ffffffffffffffffffffffffffffffff": true,
}

type Dispatcher struct {
	eventHandlers []EventHandler
	textHandlers  []TextHandler
	replier       Replier
	verboseErrors bool
	log           zerolog.Logger
}

// NewDispatcher evaluates eventHandlers and then textHandlers in the given order.
// With verboseErrors set, a failing event gets an apology reply.
func NewDispatcher(eventHandlers []EventHandler, textHandlers []TextHandler, replier Replier, verboseErrors bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		eventHandlers: eventHandlers,
		textHandlers:  textHandlers,
		replier:       replier,
		verboseErrors: verboseErrors,
		log:           log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch processes the batch strictly in order; an event starts only after
// the previous one finished. A failing event never stops the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) []Result {
	results := make([]Result, len(events))
	for i, event := range events {
		if dummyReplyTokens[event.ReplyToken] {
			d.log.Debug().Str("type", event.Type).Msg("skipping verification event")
			results[i].Skipped = true
			continue
		}
		results[i].Handler, results[i].Err = d.process(ctx, event)
	}
	return results
}

func (d *Dispatcher) process(ctx context.Context, event Event) (handler string, err error) {
	call := &Call{Event: event, ChatID: ChatID(event), replier: d.replier}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in handler %q: %v", handler, r)
		}
		if err != nil {
			d.log.Error().Err(err).
				Str("type", event.Type).
				Str("chat", call.ChatID).
				Str("handler", handler).
				Msg("error occurred while processing event")
			if d.verboseErrors {
				d.apologize(ctx, call)
			}
		}
	}()

	for _, h := range d.eventHandlers {
		if !h.Match(event) {
			continue
		}
		handler = h.Name
		handled, err := h.Do(ctx, call)
		if err != nil {
			return handler, err
		}
		if handled {
			return handler, nil
		}
	}

	if !event.IsText {
		return "", nil
	}
	lower := strings.ToLower(event.Text)
	for _, h := range d.textHandlers {
		if !h.Match(lower) {
			continue
		}
		handler = h.Name
		handled, err := h.Do(ctx, call)
		if err != nil {
			return handler, err
		}
		if handled {
			return handler, nil
		}
	}
	return "", nil
}

func (d *Dispatcher) apologize(ctx context.Context, call *Call) {
	if _, err := call.Reply(ctx, ErrorReply); err != nil {
		d.log.Warn().Err(err).Str("chat", call.ChatID).Msg("cannot send error reply")
	}
}
