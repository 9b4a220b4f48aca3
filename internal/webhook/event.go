package webhook

import (
	"fmt"
	"net/http"

	"github.com/line/line-bot-sdk-go/v7/linebot"
	"github.com/pkg/errors"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the body keyed by the channel secret.
const SignatureHeader = "X-Line-Signature"

// Event types the dispatcher knows about
const (
	TypeMessage  = string(linebot.EventTypeMessage)
	TypeFollow   = string(linebot.EventTypeFollow)
	TypeUnfollow = string(linebot.EventTypeUnfollow)
	TypeJoin     = string(linebot.EventTypeJoin)
	TypeLeave    = string(linebot.EventTypeLeave)

	SourceUser  = string(linebot.EventSourceTypeUser)
	SourceGroup = string(linebot.EventSourceTypeGroup)
	SourceRoom  = string(linebot.EventSourceTypeRoom)
)

// Source identifies where an event came from.
type Source struct {
	Type    string
	UserID  string
	GroupID string
	RoomID  string
}

// Event is the part of a LINE webhook event the dispatcher works with.
type Event struct {
	Type       string
	ReplyToken string
	Source     Source
	// set for text message events only
	IsText bool
	Text   string
}

// ChatID derives the subscription key of an event: the group id for group
// events (falling back to the user id when LINE omits it), the user id otherwise.
func ChatID(e Event) string {
	if e.Source.Type == SourceGroup && e.Source.GroupID != "" {
		return e.Source.GroupID
	}
	return e.Source.UserID
}

// FromLINE converts an SDK event.
func FromLINE(e *linebot.Event) Event {
	event := Event{
		Type:       string(e.Type),
		ReplyToken: e.ReplyToken,
	}
	if e.Source != nil {
		event.Source = Source{
			Type:    string(e.Source.Type),
			UserID:  e.Source.UserID,
			GroupID: e.Source.GroupID,
			RoomID:  e.Source.RoomID,
		}
	}
	if e.Type == linebot.EventTypeMessage {
		if message, ok := e.Message.(*linebot.TextMessage); ok {
			event.IsText = true
			event.Text = message.Text
		}
	}
	return event
}

// AuthenticationError rejects a webhook request whose signature is missing or wrong.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication: %s: %v", e.Reason, e.Err)
	}
	return "authentication: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// MalformedPayloadError rejects a webhook request whose body is not an event batch.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// RequestParser verifies and decodes a webhook request; *linebot.Client is one.
type RequestParser interface {
	ParseRequest(r *http.Request) ([]*linebot.Event, error)
}

// Parse checks the request signature and decodes the event batch. No event is
// returned unless the signature is valid.
func Parse(parser RequestParser, r *http.Request) ([]Event, error) {
	if r.Header.Get(SignatureHeader) == "" {
		return nil, &AuthenticationError{Reason: "no signature"}
	}
	raw, err := parser.ParseRequest(r)
	if err != nil {
		if errors.Is(err, linebot.ErrInvalidSignature) {
			return nil, &AuthenticationError{Reason: "signature validation failed", Err: err}
		}
		return nil, &MalformedPayloadError{Err: errors.WithStack(err)}
	}
	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		events = append(events, FromLINE(e))
	}
	return events, nil
}
