// ABOUTME: Outbound message kinds and payloads accepted by a Socket.
// ABOUTME: Validation here covers caller mistakes, not platform limits.

package socket

import (
	"errors"
	"fmt"
)

// Message validation errors. These are caller errors and are never retried.
var (
	ErrMissingRecipient = errors.New("missing recipient")
	ErrEmptyMessage     = errors.New("empty message")
	ErrInvalidOptions   = errors.New("invalid message options")
)

// MessageKind selects which payload fields of a Message are meaningful.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindButtons MessageKind = "buttons"
	KindList    MessageKind = "list"
	KindMedia   MessageKind = "media"
	KindPoll    MessageKind = "poll"
)

// Button is one tappable reply option on a buttoned message.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ListSection groups rows inside a list message.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListRow is one selectable row of a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Media is an attachment payload for media messages.
type Media struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Caption  string `json:"caption,omitempty"`
}

// Poll is a multiple-choice question payload.
type Poll struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	MaxSelections int      `json:"max_selections"`
}

// Message is one outbound send command. To is the platform recipient
// identifier; exactly the fields selected by Kind are consulted.
type Message struct {
	To      string        `json:"to"`
	Kind    MessageKind   `json:"kind"`
	Text    string        `json:"text,omitempty"`
	Buttons []Button      `json:"buttons,omitempty"`
	List    []ListSection `json:"list,omitempty"`
	Media   *Media        `json:"media,omitempty"`
	Poll    *Poll         `json:"poll,omitempty"`
}

// Validate rejects structurally invalid messages before they reach the
// socket. Platform-side limits (media size, button counts) are left to the
// socket implementation.
func (m Message) Validate() error {
	if m.To == "" {
		return ErrMissingRecipient
	}

	switch m.Kind {
	case KindText:
		if m.Text == "" {
			return ErrEmptyMessage
		}
	case KindButtons:
		if m.Text == "" {
			return ErrEmptyMessage
		}
		if len(m.Buttons) == 0 {
			return fmt.Errorf("%w: buttons required", ErrInvalidOptions)
		}
		for _, b := range m.Buttons {
			if b.ID == "" || b.Label == "" {
				return fmt.Errorf("%w: button id and label required", ErrInvalidOptions)
			}
		}
	case KindList:
		if m.Text == "" {
			return ErrEmptyMessage
		}
		if len(m.List) == 0 {
			return fmt.Errorf("%w: list sections required", ErrInvalidOptions)
		}
		for _, sec := range m.List {
			if len(sec.Rows) == 0 {
				return fmt.Errorf("%w: list section %q has no rows", ErrInvalidOptions, sec.Title)
			}
		}
	case KindMedia:
		if m.Media == nil || len(m.Media.Data) == 0 {
			return fmt.Errorf("%w: media payload required", ErrInvalidOptions)
		}
		if m.Media.MimeType == "" {
			return fmt.Errorf("%w: media mime type required", ErrInvalidOptions)
		}
	case KindPoll:
		if m.Poll == nil || m.Poll.Question == "" {
			return ErrEmptyMessage
		}
		if len(m.Poll.Options) < 2 {
			return fmt.Errorf("%w: poll needs at least two options", ErrInvalidOptions)
		}
		if m.Poll.MaxSelections < 1 || m.Poll.MaxSelections > len(m.Poll.Options) {
			return fmt.Errorf("%w: poll max_selections out of range", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOptions, m.Kind)
	}

	return nil
}
