package message

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Avicted/courier/internal/user"
)

// DeletedPlaceholder replaces the body of a tombstoned message.
const DeletedPlaceholder = "[This message was deleted]"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrMalformedInput         = errors.New("malformed input")
	ErrNotFound               = errors.New("message not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

type ID string

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaDocument:
		return true
	}
	return false
}

type Attachment struct {
	Data []byte
	Kind MediaKind
}

type Message struct {
	ID         ID
	Sender     user.ID
	Receiver   user.ID
	Body       string
	Attachment *Attachment
	CreatedAt  time.Time
	// HiddenFor lists participants who removed the message from their own view.
	HiddenFor []user.ID
	// DeleteIntent lists senders that asked for the message to be deleted for everyone.
	DeleteIntent []user.ID
	Tombstoned   bool
}

func (m Message) IsParticipant(id user.ID) bool {
	return id != "" && (m.Sender == id || m.Receiver == id)
}

func (m Message) HiddenForUser(id user.ID) bool {
	return slices.Contains(m.HiddenFor, id)
}

// Clone returns a deep copy so callers can mutate it without touching stored state.
func (m Message) Clone() Message {
	out := m
	out.HiddenFor = slices.Clone(m.HiddenFor)
	out.DeleteIntent = slices.Clone(m.DeleteIntent)
	if m.Attachment != nil {
		att := *m.Attachment
		att.Data = slices.Clone(m.Attachment.Data)
		out.Attachment = &att
	}
	return out
}

// Repository is the durable store for messages and their visibility state.
// Update runs fn against the current row and persists the result atomically;
// an error from fn aborts the update and is returned unchanged.
type Repository interface {
	Append(ctx context.Context, msg Message) (ID, error)
	Get(ctx context.Context, id ID) (Message, error)
	History(ctx context.Context, userA, userB, viewer user.ID) ([]Message, error)
	Update(ctx context.Context, id ID, fn func(*Message) error) (Message, error)
}
