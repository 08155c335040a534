package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Avicted/courier/internal/user"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Frame is the live-channel wire shape of a send request.
type Frame struct {
	Sender         user.ID         `json:"sender" validate:"required,max=128"`
	Receiver       user.ID         `json:"receiver" validate:"required,max=128,nefield=Sender"`
	Body           string          `json:"body" validate:"required_without=Attachment,max=8192"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	Attachment     string          `json:"attachment,omitempty" validate:"omitempty,base64"`
	AttachmentKind MediaKind       `json:"attachmentKind,omitempty" validate:"omitempty,oneof=image video document"`
}

// Draft is a validated send request. It is only ever returned fully populated.
type Draft struct {
	Sender     user.ID
	Receiver   user.ID
	Body       string
	Attachment *Attachment
}

// DecodeFrame parses raw bytes into a Draft. Unknown fields, trailing data and
// missing required fields are all reported as ErrMalformedInput.
func DecodeFrame(data []byte) (Draft, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if dec.More() {
		return Draft{}, fmt.Errorf("%w: trailing data after frame", ErrMalformedInput)
	}
	return f.Draft()
}

// Draft validates the frame and converts it.
func (f Frame) Draft() (Draft, error) {
	f.Sender = user.ID(strings.TrimSpace(string(f.Sender)))
	f.Receiver = user.ID(strings.TrimSpace(string(f.Receiver)))
	f.Attachment = strings.TrimSpace(f.Attachment)

	// Whitespace-only bodies count as empty; anything else is relayed as sent.
	check := f
	if strings.TrimSpace(check.Body) == "" {
		check.Body = ""
	}
	if err := validate.Struct(check); err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if f.Attachment == "" && f.AttachmentKind != "" {
		return Draft{}, fmt.Errorf("%w: attachmentKind without attachment", ErrMalformedInput)
	}

	d := Draft{Sender: f.Sender, Receiver: f.Receiver, Body: check.Body}
	if f.Attachment != "" {
		if f.AttachmentKind == "" {
			return Draft{}, fmt.Errorf("%w: attachmentKind is required with attachment", ErrMalformedInput)
		}
		data, err := base64.StdEncoding.DecodeString(f.Attachment)
		if err != nil {
			return Draft{}, fmt.Errorf("%w: attachment: %v", ErrMalformedInput, err)
		}
		d.Attachment = &Attachment{Data: data, Kind: f.AttachmentKind}
	}
	return d, nil
}

// Payload is the outbound JSON shape of a stored message.
type Payload struct {
	ID             ID        `json:"id"`
	Sender         user.ID   `json:"sender"`
	Receiver       user.ID   `json:"receiver"`
	Body           string    `json:"body"`
	Timestamp      string    `json:"timestamp"`
	Attachment     string    `json:"attachment,omitempty"`
	AttachmentKind MediaKind `json:"attachmentKind,omitempty"`
	Tombstoned     bool      `json:"tombstoned,omitempty"`
}

func ToPayload(m Message) Payload {
	p := Payload{
		ID:         m.ID,
		Sender:     m.Sender,
		Receiver:   m.Receiver,
		Body:       m.Body,
		Timestamp:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Tombstoned: m.Tombstoned,
	}
	if m.Attachment != nil {
		p.Attachment = base64.StdEncoding.EncodeToString(m.Attachment.Data)
		p.AttachmentKind = m.Attachment.Kind
	}
	return p
}
