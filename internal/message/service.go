package message

import (
	"context"
	"errors"
	"slices"

	"github.com/Avicted/courier/internal/user"
)

// ErrNoChange may be returned from an Update callback to skip the write.
var ErrNoChange = errors.New("no change")

// tombstoneThreshold is the number of distinct participants whose hide or
// delete-for-everyone intent turns a message into a tombstone.
const tombstoneThreshold = 2

// Notifier pushes visibility changes to participants that are online.
type Notifier interface {
	NotifyHidden(viewer user.ID, id ID)
	NotifyTombstoned(msg Message)
}

// Observer receives deletion outcomes for metrics.
type Observer interface {
	ObserveDeletion(op string)
}

type Service struct {
	repo     Repository
	notifier Notifier
	observer Observer
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// History returns the conversation between userA and userB as seen by viewer.
func (s *Service) History(ctx context.Context, userA, userB, viewer user.ID) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if !userA.Valid() || !userB.Valid() || !viewer.Valid() {
		return nil, ErrInvalidInput
	}
	if viewer != userA && viewer != userB {
		return nil, ErrUnauthorized
	}
	return s.repo.History(ctx, userA, userB, viewer)
}

// HideForMe removes the message from the requester's own history. Repeated
// calls, calls on tombstoned messages and calls by users outside the
// conversation succeed without touching the message.
func (s *Service) HideForMe(ctx context.Context, id ID, requester user.ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if id == "" || !requester.Valid() {
		return ErrInvalidInput
	}

	changed := false
	_, err := s.repo.Update(ctx, id, func(m *Message) error {
		if !m.IsParticipant(requester) || m.Tombstoned || m.HiddenForUser(requester) {
			return ErrNoChange
		}
		m.HiddenFor = append(m.HiddenFor, requester)
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.observe("hide")
		if s.notifier != nil {
			s.notifier.NotifyHidden(requester, id)
		}
	}
	return nil
}

// DeleteForEveryone records the sender's intent to delete the message and
// hides it from the sender's own history. Once two distinct participants have
// either hidden it or asked for deletion the content is replaced with
// DeletedPlaceholder and the message is frozen.
func (s *Service) DeleteForEveryone(ctx context.Context, id ID, actor user.ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if id == "" || !actor.Valid() {
		return ErrInvalidInput
	}

	var recorded, hidden, tombstoned bool
	msg, err := s.repo.Update(ctx, id, func(m *Message) error {
		recorded, hidden, tombstoned = false, false, false
		if m.Sender != actor {
			return ErrUnauthorized
		}
		if m.Tombstoned {
			return ErrNoChange
		}
		if !slices.Contains(m.DeleteIntent, actor) {
			m.DeleteIntent = append(m.DeleteIntent, actor)
			recorded = true
		}
		if !m.HiddenForUser(actor) {
			m.HiddenFor = append(m.HiddenFor, actor)
			hidden = true
		}
		if len(deletionParticipants(*m)) >= tombstoneThreshold {
			tombstone(m)
			tombstoned = true
			return nil
		}
		if !recorded && !hidden {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return err
	}

	if recorded {
		s.observe("intent")
	}
	switch {
	case tombstoned:
		s.observe("tombstone")
		if s.notifier != nil {
			s.notifier.NotifyTombstoned(msg)
		}
	case hidden:
		if s.notifier != nil {
			s.notifier.NotifyHidden(actor, id)
		}
	}
	return nil
}

func (s *Service) observe(op string) {
	if s.observer != nil {
		s.observer.ObserveDeletion(op)
	}
}

func deletionParticipants(m Message) []user.ID {
	seen := make([]user.ID, 0, len(m.DeleteIntent)+len(m.HiddenFor))
	for _, id := range slices.Concat(m.DeleteIntent, m.HiddenFor) {
		if !slices.Contains(seen, id) {
			seen = append(seen, id)
		}
	}
	return seen
}

func tombstone(m *Message) {
	m.Body = DeletedPlaceholder
	m.Attachment = nil
	m.Tombstoned = true
}
