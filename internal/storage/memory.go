package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/user"
)

// MemoryStore keeps messages in process memory. It is meant for development
// and tests; nothing survives a restart.
type MemoryStore struct {
	messages *memoryMessageRepo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: newMemoryMessageRepo()}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Messages() message.Repository {
	return s.messages
}

type memoryRecord struct {
	seq int64
	msg message.Message
}

type memoryMessageRepo struct {
	mu      sync.RWMutex
	records map[message.ID]*memoryRecord
	nextSeq int64
	now     func() time.Time
}

func newMemoryMessageRepo() *memoryMessageRepo {
	return &memoryMessageRepo{
		records: make(map[message.ID]*memoryRecord),
		now:     time.Now,
	}
}

func (r *memoryMessageRepo) Append(ctx context.Context, msg message.Message) (message.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.ID == "" || !msg.Sender.Valid() || !msg.Receiver.Valid() {
		return "", fmt.Errorf("message id, sender, and receiver are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[msg.ID]; exists {
		return "", fmt.Errorf("insert message: duplicate id %q", msg.ID)
	}
	r.nextSeq++
	r.records[msg.ID] = &memoryRecord{seq: r.nextSeq, msg: msg.Clone()}
	return msg.ID, nil
}

func (r *memoryMessageRepo) Get(ctx context.Context, id message.ID) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return message.Message{}, ErrNotFound
	}
	return rec.msg.Clone(), nil
}

func (r *memoryMessageRepo) History(ctx context.Context, userA, userB, viewer user.ID) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := make([]*memoryRecord, 0)
	for _, rec := range r.records {
		m := rec.msg
		inConversation := (m.Sender == userA && m.Receiver == userB) || (m.Sender == userB && m.Receiver == userA)
		if !inConversation || m.HiddenForUser(viewer) {
			continue
		}
		matched = append(matched, &memoryRecord{seq: rec.seq, msg: m.Clone()})
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	msgs := make([]message.Message, len(matched))
	for i, rec := range matched {
		msgs[i] = rec.msg
	}
	return msgs, nil
}

func (r *memoryMessageRepo) Update(ctx context.Context, id message.ID, fn func(*message.Message) error) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return message.Message{}, ErrNotFound
	}

	next := rec.msg.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, message.ErrNoChange) {
			return rec.msg.Clone(), nil
		}
		return message.Message{}, err
	}
	if rec.msg.Tombstoned {
		return rec.msg.Clone(), nil
	}

	// Identity and ordering fields never change after append.
	next.ID, next.Sender, next.Receiver, next.CreatedAt = rec.msg.ID, rec.msg.Sender, rec.msg.Receiver, rec.msg.CreatedAt
	rec.msg = next.Clone()
	return next, nil
}
