package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/metrics"
	"github.com/Avicted/courier/internal/registry"
	"github.com/Avicted/courier/internal/securelog"
	"github.com/Avicted/courier/internal/user"
)

// Router validates inbound frames, persists them and relays them to the
// receiver's live connection when there is one. Live delivery is at most
// once; the durable copy is what history reads return.
type Router struct {
	registry *registry.Registry
	repo     message.Repository
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func(time.Time) message.ID
}

func New(reg *registry.Registry, repo message.Repository, log *zap.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry: reg,
		repo:     repo,
		log:      log.Named("router"),
		metrics:  m,
		now:      time.Now,
		newID:    message.NewID,
	}
}

// Submit routes one raw frame sent by identity. The returned error reflects
// only validation and the persist step; push failures are logged.
func (r *Router) Submit(ctx context.Context, identity user.ID, raw []byte) (message.Message, error) {
	draft, err := message.DecodeFrame(raw)
	if err != nil {
		r.metrics.ObserveRoute(metrics.OutcomeMalformed)
		r.log.Warn("dropped malformed frame", zap.String("user", string(identity)), zap.Int("bytes", len(raw)))
		return message.Message{}, err
	}
	return r.Route(ctx, identity, draft)
}

func (r *Router) Route(ctx context.Context, identity user.ID, draft message.Draft) (message.Message, error) {
	if !identity.Valid() || draft.Sender != identity {
		r.metrics.ObserveRoute(metrics.OutcomeUnauthorized)
		r.log.Warn("dropped frame with foreign sender", zap.String("user", string(identity)))
		return message.Message{}, fmt.Errorf("%w: sender does not match session", message.ErrUnauthorized)
	}
	now := r.now().UTC().Truncate(time.Microsecond)
	msg := message.Message{
		ID:         r.newID(now),
		Sender:     draft.Sender,
		Receiver:   draft.Receiver,
		Body:       draft.Body,
		Attachment: draft.Attachment,
		CreatedAt:  now,
	}

	var persistErr error
	if r.repo == nil {
		r.metrics.ObserveRoute(metrics.OutcomePersistFailed)
		persistErr = fmt.Errorf("%w: repository not configured", message.ErrPersistenceUnavailable)
	} else {
		start := time.Now()
		if _, err := r.repo.Append(ctx, msg); err != nil {
			securelog.Error(r.log, "router.persist", err)
			r.metrics.ObserveRoute(metrics.OutcomePersistFailed)
			persistErr = fmt.Errorf("%w: %v", message.ErrPersistenceUnavailable, err)
		} else {
			r.metrics.ObserveRoute(metrics.OutcomePersisted)
		}
		r.metrics.ObservePersist(time.Since(start).Seconds())
	}

	r.push(msg.Receiver, MessageEvent(EventMessageNew, msg))
	return msg, persistErr
}

// NotifyHidden tells the viewer's live connection that a message left its view.
func (r *Router) NotifyHidden(viewer user.ID, id message.ID) {
	r.push(viewer, Event{Type: EventMessageHidden, MessageID: id})
}

// NotifyTombstoned tells both participants that the content is gone.
func (r *Router) NotifyTombstoned(msg message.Message) {
	event := MessageEvent(EventMessageDeleted, msg)
	r.push(msg.Sender, event)
	r.push(msg.Receiver, event)
}

func (r *Router) push(to user.ID, event Event) {
	if r.registry == nil {
		return
	}
	h, ok := r.registry.Lookup(to)
	if !ok {
		if event.Type == EventMessageNew {
			r.metrics.ObservePush(metrics.PushOffline)
		}
		return
	}

	data, err := event.Encode()
	if err != nil {
		securelog.Error(r.log, "router.encode", err)
		return
	}
	if err := h.Push(data); err != nil {
		r.metrics.ObservePush(metrics.PushFailed)
		r.log.Warn("live push failed",
			zap.String("event", event.Type),
			zap.String("conn", h.ID()),
			zap.String("reason", pushFailureReason(err)))
		return
	}
	if event.Type == EventMessageNew {
		r.metrics.ObservePush(metrics.PushDelivered)
	}
}

// ErrHandleClosed is returned by handles whose transport already went away.
var ErrHandleClosed = errors.New("connection closed")

// ErrSlowConsumer is returned by handles whose send buffer is full.
var ErrSlowConsumer = errors.New("send buffer full")

func pushFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrHandleClosed):
		return "closed"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	default:
		return "transport"
	}
}
