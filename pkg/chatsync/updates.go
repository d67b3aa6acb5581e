package chatsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// DefaultUpdatesTopic is where timeline updates are fanned out.
const DefaultUpdatesTopic = "chatsync.updates"

// Update tells observers that the engine state moved to Version.
type Update struct {
	Version   uint64              `json:"version"`
	SessionID string              `json:"session_id,omitempty"`
	Mutations []timeline.Mutation `json:"mutations,omitempty"`
	Typing    bool                `json:"typing,omitempty"`
	At        time.Time           `json:"at"`
}

type UpdatePublisher interface {
	PublishUpdate(ctx context.Context, u Update) error
}

// WatermillUpdatePublisher publishes updates as JSON messages on a watermill topic.
type WatermillUpdatePublisher struct {
	publisher message.Publisher
	topic     string
}

var _ UpdatePublisher = &WatermillUpdatePublisher{}

func NewWatermillUpdatePublisher(publisher message.Publisher, topic string) *WatermillUpdatePublisher {
	if topic == "" {
		topic = DefaultUpdatesTopic
	}
	return &WatermillUpdatePublisher{publisher: publisher, topic: topic}
}

func (p *WatermillUpdatePublisher) PublishUpdate(ctx context.Context, u Update) error {
	if p == nil || p.publisher == nil {
		return errors.New("update publisher: nil publisher")
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "update publisher: marshal")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	msg.Metadata.Set("session_id", u.SessionID)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return errors.Wrap(err, "update publisher: publish")
	}
	return nil
}

func DecodeUpdate(msg *message.Message) (Update, error) {
	if msg == nil {
		return Update{}, errors.New("decode update: nil message")
	}
	var u Update
	if err := json.Unmarshal(msg.Payload, &u); err != nil {
		return Update{}, errors.Wrap(err, "decode update")
	}
	return u, nil
}

// SubscribeUpdates decodes and acks every message on topic. The returned channel
// closes when ctx is done or the subscription ends.
func SubscribeUpdates(ctx context.Context, sub message.Subscriber, topic string) (<-chan Update, error) {
	if sub == nil {
		return nil, errors.New("subscribe updates: nil subscriber")
	}
	if topic == "" {
		topic = DefaultUpdatesTopic
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe updates")
	}
	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			u, err := DecodeUpdate(msg)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("component", "chatsync").Str("topic", topic).Msg("dropping undecodable update")
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
