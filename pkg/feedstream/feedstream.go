// Package feedstream builds the watermill transport carrying change-feed
// snapshots from a conversation store to its subscribers. The default
// transport is an in-process go-channel pub/sub; Redis Streams can be
// enabled for multi-process deployments.
package feedstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds change-feed transport configuration.
type Settings struct {
	Enabled  bool   `yaml:"redis_enabled"`
	Addr     string `yaml:"redis_addr"`
	Group    string `yaml:"redis_group"`
	Consumer string `yaml:"redis_consumer"`
}

// PubSub is the publisher/subscriber pair a store publishes its feeds on.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes publisher and subscriber. The go-channel transport shares one
// value for both, so Close closes it once.
func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	if p.Publisher != nil {
		if sub, ok := p.Publisher.(message.Subscriber); ok && sub == p.Subscriber {
			return p.Subscriber.Close()
		}
		if err := p.Publisher.Close(); err != nil {
			return err
		}
	}
	if p.Subscriber != nil {
		return p.Subscriber.Close()
	}
	return nil
}

// BuildPubSub constructs the feed transport. When settings.Enabled is false
// it returns an in-memory go-channel pub/sub.
func BuildPubSub(s Settings) (*PubSub, error) {
	logger := watermill.NopLogger{}
	if !s.Enabled {
		ps := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logger)
		return &PubSub{Publisher: ps, Subscriber: ps}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, err
	}

	group := s.Group
	if group == "" {
		group = "parley"
	}
	consumer := s.Consumer
	if consumer == "" {
		consumer = "controller-1"
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &PubSub{Publisher: pub, Subscriber: sub}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist yet. This prevents full historical replay on first
// subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// ChatsTopic is the feed topic carrying chat-list snapshots for one user.
func ChatsTopic(userID string) string {
	return "chats:" + userID
}

// MessagesTopic is the feed topic carrying message-list snapshots for one chat.
func MessagesTopic(chatID string) string {
	return "messages:" + chatID
}
