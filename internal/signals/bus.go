package signals

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const topicPrefix = "signal."

type Handler func(ctx context.Context, sig Signal)

// Bus carries signals between the engine and its consumers. Each consumer
// subscribes to the kinds it handles; a kind nobody subscribed to is dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewBus(buffer int64, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, NewZapAdapter(logger)),
		logger: logger,
	}
}

func Topic(kind Kind) string {
	return topicPrefix + string(kind)
}

func (b *Bus) Publish(sig Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	msg := message.NewMessage(sig.ID, payload)
	msg.Metadata.Set("guild_id", sig.GuildID)
	return b.pubsub.Publish(Topic(sig.Kind), msg)
}

// Subscribe starts one delivery loop per kind. Loops exit when ctx is done or
// the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, name string, handler Handler, kinds ...Kind) error {
	for _, kind := range kinds {
		messages, err := b.pubsub.Subscribe(ctx, Topic(kind))
		if err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", name, kind, err)
		}
		b.wg.Add(1)
		go b.deliver(ctx, name, messages, handler)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, name string, messages <-chan *message.Message, handler Handler) {
	defer b.wg.Done()
	for msg := range messages {
		var sig Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			b.logger.Warn("drop malformed signal", zap.String("consumer", name), zap.String("message_id", msg.UUID), zap.Error(err))
			msg.Ack()
			continue
		}
		handler(ctx, sig)
		msg.Ack()
	}
}

func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
