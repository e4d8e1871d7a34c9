// Package channel provides an in-memory broker for jobflow built on the
// Watermill Go channel pub/sub. It is useful for testing and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/pubsub"
)

// TransportName is the name used to register this broker.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// NewPubSub creates the Go channel pair.
func NewPubSub(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	return pub, sub, nil
}

// Build creates a new in-memory broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return pubsub.Builder(transport.ChannelCapabilities, NewPubSub)(ctx, cfg, logger)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
