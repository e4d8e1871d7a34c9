package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

// stubAWS swaps every factory for one that succeeds and returns the
// publisher and subscriber it hands out.
func stubAWS(t *testing.T) (*transporttest.Publisher, *transporttest.Subscriber) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-central-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, nil
	}
	return pub, sub
}

func TestBuild(t *testing.T) {
	t.Run("creates broker with mocked factories", func(t *testing.T) {
		pub, sub := stubAWS(t)

		var resolvedAccount, resolvedRegion string
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			resolvedAccount, resolvedRegion = accountID, region
			return &sns.GenerateArnTopicResolver{}, nil
		}

		cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}
		b, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "123456789012", resolvedAccount)
		assert.Equal(t, "us-east-1", resolvedRegion)

		require.NoError(t, b.Close())
		assert.True(t, pub.IsClosed())
		assert.True(t, sub.IsClosed())
	})

	t.Run("routes both clients to a custom endpoint", func(t *testing.T) {
		stubAWS(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Len(t, cfg.OptFns, 1)
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Len(t, cfg.OptFns, 1)
			assert.Len(t, sqsCfg.OptFns, 1)
			return &transporttest.Subscriber{}, nil
		}

		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubAWS(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error for malformed endpoint", func(t *testing.T) {
		stubAWS(t)

		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "failed to parse AWS endpoint")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubAWS(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		pub, _ := stubAWS(t)
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.IsClosed())
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("falls back to loaded region", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012"}
		_, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("strips quotes from account id", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: `"123456789012"`}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "")
		assert.Equal(t, "123456789012", accountID)
	})

	t.Run("uses localstack account with custom endpoint", func(t *testing.T) {
		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "42"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:000000000000:Orders-Orders_Ship")
	require.NoError(t, err)
	assert.Equal(t, "Orders-Orders_Ship", name)
}
