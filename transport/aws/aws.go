// Package aws provides the AWS SNS/SQS transport. The topic is an SNS topic
// and every output path consumes from its own SQS queue subscribed to it.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/userflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// Register adds the AWS transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates an SNS publisher and a factory for per-path SQS queues named
// "<topic>-<consumer>".
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetAWSRegion() == "" {
		return transport.Transport{}, errors.New("aws: region is required")
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID := resolveAccountID(cfg, endpoint != nil, logger)
	topicResolver, err := TopicResolverFactory(accountID, awsCfg.Region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": accountID,
			"region":     awsCfg.Region,
		})
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"account_id":      accountID,
		"custom_endpoint": endpoint != nil,
	})

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOptions(endpoint),
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(consumer string) (message.Subscriber, error) {
		return SubscriberFactory(
			sns.SubscriberConfig{
				AWSConfig:            awsCfg,
				OptFns:               snsOptions(endpoint),
				TopicResolver:        topicResolver,
				GenerateSqsQueueName: QueueNameGenerator(consumer),
			},
			sqs.SubscriberConfig{
				AWSConfig: awsCfg,
				OptFns:    sqsOptions(endpoint),
			},
			logger,
		)
	}

	return transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// QueueNameGenerator names the SQS queue a consumer reads a topic from.
func QueueNameGenerator(consumer string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%s", topic, consumer), nil
	}
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.GetAWSRegion())}

	accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cfg.GetAWSRegion()})
		return aws.Config{}, err
	}
	awsCfg.Region = cfg.GetAWSRegion()
	return awsCfg, nil
}

// resolveAccountID falls back to the LocalStack account when a custom
// endpoint is configured without a usable account id.
func resolveAccountID(cfg transport.Config, customEndpoint bool, logger watermill.LoggerAdapter) string {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	if !customEndpoint || len(accountID) == awsAccountIDLength {
		return accountID
	}
	logger.Info("AWS account ID unusable with custom endpoint; using LocalStack default", watermill.LogFields{
		"account_id": accountID,
	})
	return localstackAccountID
}

func endpointURL(cfg transport.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsed, nil
}

func snsOptions(endpoint *url.URL) []func(*amazonsns.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func sqsOptions(endpoint *url.URL) []func(*amazonsqs.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
