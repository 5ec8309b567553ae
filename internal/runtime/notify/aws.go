package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill/message"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/theam/plasmido/internal/runtime/config"
)

var (
	AWSDefaultConfigLoader  = awsconfig.LoadDefaultConfig
	SNSTopicResolverFactory = sns.NewGenerateArnTopicResolver
	SNSPublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

func awsSink(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AWSRegion != "" {
		awsCfg.Region = cfg.AWSRegion
	}

	accountID := resolveAccountID(cfg)
	logger.Info("Creating SNS notification sink", watermill.LogFields{
		"accountID":       accountID,
		"region":          awsCfg.Region,
		"custom_endpoint": cfg.AWSEndpoint != "",
	})
	resolver, err := SNSTopicResolverFactory(accountID, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS topic resolver: %w", err)
	}

	pubCfg := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if cfg.AWSEndpoint != "" {
		endpoint, err := url.Parse(cfg.AWSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
		}
		pubCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}

	pub, err := SNSPublisherFactory(pubCfg, logger)
	if err != nil {
		return nil, err
	}
	return snsTopics{Publisher: pub}, nil
}

// resolveAccountID falls back to the LocalStack account when a custom
// endpoint is set and no valid account id is configured.
func resolveAccountID(cfg *config.Config) string {
	accountID := strings.Trim(cfg.AWSAccountID, "\"' ")
	if cfg.AWSEndpoint != "" && len(accountID) != awsAccountIDLength {
		return localstackAccountID
	}
	return accountID
}

// snsTopics maps event topics onto valid SNS topic names.
type snsTopics struct {
	message.Publisher
}

func (p snsTopics) Publish(topic string, msgs ...*message.Message) error {
	return p.Publisher.Publish(SNSTopicName(topic), msgs...)
}

// SNSTopicName replaces every character SNS rejects with a hyphen.
func SNSTopicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, topic)
}
