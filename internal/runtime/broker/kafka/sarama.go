package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"

	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

const minRetryBackoff = 100 * time.Millisecond

var errNoBrokers = perrors.NewConfigurationError("broker url", "", perrors.ErrBrokerListRequired)

// SaramaConfig applies cc onto base, or onto a fresh sarama configuration
// when base is nil, and validates the result.
func SaramaConfig(cc connection.ClientConfig, base *sarama.Config) (*sarama.Config, error) {
	cfg := base
	if cfg == nil {
		cfg = sarama.NewConfig()
	}

	if cc.ClientID != "" {
		cfg.ClientID = cc.ClientID
	}
	if cc.ConnectionTimeout > 0 {
		cfg.Net.DialTimeout = cc.ConnectionTimeout
	}
	if cc.RequestTimeout > 0 {
		cfg.Net.ReadTimeout = cc.RequestTimeout
		cfg.Net.WriteTimeout = cc.RequestTimeout
		cfg.Admin.Timeout = cc.RequestTimeout
	}
	applyRetry(cfg, cc.Retry)

	if cc.TLS != nil {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: !cc.TLS.RejectUnauthorized, //nolint:gosec // operator controlled per broker
			MinVersion:         tls.VersionTLS12,
		}
	}

	if err := applySASL(cfg, cc); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, perrors.NewConfigurationError("kafka client", "", err)
	}
	return cfg, nil
}

// applyRetry spreads the retry budget evenly over the allowed attempts. Zero
// retries disables them.
func applyRetry(cfg *sarama.Config, p connection.RetryPolicy) {
	if p.Retries < 0 {
		return
	}
	backoff := minRetryBackoff
	if p.MaxRetryTime > 0 && p.Retries > 0 {
		backoff = p.MaxRetryTime / time.Duration(p.Retries)
	}
	if backoff < minRetryBackoff {
		backoff = minRetryBackoff
	}

	cfg.Metadata.Retry.Max = p.Retries
	cfg.Metadata.Retry.Backoff = backoff
	cfg.Producer.Retry.Max = p.Retries
	cfg.Producer.Retry.Backoff = backoff
	cfg.Admin.Retry.Max = p.Retries
	cfg.Admin.Retry.Backoff = backoff
	cfg.Consumer.Retry.Backoff = backoff
}

func applySASL(cfg *sarama.Config, cc connection.ClientConfig) error {
	if cc.SASL == nil {
		return nil
	}
	sasl := cc.SASL
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Handshake = true

	switch sasl.Mechanism {
	case connection.MechanismPlain:
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = sasl.Username
		cfg.Net.SASL.Password = sasl.Password
	case connection.MechanismScramSHA256:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		cfg.Net.SASL.User = sasl.Username
		cfg.Net.SASL.Password = sasl.Password
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: sha256.New}
		}
	case connection.MechanismScramSHA512:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.User = sasl.Username
		cfg.Net.SASL.Password = sasl.Password
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: sha512.New}
		}
	case connection.MechanismAWSIAM:
		provider, err := newIAMTokenProvider(cc)
		if err != nil {
			return err
		}
		cfg.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		cfg.Net.SASL.AuthIdentity = sasl.AuthorizationIdentity
		cfg.Net.SASL.TokenProvider = provider
	default:
		return perrors.NewConfigurationError("sasl mechanism", string(sasl.Mechanism), perrors.ErrUnsupportedSecurityProtocol)
	}
	return nil
}

// scramClient adapts xdg-go/scram to sarama.SCRAMClient.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *scramClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return fmt.Errorf("scram: %w", err)
	}
	x.Client = client
	x.ClientConversation = client.NewConversation()
	return nil
}

func (x *scramClient) Step(challenge string) (string, error) {
	if x.ClientConversation == nil {
		return "", errors.New("scram: conversation not started")
	}
	return x.ClientConversation.Step(challenge)
}

func (x *scramClient) Done() bool {
	return x.ClientConversation != nil && x.ClientConversation.Done()
}
