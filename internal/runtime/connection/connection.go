// Package connection turns a stored broker into the client configuration of
// one broker connection. A configuration is built fresh for every task;
// connections are never shared between tasks.
package connection

import (
	"strings"
	"time"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
)

const (
	DefaultClientID          = "PLASMIDO"
	DefaultConnectionTimeout = 3 * time.Second
	DefaultRequestTimeout    = 25 * time.Second
	DefaultMaxRetryTime      = 30 * time.Second
	DefaultRetries           = 5
)

// Mechanism is the SASL mechanism of a connection.
type Mechanism string

const (
	MechanismPlain       Mechanism = "plain"
	MechanismScramSHA256 Mechanism = "scram-sha-256"
	MechanismScramSHA512 Mechanism = "scram-sha-512"
	MechanismAWSIAM      Mechanism = "aws"
)

// TLSOptions is present only when TLS is enabled.
type TLSOptions struct {
	RejectUnauthorized bool
}

// SASLOptions carries the credentials copied from the stored broker. Which
// fields are set depends on Mechanism.
type SASLOptions struct {
	Mechanism Mechanism

	Username string
	Password string

	AuthorizationIdentity string
	AccessKeyID           string
	SecretAccessKey       string
	SessionToken          string
}

// RetryPolicy bounds reconnect and resend attempts.
type RetryPolicy struct {
	MaxRetryTime time.Duration
	Retries      int
}

// ClientConfig is the wire-level configuration of one broker connection.
type ClientConfig struct {
	ClientID          string
	Brokers           []string
	TLS               *TLSOptions
	SASL              *SASLOptions
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	Retry             RetryPolicy
	// Region is the AWS region fallback for IAM authentication when it cannot
	// be derived from the broker host names.
	Region string
}

// Defaults are the values applied when the caller does not override them.
type Defaults struct {
	ClientID          string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	MaxRetryTime      time.Duration
	// Retries is nil to keep the built-in count; zero disables retries.
	Retries *int
	Region  string
}

type settings struct {
	clientID string
	connect  time.Duration
	request  time.Duration
	retry    RetryPolicy
	region   string
}

func standardSettings() settings {
	return settings{
		clientID: DefaultClientID,
		connect:  DefaultConnectionTimeout,
		request:  DefaultRequestTimeout,
		retry: RetryPolicy{
			MaxRetryTime: DefaultMaxRetryTime,
			Retries:      DefaultRetries,
		},
	}
}

type options struct {
	defaults   settings
	brokerList *string
	connect    time.Duration
	request    time.Duration
	retry      *RetryPolicy
}

// Option customises Build.
type Option func(*options)

// WithBrokerList replaces the stored broker URL, typically with the URL after
// user variable substitution.
func WithBrokerList(list string) Option {
	return func(o *options) { o.brokerList = &list }
}

// WithDefaults replaces the built-in defaults. Zero fields, and a nil
// Retries, keep the built-in value.
func WithDefaults(d Defaults) Option {
	return func(o *options) {
		if d.ClientID != "" {
			o.defaults.clientID = d.ClientID
		}
		if d.ConnectionTimeout > 0 {
			o.defaults.connect = d.ConnectionTimeout
		}
		if d.RequestTimeout > 0 {
			o.defaults.request = d.RequestTimeout
		}
		if d.MaxRetryTime > 0 {
			o.defaults.retry.MaxRetryTime = d.MaxRetryTime
		}
		if d.Retries != nil && *d.Retries >= 0 {
			o.defaults.retry.Retries = *d.Retries
		}
		if d.Region != "" {
			o.defaults.region = d.Region
		}
	}
}

// WithTimeouts overrides the connection and request timeouts.
func WithTimeouts(connect, request time.Duration) Option {
	return func(o *options) {
		o.connect = connect
		o.request = request
	}
}

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}

// Build maps broker (and any overrides) to a ClientConfig. It fails with a
// ConfigurationError wrapping ErrUnsupportedSecurityProtocol when the stored
// protocol is unknown, and with ErrBrokerListRequired when no endpoint is
// left after splitting the list.
func Build(broker models.Broker, opts ...Option) (ClientConfig, error) {
	o := options{defaults: standardSettings()}
	for _, opt := range opts {
		opt(&o)
	}

	list := broker.URL
	if o.brokerList != nil {
		list = *o.brokerList
	}
	brokers := SplitBrokerList(list)
	if len(brokers) == 0 {
		return ClientConfig{}, perrors.NewConfigurationError("broker url", list, perrors.ErrBrokerListRequired)
	}

	sasl, err := saslOptions(broker)
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		ClientID:          o.defaults.clientID,
		Brokers:           brokers,
		TLS:               tlsOptions(broker),
		SASL:              sasl,
		ConnectionTimeout: o.defaults.connect,
		RequestTimeout:    o.defaults.request,
		Retry:             o.defaults.retry,
		Region:            o.defaults.region,
	}
	if o.connect > 0 {
		cfg.ConnectionTimeout = o.connect
	}
	if o.request > 0 {
		cfg.RequestTimeout = o.request
	}
	if o.retry != nil {
		cfg.Retry = *o.retry
	}
	return cfg, nil
}

// SplitBrokerList splits a comma separated endpoint list, trimming blanks.
func SplitBrokerList(list string) []string {
	parts := strings.Split(list, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

func tlsOptions(b models.Broker) *TLSOptions {
	if !b.SSLEnabled {
		return nil
	}
	reject := true
	if b.RejectUnauthorized != nil {
		reject = *b.RejectUnauthorized
	}
	return &TLSOptions{RejectUnauthorized: reject}
}

func saslOptions(b models.Broker) (*SASLOptions, error) {
	switch b.Protocol {
	case models.ProtocolNone, "":
		return nil, nil
	case models.ProtocolPlain:
		return &SASLOptions{Mechanism: MechanismPlain, Username: b.Username, Password: b.Password}, nil
	case models.ProtocolScramSHA256:
		return &SASLOptions{Mechanism: MechanismScramSHA256, Username: b.Username, Password: b.Password}, nil
	case models.ProtocolScramSHA512:
		return &SASLOptions{Mechanism: MechanismScramSHA512, Username: b.Username, Password: b.Password}, nil
	case models.ProtocolAWSIAM:
		return &SASLOptions{
			Mechanism:             MechanismAWSIAM,
			AuthorizationIdentity: b.AuthorizationIdentity,
			AccessKeyID:           b.AccessKeyID,
			SecretAccessKey:       b.SecretAccessKey,
			SessionToken:          b.SessionToken,
		}, nil
	default:
		return nil, perrors.NewConfigurationError("security protocol", string(b.Protocol), perrors.ErrUnsupportedSecurityProtocol)
	}
}
