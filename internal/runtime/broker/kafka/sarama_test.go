package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

func baseClientConfig() connection.ClientConfig {
	return connection.ClientConfig{
		ClientID:          "PLASMIDO",
		Brokers:           []string{"localhost:9092"},
		ConnectionTimeout: 3 * time.Second,
		RequestTimeout:    25 * time.Second,
		Retry:             connection.RetryPolicy{MaxRetryTime: 30 * time.Second, Retries: 5},
	}
}

func TestSaramaConfigPlaintext(t *testing.T) {
	cfg, err := SaramaConfig(baseClientConfig(), nil)
	require.NoError(t, err)

	assert.Equal(t, "PLASMIDO", cfg.ClientID)
	assert.Equal(t, 3*time.Second, cfg.Net.DialTimeout)
	assert.Equal(t, 25*time.Second, cfg.Net.ReadTimeout)
	assert.Equal(t, 25*time.Second, cfg.Admin.Timeout)
	assert.Equal(t, 5, cfg.Metadata.Retry.Max)
	assert.Equal(t, 6*time.Second, cfg.Producer.Retry.Backoff)
	assert.False(t, cfg.Net.TLS.Enable)
	assert.False(t, cfg.Net.SASL.Enable)
}

func TestSaramaConfigKeepsBase(t *testing.T) {
	base := sarama.NewConfig()
	base.Producer.Return.Successes = true
	base.Producer.RequiredAcks = sarama.WaitForAll

	cfg, err := SaramaConfig(baseClientConfig(), base)
	require.NoError(t, err)
	assert.Same(t, base, cfg)
	assert.True(t, cfg.Producer.Return.Successes)
}

func TestSaramaConfigRetryBackoffFloor(t *testing.T) {
	cc := baseClientConfig()
	cc.Retry = connection.RetryPolicy{MaxRetryTime: 100 * time.Millisecond, Retries: 10}

	cfg, err := SaramaConfig(cc, nil)
	require.NoError(t, err)
	assert.Equal(t, minRetryBackoff, cfg.Metadata.Retry.Backoff)
}

func TestSaramaConfigZeroRetries(t *testing.T) {
	cc := baseClientConfig()
	cc.Retry = connection.RetryPolicy{MaxRetryTime: time.Second, Retries: 0}

	cfg, err := SaramaConfig(cc, nil)
	require.NoError(t, err)
	assert.Zero(t, cfg.Metadata.Retry.Max)
	assert.Zero(t, cfg.Producer.Retry.Max)
	assert.Zero(t, cfg.Admin.Retry.Max)
}

func TestSaramaConfigTLS(t *testing.T) {
	t.Run("verifies by default", func(t *testing.T) {
		cc := baseClientConfig()
		cc.TLS = &connection.TLSOptions{RejectUnauthorized: true}
		cfg, err := SaramaConfig(cc, nil)
		require.NoError(t, err)
		assert.True(t, cfg.Net.TLS.Enable)
		assert.False(t, cfg.Net.TLS.Config.InsecureSkipVerify)
	})

	t.Run("accepts self signed", func(t *testing.T) {
		cc := baseClientConfig()
		cc.TLS = &connection.TLSOptions{RejectUnauthorized: false}
		cfg, err := SaramaConfig(cc, nil)
		require.NoError(t, err)
		assert.True(t, cfg.Net.TLS.Config.InsecureSkipVerify)
	})
}

func TestSaramaConfigSASL(t *testing.T) {
	cases := []struct {
		name      string
		mechanism connection.Mechanism
		want      sarama.SASLMechanism
		scram     bool
	}{
		{"plain", connection.MechanismPlain, sarama.SASLTypePlaintext, false},
		{"scram 256", connection.MechanismScramSHA256, sarama.SASLTypeSCRAMSHA256, true},
		{"scram 512", connection.MechanismScramSHA512, sarama.SASLTypeSCRAMSHA512, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cc := baseClientConfig()
			cc.SASL = &connection.SASLOptions{Mechanism: tc.mechanism, Username: "alice", Password: "secret"}

			cfg, err := SaramaConfig(cc, nil)
			require.NoError(t, err)
			assert.True(t, cfg.Net.SASL.Enable)
			assert.Equal(t, tc.want, cfg.Net.SASL.Mechanism)
			assert.Equal(t, "alice", cfg.Net.SASL.User)
			assert.Equal(t, "secret", cfg.Net.SASL.Password)
			if tc.scram {
				require.NotNil(t, cfg.Net.SASL.SCRAMClientGeneratorFunc)
				assert.NotNil(t, cfg.Net.SASL.SCRAMClientGeneratorFunc())
			}
		})
	}
}

func TestSaramaConfigAWSIAM(t *testing.T) {
	cc := baseClientConfig()
	cc.Brokers = []string{"b-1.demo.abc123.c2.kafka.eu-west-1.amazonaws.com:9098"}
	cc.TLS = &connection.TLSOptions{RejectUnauthorized: true}
	cc.SASL = &connection.SASLOptions{
		Mechanism:             connection.MechanismAWSIAM,
		AuthorizationIdentity: "arn:aws:iam::1:role/x",
		AccessKeyID:           "AKIDEXAMPLE",
		SecretAccessKey:       "wJalrXUtnFEMI",
	}

	cfg, err := SaramaConfig(cc, nil)
	require.NoError(t, err)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeOAuth), cfg.Net.SASL.Mechanism)
	assert.Equal(t, "arn:aws:iam::1:role/x", cfg.Net.SASL.AuthIdentity)
	provider, ok := cfg.Net.SASL.TokenProvider.(*iamTokenProvider)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", provider.region)
}

func TestSaramaConfigUnknownMechanism(t *testing.T) {
	cc := baseClientConfig()
	cc.SASL = &connection.SASLOptions{Mechanism: "kerberos"}

	_, err := SaramaConfig(cc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrUnsupportedSecurityProtocol)
	assert.True(t, perrors.IsConfigurationError(err))
}

func TestScramClientRequiresBegin(t *testing.T) {
	c := &scramClient{}
	_, err := c.Step("challenge")
	require.Error(t, err)
	assert.False(t, c.Done())
}

func TestNewClientRequiresBrokers(t *testing.T) {
	_, err := NewClient(connection.ClientConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrBrokerListRequired)
}
