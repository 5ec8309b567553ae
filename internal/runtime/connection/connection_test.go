package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildAppliesDefaults(t *testing.T) {
	cfg, err := Build(models.Broker{URL: " a:9092, b:9092 ,,"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
	assert.Equal(t, DefaultClientID, cfg.ClientID)
	assert.Equal(t, 3*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 25*time.Second, cfg.RequestTimeout)
	assert.Equal(t, RetryPolicy{MaxRetryTime: 30 * time.Second, Retries: 5}, cfg.Retry)
	assert.Nil(t, cfg.TLS)
	assert.Nil(t, cfg.SASL)
}

func TestBuildOverrides(t *testing.T) {
	cfg, err := Build(
		models.Broker{URL: "{{ $host }}:9092"},
		WithBrokerList("resolved:9092"),
		WithDefaults(Defaults{ClientID: "custom", Region: "eu-west-1"}),
		WithTimeouts(time.Second, 2*time.Second),
		WithRetry(RetryPolicy{MaxRetryTime: time.Second, Retries: 1}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"resolved:9092"}, cfg.Brokers)
	assert.Equal(t, "custom", cfg.ClientID)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, RetryPolicy{MaxRetryTime: time.Second, Retries: 1}, cfg.Retry)
}

func TestBuildDefaultsKeepExplicitZeroRetries(t *testing.T) {
	zero := 0
	cfg, err := Build(models.Broker{URL: "a:9092"},
		WithDefaults(Defaults{MaxRetryTime: time.Minute, Retries: &zero}))
	require.NoError(t, err)
	assert.Equal(t, RetryPolicy{MaxRetryTime: time.Minute, Retries: 0}, cfg.Retry)

	cfg, err = Build(models.Broker{URL: "a:9092"}, WithDefaults(Defaults{MaxRetryTime: time.Minute}))
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, cfg.Retry.Retries, "nil retries keeps the built-in count")
}

func TestBuildTLS(t *testing.T) {
	tests := []struct {
		name   string
		broker models.Broker
		want   *TLSOptions
	}{
		{"disabled", models.Broker{URL: "a", RejectUnauthorized: boolPtr(false)}, nil},
		{"enabled default", models.Broker{URL: "a", SSLEnabled: true}, &TLSOptions{RejectUnauthorized: true}},
		{"enabled permissive", models.Broker{URL: "a", SSLEnabled: true, RejectUnauthorized: boolPtr(false)}, &TLSOptions{RejectUnauthorized: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Build(tt.broker)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.TLS)
		})
	}
}

func TestBuildSASL(t *testing.T) {
	base := models.Broker{
		URL:                   "a:9096",
		Username:              "user",
		Password:              "secret",
		AuthorizationIdentity: "AIDA",
		AccessKeyID:           "AKIA",
		SecretAccessKey:       "shh",
		SessionToken:          "token",
	}

	tests := []struct {
		protocol models.SecurityProtocol
		want     *SASLOptions
	}{
		{models.ProtocolNone, nil},
		{"", nil},
		{models.ProtocolPlain, &SASLOptions{Mechanism: MechanismPlain, Username: "user", Password: "secret"}},
		{models.ProtocolScramSHA256, &SASLOptions{Mechanism: MechanismScramSHA256, Username: "user", Password: "secret"}},
		{models.ProtocolScramSHA512, &SASLOptions{Mechanism: MechanismScramSHA512, Username: "user", Password: "secret"}},
		{models.ProtocolAWSIAM, &SASLOptions{
			Mechanism:             MechanismAWSIAM,
			AuthorizationIdentity: "AIDA",
			AccessKeyID:           "AKIA",
			SecretAccessKey:       "shh",
			SessionToken:          "token",
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.protocol), func(t *testing.T) {
			b := base
			b.Protocol = tt.protocol
			cfg, err := Build(b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.SASL)
		})
	}
}

func TestBuildRejectsUnknownProtocol(t *testing.T) {
	_, err := Build(models.Broker{URL: "a:9092", Protocol: "SASL/GSSAPI"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrUnsupportedSecurityProtocol))
	assert.True(t, perrors.IsConfigurationError(err))
}

func TestBuildRequiresBrokers(t *testing.T) {
	_, err := Build(models.Broker{URL: " , "})
	assert.ErrorIs(t, err, perrors.ErrBrokerListRequired)
}
