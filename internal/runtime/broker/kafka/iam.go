package kafka

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

const (
	iamSigningService = "kafka-cluster"
	iamAction         = "kafka-cluster:Connect"
	iamTokenExpiry    = 15 * time.Minute
	iamUserAgent      = "plasmido"
	iamTokenTimeout   = 10 * time.Second
	// sha256 of an empty body
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

var mskHostPattern = regexp.MustCompile(`\.kafka(?:-serverless)?\.([a-z0-9-]+)\.amazonaws\.com$`)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// iamTokenProvider produces MSK IAM OAUTHBEARER tokens: a presigned
// kafka-cluster:Connect URL, base64url encoded.
type iamTokenProvider struct {
	region      string
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	now         func() time.Time
}

func newIAMTokenProvider(cc connection.ClientConfig) (*iamTokenProvider, error) {
	region := regionFromBrokers(cc.Brokers)
	if region == "" {
		region = cc.Region
	}
	if region == "" {
		return nil, perrors.NewConfigurationError("aws region", "", fmt.Errorf("cannot derive region from brokers %v", cc.Brokers))
	}

	var provider aws.CredentialsProvider
	if cc.SASL.AccessKeyID != "" && cc.SASL.SecretAccessKey != "" {
		provider = credentials.NewStaticCredentialsProvider(cc.SASL.AccessKeyID, cc.SASL.SecretAccessKey, cc.SASL.SessionToken)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), iamTokenTimeout)
		defer cancel()
		awsCfg, err := DefaultConfigLoader(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, perrors.NewConfigurationError("aws credentials", "", err)
		}
		provider = awsCfg.Credentials
	}

	return &iamTokenProvider{
		region:      region,
		credentials: aws.NewCredentialsCache(provider),
		signer:      v4.NewSigner(),
		now:         time.Now,
	}, nil
}

// Token implements sarama.AccessTokenProvider.
func (p *iamTokenProvider) Token() (*sarama.AccessToken, error) {
	ctx, cancel := context.WithTimeout(context.Background(), iamTokenTimeout)
	defer cancel()

	token, err := p.generate(ctx)
	if err != nil {
		return nil, err
	}
	return &sarama.AccessToken{Token: token}, nil
}

func (p *iamTokenProvider) generate(ctx context.Context) (string, error) {
	creds, err := p.credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve aws credentials: %w", err)
	}

	query := url.Values{}
	query.Set("Action", iamAction)
	query.Set("X-Amz-Expires", strconv.Itoa(int(iamTokenExpiry.Seconds())))
	endpoint := url.URL{
		Scheme:   "https",
		Host:     fmt.Sprintf("kafka.%s.amazonaws.com", p.region),
		Path:     "/",
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}

	signed, _, err := p.signer.PresignHTTP(ctx, creds, req, emptyPayloadHash, iamSigningService, p.region, p.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to presign iam request: %w", err)
	}

	signedURL, err := url.Parse(signed)
	if err != nil {
		return "", err
	}
	q := signedURL.Query()
	q.Set("User-Agent", iamUserAgent)
	signedURL.RawQuery = q.Encode()

	return base64.RawURLEncoding.EncodeToString([]byte(signedURL.String())), nil
}

// regionFromBrokers extracts the AWS region of the first MSK host name.
func regionFromBrokers(brokers []string) string {
	for _, b := range brokers {
		host := b
		if h, _, err := net.SplitHostPort(b); err == nil {
			host = h
		}
		if m := mskHostPattern.FindStringSubmatch(host); m != nil {
			return m[1]
		}
	}
	return ""
}
