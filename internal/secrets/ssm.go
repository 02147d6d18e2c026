package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the subset of *ssm.Client used by SSMProvider.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMProvider reads SecureString parameters stored under a common prefix,
// e.g. /walletbot/OKX_API_KEY.
type SSMProvider struct {
	api    ssmAPI
	prefix string
}

// NewSSMProvider wraps an SSM API implementation.
func NewSSMProvider(api ssmAPI, prefix string) (*SSMProvider, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	return &SSMProvider{api: api, prefix: prefix}, nil
}

// NewSSMProviderFromEnv builds the SSM client from the default AWS credential
// chain.
func NewSSMProviderFromEnv(ctx context.Context, region, prefix string) (*SSMProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return NewSSMProvider(ssm.NewFromConfig(cfg), prefix)
}

// Lookup implements Provider. A missing parameter yields an empty value so
// that Load can report every absent name together.
func (p *SSMProvider) Lookup(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}
	full := p.prefix + name
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(full),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("secrets: get parameter %q: %w", full, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", nil
	}
	return *out.Parameter.Value, nil
}
