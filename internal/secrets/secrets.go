// Package secrets resolves the credentials the bot needs at startup. Values
// come from the process environment or from AWS SSM Parameter Store; any
// missing value aborts startup.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Names of the required secrets. The same names are used as environment
// variables and as SSM parameter suffixes.
const (
	KeyAPIKey        = "OKX_API_KEY"
	KeySecretKey     = "OKX_API_SECRET_KEY"
	KeyPassphrase    = "OKX_API_PASSPHRASE"
	KeyProjectID     = "OKX_PROJECT_ID"
	KeyEncryptionKey = "ENCRYPTION_KEY"
	KeyTelegramToken = "TELEGRAM_BOT_TOKEN"
)

// Provider looks up a single secret by name. It returns an empty string
// without error when the secret is absent.
type Provider interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Bundle holds every secret the runtime consumes. It must never be logged.
type Bundle struct {
	APIKey        string
	SecretKey     string
	Passphrase    string
	ProjectID     string
	EncryptionKey string
	TelegramToken string
}

// Options selects the optional secrets to resolve.
type Options struct {
	RequireTelegram bool
}

// Load resolves the bundle from the provider and reports every missing name
// at once.
func Load(ctx context.Context, provider Provider, opts Options) (Bundle, error) {
	if provider == nil {
		return Bundle{}, xerrors.New(xerrors.CodeConfigInvalid, "secret provider not configured")
	}

	var (
		bundle  Bundle
		missing []string
	)
	fields := []struct {
		name     string
		dst      *string
		required bool
	}{
		{KeyAPIKey, &bundle.APIKey, true},
		{KeySecretKey, &bundle.SecretKey, true},
		{KeyPassphrase, &bundle.Passphrase, true},
		{KeyProjectID, &bundle.ProjectID, true},
		{KeyEncryptionKey, &bundle.EncryptionKey, true},
		{KeyTelegramToken, &bundle.TelegramToken, opts.RequireTelegram},
	}
	for _, f := range fields {
		if !f.required {
			continue
		}
		value, err := provider.Lookup(ctx, f.name)
		if err != nil {
			return Bundle{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("read secret %s", f.name))
		}
		value = strings.TrimSpace(value)
		if value == "" {
			missing = append(missing, f.name)
			continue
		}
		*f.dst = value
	}
	if len(missing) > 0 {
		return Bundle{}, xerrors.New(xerrors.CodeConfigInvalid, "missing secrets: "+strings.Join(missing, ", "))
	}
	return bundle, nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider returns a provider backed by os.LookupEnv.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Lookup implements Provider.
func (p *EnvProvider) Lookup(_ context.Context, name string) (string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, _ := lookup(name)
	return value, nil
}
