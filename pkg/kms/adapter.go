package kms

import (
	"bytes"
	"context"
	"sort"
	"time"

	"pastebook/svc/util"

	"github.com/pkg/errors"
)

const opTimeout = 10 * time.Second

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is authenticated with a wrapped key and must be
// presented unchanged to unwrap it.
type EncryptionContext map[string]string

// canonical encodes c with sorted keys so equal contexts give equal bytes.
func (c EncryptionContext) canonical() []byte {
	if len(c) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(c[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

// Provider wraps small keys under a master key it never releases and
// serves named secrets.
type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error)
	Secret(ctx context.Context, key string) (string, error)
}

// Options selects and configures providers. Vault is preferred, then AWS;
// the local key is only a fallback and is ignored when RequirePrimary is set.
type Options struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        string
	RequirePrimary  bool
	FailClosed      bool
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context, o Options) (*Adapter, error) {
	a := &Adapter{failClosed: o.FailClosed, requirePrimary: o.RequirePrimary}
	if o.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, o)
		if err != nil {
			util.Warn().Err(err).Msg("vault provider unavailable")
		} else {
			a.primary = vp
		}
	}
	if a.primary == nil && o.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, o)
		if err != nil {
			util.Warn().Err(err).Msg("aws kms provider unavailable")
		} else {
			a.primary = ap
		}
	}
	if !o.RequirePrimary && o.LocalKey != "" {
		lp, err := newLocalProvider(o.LocalKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize local key provider")
		}
		a.fallback = lp
	}
	if a.primary == nil && a.fallback == nil {
		if o.RequirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, local key)")
	}
	return a, nil
}

// call runs fn against the primary provider. The local fallback is used
// only when there is no primary, or when the primary failed and neither
// FailClosed nor RequirePrimary forbids it.
func call[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if a.primary != nil {
		v, err := fn(ctx, a.primary)
		if err == nil {
			return v, nil
		}
		if a.requirePrimary || a.failClosed || a.fallback == nil {
			return zero, errors.Wrapf(err, "%s via %s", op, a.primary.Name())
		}
		util.Warn().Err(err).Str("op", op).Str("provider", a.primary.Name()).Msg("primary KMS failed, using local key")
	}
	if a.fallback == nil {
		return zero, ErrProviderUnavailable
	}
	return fn(ctx, a.fallback)
}
func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return a.EncryptWithContext(ctx, plaintext, nil)
}
func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	return call(ctx, a, "wrap", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Wrap(ctx, plaintext, ec)
	})
}
func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return a.DecryptWithContext(ctx, ciphertext, nil)
}
func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	return call(ctx, a, "unwrap", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Unwrap(ctx, ciphertext, ec)
	})
}

// GetSecret reads a named secret, used for the password pepper.
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	return call(ctx, a, "secret", func(ctx context.Context, p Provider) (string, error) {
		v, err := p.Secret(ctx, key)
		if err == nil && v == "" {
			err = errors.Errorf("secret %s is empty", key)
		}
		return v, err
	})
}
