package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// vaultProvider uses a transit key for wrapping and a KV v2 mount for secrets.
type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context, o Options) (*vaultProvider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = o.VaultAddr
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	token := o.VaultToken
	if o.VaultTokenFile != "" {
		b, err := os.ReadFile(o.VaultTokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		token = strings.TrimSpace(string(b))
	}
	if token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  o.VaultMountPath,
		keyID:      o.VaultKeyID,
		secretPath: o.VaultSecretPath,
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) transit(ctx context.Context, op string, data map[string]interface{}, ec EncryptionContext, field string) (string, error) {
	if c := ec.canonical(); c != nil {
		data["context"] = base64.StdEncoding.EncodeToString(c)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/"+op+"/"+v.keyID, data)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", errors.Errorf("vault: empty %s response", op)
	}
	out, ok := secret.Data[field].(string)
	if !ok {
		return "", errors.Errorf("vault: %s not found", field)
	}
	return out, nil
}
func (v *vaultProvider) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	ct, err := v.transit(ctx, "encrypt", map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}, ec, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}
func (v *vaultProvider) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	pt, err := v.transit(ctx, "decrypt", map[string]interface{}{
		"ciphertext": string(ciphertext),
	}, ec, "plaintext")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(pt)
}
func (v *vaultProvider) Secret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

// awsProvider wraps with AWS KMS and reads secrets from Secrets Manager.
type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context, o Options) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(awsCfg),
		smClient:  secretsmanager.NewFromConfig(awsCfg),
		keyID:     o.AWSKeyID,
	}, nil
}
func (a *awsProvider) Name() string { return "aws-kms" }
func (a *awsProvider) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt failed")
	}
	return out.CiphertextBlob, nil
}
func (a *awsProvider) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             &a.keyID,
		CiphertextBlob:    ciphertext,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt failed")
	}
	return out.Plaintext, nil
}
func (a *awsProvider) Secret(ctx context.Context, key string) (string, error) {
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", key)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

// localProvider wraps with an AES-256-GCM key held in process memory and
// reads secrets from the environment. The encryption context is the AAD.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return &localProvider{aead: aead}, nil
}
func (l *localProvider) Name() string { return "local" }
func (l *localProvider) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, ec.canonical()), nil
}
func (l *localProvider) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := l.aead.Open(nil, ciphertext[:n], ciphertext[n:], ec.canonical())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
func (l *localProvider) Secret(ctx context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret not found: %s", key)
	}
	return val, nil
}
