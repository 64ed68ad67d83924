package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	vault "github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-wallet-enclave/interfaces"
	"gocloud.dev/secrets"

	_ "gocloud.dev/secrets/gcpkms"
	// base64key:// keepers.
	_ "gocloud.dev/secrets/localsecrets"
)

// AWSKMS decrypts through AWS KMS with the credentials forwarded in each request.
// The enclave has no network of its own, so Endpoint and ProxyURL usually point
// at a host-side forwarder.
type AWSKMS struct {
	Endpoint string
	ProxyURL string
}

func (a *AWSKMS) Decrypt(ctx context.Context, params interfaces.KMSParams) ([]byte, error) {
	if params.Region == "" || params.AccessKeyID == "" || params.SecretAccessKey == "" {
		return nil, errors.New("aws kms: region and credentials are required")
	}
	if len(params.Ciphertext) == 0 {
		return nil, errors.New("aws kms: empty ciphertext")
	}

	cfg := &aws.Config{
		Region:      aws.String(params.Region),
		Credentials: credentials.NewStaticCredentials(params.AccessKeyID, params.SecretAccessKey, params.SessionToken),
	}
	if a.Endpoint != "" {
		cfg.Endpoint = aws.String(a.Endpoint)
	}
	if a.ProxyURL != "" {
		proxy, err := url.Parse(a.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("aws kms: invalid proxy url: %w", err)
		}
		cfg.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}}
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: aws session: %v", interfaces.ErrKMSUnavailable, err)
	}

	input := &awskms.DecryptInput{CiphertextBlob: params.Ciphertext}
	if params.KeyID != "" {
		input.KeyId = aws.String(params.KeyID)
	}

	out, err := awskms.New(sess).DecryptWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: aws decrypt: %v", interfaces.ErrKMSUnavailable, err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrEmptyKey
	}
	return out.Plaintext, nil
}

// VaultKMS decrypts through a Vault transit secrets engine. Ciphertext is the
// transit "vault:v1:..." string and KeyID names the transit key.
type VaultKMS struct {
	client *vault.Client
	mount  string
}

// NewVaultKMS creates a transit client. An empty address falls back to VAULT_ADDR.
func NewVaultKMS(address, token, mount string) (*VaultKMS, error) {
	cfg := vault.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if mount == "" {
		mount = "transit"
	}
	return &VaultKMS{client: client, mount: mount}, nil
}

func (v *VaultKMS) Decrypt(ctx context.Context, params interfaces.KMSParams) ([]byte, error) {
	if params.KeyID == "" {
		return nil, errors.New("vault kms: key_id is required")
	}

	secret, err := v.client.Logical().WriteWithContext(ctx, path.Join(v.mount, "decrypt", params.KeyID), map[string]interface{}{
		"ciphertext": string(params.Ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vault decrypt: %v", interfaces.ErrKMSUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: vault returned no data", interfaces.ErrKMSUnavailable)
	}

	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: vault response missing plaintext", interfaces.ErrKMSUnavailable)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault kms: invalid plaintext encoding: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, ErrEmptyKey
	}
	return plaintext, nil
}

// KeeperKMS decrypts with a gocloud.dev secrets keeper. The request KeyURI
// wins over DefaultURI.
type KeeperKMS struct {
	DefaultURI string
}

func (k *KeeperKMS) Decrypt(ctx context.Context, params interfaces.KMSParams) ([]byte, error) {
	uri := params.KeyURI
	if uri == "" {
		uri = k.DefaultURI
	}
	if uri == "" {
		return nil, errors.New("keeper kms: key_uri is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: open keeper: %v", interfaces.ErrKMSUnavailable, err)
	}
	defer keeper.Close()

	plaintext, err := keeper.Decrypt(ctx, params.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: keeper decrypt: %v", interfaces.ErrKMSUnavailable, err)
	}
	if len(plaintext) == 0 {
		return nil, ErrEmptyKey
	}
	return plaintext, nil
}

// Router dispatches each request to the backend registered for its provider.
type Router struct {
	backends map[interfaces.KMSProvider]interfaces.KMS
}

// NewRouter creates a router with no backends.
func NewRouter() *Router {
	return &Router{backends: make(map[interfaces.KMSProvider]interfaces.KMS)}
}

// Register binds a backend to a provider name, replacing any previous one.
func (r *Router) Register(provider interfaces.KMSProvider, backend interfaces.KMS) *Router {
	r.backends[provider] = backend
	return r
}

func (r *Router) Decrypt(ctx context.Context, params interfaces.KMSParams) ([]byte, error) {
	backend, found := r.backends[params.Provider]
	if !found {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedKMSProvider, params.Provider)
	}
	return backend.Decrypt(ctx, params)
}
