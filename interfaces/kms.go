package interfaces

import (
	"context"
	"errors"
)

// KMSProvider selects the remote key-management backend that unwraps a key.
type KMSProvider string

const (
	// KMSProviderAWS decrypts through AWS KMS using caller-forwarded credentials.
	KMSProviderAWS KMSProvider = "aws"
	// KMSProviderVault decrypts through a HashiCorp Vault transit mount.
	KMSProviderVault KMSProvider = "vault"
	// KMSProviderKeeper decrypts through a gocloud.dev secrets keeper URL.
	KMSProviderKeeper KMSProvider = "keeper"
)

// KMSParams carries everything the enclave needs to ask the external KMS to
// unwrap one key. The host forwards short-lived credentials because the
// enclave has no identity of its own outside of its attestation.
type KMSParams struct {
	Provider   KMSProvider `json:"provider"`
	Ciphertext []byte      `json:"ciphertext"`

	// AWS
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`

	// KeyID names the KMS key (AWS key id/ARN or Vault transit key name).
	KeyID string `json:"key_id,omitempty"`
	// KeyURI is a gocloud.dev keeper URL, e.g. base64key:// or gcpkms://.
	KeyURI string `json:"key_uri,omitempty"`
}

// KMS unwraps data keys held by the external key-management service.
type KMS interface {
	Decrypt(ctx context.Context, params KMSParams) ([]byte, error)
}

var (
	// ErrKMSUnavailable is returned when the remote KMS cannot be reached or refuses the request.
	ErrKMSUnavailable = errors.New("kms unavailable")

	// ErrUnsupportedKMSProvider is returned for a provider with no configured backend.
	ErrUnsupportedKMSProvider = errors.New("unsupported kms provider")
)
