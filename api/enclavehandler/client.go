package enclavehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/auditlog"
	"github.com/ruteri/tee-wallet-enclave/securechannel"
)

// APIError is a non-2xx enclave response.
type APIError struct {
	StatusCode int
	api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.DEKID != "" {
		return fmt.Sprintf("enclave returned %d %s (dek %s): %s", e.StatusCode, e.Kind, e.DEKID, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("enclave returned %d %s: %s", e.StatusCode, e.Kind, e.ErrorResponse.Error)
}

// Client talks to the enclave API on behalf of the host relay.
type Client struct {
	URL    string
	Client *http.Client

	// OnAudit, if set, receives the decoded audit events of every response.
	OnAudit func(path string, events []string, truncated bool)
}

// NewClient creates a client using http.DefaultClient.
func NewClient(url string) *Client {
	return &Client{URL: url, Client: http.DefaultClient}
}

// Do posts in (or GETs when in is nil) and decodes a 200 response into out.
func (c *Client) Do(ctx context.Context, path string, in, out any) error {
	method := http.MethodGet
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		method = http.MethodPost
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach enclave: %w", err)
	}
	defer resp.Body.Close()

	if c.OnAudit != nil {
		if events, truncated, err := auditlog.Decode(resp.Header.Get(auditlog.HeaderName)); err == nil {
			c.OnAudit(path, events, truncated)
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read enclave response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, &apiErr.ErrorResponse) != nil {
			apiErr.ErrorResponse.Error = string(raw)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("could not parse enclave response: %w", err)
	}
	return nil
}

func (c *Client) Attestation(ctx context.Context) (*api.AttestationResponse, error) {
	var resp api.AttestationResponse
	return &resp, c.Do(ctx, "/attestation-doc-from-enclave", nil, &resp)
}

func (c *Client) LoadSecret(ctx context.Context, req *api.LoadSecretRequest) error {
	return c.Do(ctx, "/load-secret", req, nil)
}

func (c *Client) LoadIntegrityKey(ctx context.Context, req *api.LoadIntegrityKeyRequest) error {
	return c.Do(ctx, "/load-integrity-key", req, nil)
}

func (c *Client) CreateKey(ctx context.Context, req *api.CreateKeyRequest) (*api.CreateKeyResponse, error) {
	var resp api.CreateKeyResponse
	return &resp, c.Do(ctx, "/create-key", req, &resp)
}

func (c *Client) DeriveKey(ctx context.Context, req *api.DeriveKeyRequest) (*api.DeriveKeyResponse, error) {
	var resp api.DeriveKeyResponse
	return &resp, c.Do(ctx, "/derive-key", req, &resp)
}

func (c *Client) SignPSBT(ctx context.Context, req *api.SignPSBTRequest) (*api.SignPSBTResponse, error) {
	var resp api.SignPSBTResponse
	return &resp, c.Do(ctx, "/sign-psbt", req, &resp)
}

// Channel is an established secure channel. Calls on one Channel must not
// run concurrently since the Noise cipher states are sequential.
type Channel struct {
	client    *Client
	initiator *securechannel.Initiator
	SessionID string
}

// OpenChannel runs the Noise handshake against the given enclave static key.
func (c *Client) OpenChannel(ctx context.Context, serverStaticPub []byte) (*Channel, error) {
	initiator, msg, err := securechannel.NewInitiator(serverStaticPub)
	if err != nil {
		return nil, err
	}

	var resp api.InitiateSecureChannelResponse
	err = c.Do(ctx, "/initiate-secure-channel", &api.InitiateSecureChannelRequest{
		ServerStaticPubkey: serverStaticPub,
		HandshakeBundle:    msg,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := initiator.Complete(resp.HandshakeResponse); err != nil {
		return nil, err
	}
	return &Channel{client: c, initiator: initiator, SessionID: resp.SessionID}, nil
}

// Call seals in, posts it to path and unseals the response into out.
func (ch *Channel) Call(ctx context.Context, path string, in, out any) error {
	plaintext, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}
	ciphertext, err := ch.initiator.Seal(plaintext)
	if err != nil {
		return err
	}

	var sealed api.SealedEnvelope
	if err := ch.client.Do(ctx, path, &api.SealedEnvelope{SessionID: ch.SessionID, Ciphertext: ciphertext}, &sealed); err != nil {
		return err
	}
	if sealed.SessionID != ch.SessionID {
		return fmt.Errorf("response for session %q on channel %q", sealed.SessionID, ch.SessionID)
	}

	plaintext, err = ch.initiator.Unseal(sealed.Ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, out)
}
