package cryptoutils

import (
	"context"
	"crypto/sha512"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	tdx_client "github.com/google/go-tdx-guest/client"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

var (
	NitroAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 3},
		StringID: "nitro",
	}

	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case NitroAttestation.StringID:
		return NitroAttestation, nil
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// AttestationProvider produces a hardware-signed document binding reportData
// to the running code identity.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// NitroAttestationProvider asks the Nitro Security Module for an attestation
// document carrying reportData as user data.
type NitroAttestationProvider struct{}

func (NitroAttestationProvider) AttestationType() AttestationType { return NitroAttestation }

func (NitroAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	defer sess.Close()

	res, err := sess.Send(&request.Attestation{
		UserData: reportData[:],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attestation from NSM: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("NSM returned error: %s", res.Error)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errors.New("NSM returned empty attestation document")
	}
	return res.Attestation.Document, nil
}

// RemoteAttestationProvider fetches quotes from a quote service reachable
// from inside the enclave, e.g. over a vsock proxy.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider returns a fixed placeholder document. It proves
// nothing and must only be selected explicitly for testing.
type DummyAttestationProvider struct {
	Log *slog.Logger
}

// DummyDocumentPrefix starts every placeholder document.
const DummyDocumentPrefix = "DUMMY-ATTESTATION-NOT-HARDWARE-BACKED:"

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (p DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	if p.Log != nil {
		p.Log.Warn("serving dummy attestation document")
	}
	return []byte(DummyDocumentPrefix + hex.EncodeToString(reportData[:])), nil
}

// NewAttestationProvider selects a provider by mode: nitro, tdx, remote or dummy.
func NewAttestationProvider(mode, remoteAddress string, log *slog.Logger) (AttestationProvider, error) {
	switch mode {
	case "nitro":
		return NitroAttestationProvider{}, nil
	case "tdx":
		return DCAPAttestationProvider{}, nil
	case "remote":
		if remoteAddress == "" {
			return nil, errors.New("remote attestation requires an address")
		}
		return &RemoteAttestationProvider{Address: remoteAddress}, nil
	case "dummy":
		if log != nil {
			log.Warn("attestation provider is in DUMMY mode; documents are not hardware backed")
		}
		return DummyAttestationProvider{Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown attestation mode %q", mode)
	}
}

const reportDataContext = "wsm-attestation-v1"

// EnclaveReportData commits to the enclave's secure-channel static public
// keys and its integrity public key (empty when not loaded):
//
//	SHA512(lp(context) || lp(count) || lp(static_i)... || lp(integrity_pub))
//
// Verifiers recompute it from the keys served next to the document.
func EnclaveReportData(staticKeys [][]byte, integrityPub []byte) [64]byte {
	h := sha512.New()
	writeLP := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}

	writeLP([]byte(reportDataContext))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(staticKeys)))
	writeLP(n[:])
	for _, k := range staticKeys {
		writeLP(k)
	}
	writeLP(integrityPub)

	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
