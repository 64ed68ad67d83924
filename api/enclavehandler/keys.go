package enclavehandler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/auditlog"
	"github.com/ruteri/tee-wallet-enclave/envelope"
	"github.com/ruteri/tee-wallet-enclave/grant"
	"github.com/ruteri/tee-wallet-enclave/signer"
)

// ErrTestIntegrityKeyDisabled is returned for use_test_key unless the enclave
// was started with the test key allowed.
var ErrTestIntegrityKeyDisabled = errors.New("test integrity key is disabled")

// Labels for integrity-key message signatures returned by derive-key.
const (
	XpubSignatureLabel   = "xpub"
	PubkeySignatureLabel = "pubkey"
)

func (h *Handler) HandleLoadSecret(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.LoadSecretRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	audit.Append("loading dek %s via %s", req.DEKID, req.KMSParams.Provider)
	if err := h.keys.LoadSecret(r.Context(), req.DEKID, req.KMSParams); err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("dek %s loaded", req.DEKID)

	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

func (h *Handler) HandleLoadIntegrityKey(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.LoadIntegrityKeyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var err error
	if req.UseTestKey {
		if !h.allowTestIntKey {
			audit.Append("test integrity key refused")
			h.writeError(w, r, badRequest(ErrTestIntegrityKeyDisabled))
			return
		}
		h.log.Warn("loading the well-known test integrity key")
		audit.Append("loading test integrity key")
		err = h.keys.SetIntegrityKey(grant.TestIntegrityKey)
	} else {
		audit.Append("loading integrity key via %s", req.KMSParams.Provider)
		err = h.keys.LoadIntegrityKey(r.Context(), *req.KMSParams)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("integrity key loaded")

	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

func (h *Handler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.CreateKeyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	params, err := req.Network.ChainParams()
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	dek, err := h.keys.DEK(req.DEKID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer envelope.Zero(dek)

	root, err := signer.NewRootKey(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	xpub, err := root.Neuter()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	serialized := []byte(root.String())
	defer envelope.Zero(serialized)

	network := req.Network
	ciphertext, nonce, err := envelope.Wrap(dek, serialized, envelope.NewAAD(req.RootKeyID, &network))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("created root key %s on %s under dek %s", req.RootKeyID, req.Network, req.DEKID)

	h.writeJSON(w, http.StatusOK, api.CreateKeyResponse{
		RootKeyID:   req.RootKeyID,
		DEKID:       req.DEKID,
		Network:     req.Network,
		WrappedXprv: ciphertext,
		KeyNonce:    nonce,
		Xpub:        xpub.String(),
	})
}

// unwrapRootKey resolves the DEK and opens a wrapped root key bound to
// (key id, network).
func (h *Handler) unwrapRootKey(audit *auditlog.Buffer, req *api.RootKeyRequest) (*hdkeychain.ExtendedKey, *chaincfg.Params, error) {
	params, err := req.Network.ChainParams()
	if err != nil {
		return nil, nil, badRequest(err)
	}

	dek, err := h.keys.DEK(req.DEKID)
	if err != nil {
		return nil, nil, err
	}
	defer envelope.Zero(dek)

	network := req.Network
	plaintext, err := envelope.Unwrap(dek, req.WrappedXprv, req.KeyNonce, envelope.NewAAD(req.KeyID, &network))
	if err != nil {
		audit.Append("root key %s failed to unwrap", req.KeyID)
		return nil, nil, err
	}
	defer envelope.Zero(plaintext)

	root, err := signer.ParseRootKey(plaintext, params)
	if err != nil {
		return nil, nil, err
	}
	audit.Append("unwrapped root key %s under dek %s", req.KeyID, req.DEKID)
	return root, params, nil
}

func (h *Handler) HandleDeriveKey(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.DeriveKeyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	path, err := signer.ParsePath(req.DerivationPath)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}

	root, _, err := h.unwrapRootKey(audit, &req.RootKeyRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	xpub, dpub, err := signer.DeriveAccount(root, path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pub, err := xpub.ECPubKey()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	xpubStr := xpub.String()

	xpubSig, err := h.grants.SignMessage(XpubSignatureLabel, []byte(xpubStr))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pubkeySig, err := h.grants.SignMessage(PubkeySignatureLabel, pub.SerializeCompressed())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("derived %s from root key %s", signer.FormatPath(path), req.KeyID)

	h.writeJSON(w, http.StatusOK, api.DeriveKeyResponse{
		Xpub:      xpubStr,
		Dpub:      dpub.String(),
		XpubSig:   xpubSig,
		PubkeySig: pubkeySig,
	})
}

func parsePSBT(s string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(s), true)
	if err != nil {
		return nil, badRequest(fmt.Errorf("invalid psbt: %w", err))
	}
	return packet, nil
}

func (h *Handler) signAndRespond(w http.ResponseWriter, r *http.Request, s *signer.Signer, packet *psbt.Packet) {
	audit := auditFrom(r)

	signed, err := s.Sign(packet)
	if err != nil {
		audit.Append("%s signer aborted", s.Kind())
		h.writeError(w, r, err)
		return
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("%s signer signed %d of %d inputs", s.Kind(), signed, len(packet.Inputs))

	h.writeJSON(w, http.StatusOK, api.SignPSBTResponse{PSBT: encoded, SignedInputs: signed})
}

func (h *Handler) HandleSignPSBT(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.SignPSBTRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	packet, err := parsePSBT(req.PSBT)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var wallet *signer.WalletDescriptor
	if req.Descriptor != "" {
		wallet, err = signer.ParseWalletDescriptor(req.Descriptor)
		if err != nil {
			h.writeError(w, r, badRequest(err))
			return
		}
	}

	root, params, err := h.unwrapRootKey(audit, &req.RootKeyRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var s *signer.Signer
	if wallet != nil {
		s, err = signer.NewMultisigWallet(root, params, wallet)
	} else {
		s, err = signer.NewSingleKey(root, params)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.signAndRespond(w, r, s, packet)
}

func (h *Handler) HandleSignPSBTV2(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.SignPSBTV2Request
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	packet, err := parsePSBT(req.PSBT)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	app, err := signer.ParseDescriptorKey(req.AppDpub)
	if err != nil {
		h.writeError(w, r, badRequest(fmt.Errorf("app_dpub: %w", err)))
		return
	}
	hw, err := signer.ParseDescriptorKey(req.HwDpub)
	if err != nil {
		h.writeError(w, r, badRequest(fmt.Errorf("hw_dpub: %w", err)))
		return
	}

	root, params, err := h.unwrapRootKey(audit, &req.RootKeyRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	s, err := signer.NewChaincodeDelegate(root, params, app, hw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.signAndRespond(w, r, s, packet)
}
