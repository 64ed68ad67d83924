package enclavehandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/auditlog"
	"github.com/ruteri/tee-wallet-enclave/cryptoutils"
	"github.com/ruteri/tee-wallet-enclave/envelope"
	"github.com/ruteri/tee-wallet-enclave/frost"
	"github.com/ruteri/tee-wallet-enclave/securechannel"
)

// sealedOp runs on an unsealed request payload and returns the response to seal.
type sealedOp func(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error)

func (h *Handler) HandleInitiateSecureChannel(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	var req api.InitiateSecureChannelRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	response, sessionID, err := h.channels.Initiate(req.ServerStaticPubkey, req.HandshakeBundle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit.Append("secure channel %s established", sessionID)

	h.writeJSON(w, http.StatusOK, api.InitiateSecureChannelResponse{
		HandshakeResponse: response,
		SessionID:         sessionID,
	})
}

// sealed unseals the request envelope, runs op and seals its result under
// the same session. Error responses are not sealed; they never carry
// payload data.
func (h *Handler) sealed(name string, op sealedOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit := auditFrom(r)

		var env api.SealedEnvelope
		if err := h.decode(r, &env); err != nil {
			h.writeError(w, r, err)
			return
		}

		payload, err := h.channels.Unseal(env.SessionID, env.Ciphertext)
		if err != nil {
			audit.Append("%s: unseal failed for session %s", name, env.SessionID)
			if errors.Is(err, securechannel.ErrUnseal) {
				// the receive nonce is out of step with the peer now
				h.channels.Close(env.SessionID)
			}
			h.writeError(w, r, err)
			return
		}
		defer envelope.Zero(payload)

		resp, err := op(r, audit, payload)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		body, err := json.Marshal(resp)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		defer envelope.Zero(body)

		ciphertext, err := h.channels.Seal(env.SessionID, body)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		audit.Append("%s: sealed response for session %s", name, env.SessionID)

		h.writeJSON(w, http.StatusOK, api.SealedEnvelope{SessionID: env.SessionID, Ciphertext: ciphertext})
	}
}

func shareAAD(ref *api.WrappedKeyRef) envelope.AAD {
	return envelope.NewAAD(ref.RootKeyID, ref.Network)
}

func (h *Handler) wrapShare(audit *auditlog.Buffer, ref *api.WrappedKeyRef, details frost.ShareDetails) (api.Wrapped, error) {
	dek, err := h.keys.DEK(ref.DEKID)
	if err != nil {
		return api.Wrapped{}, err
	}
	defer envelope.Zero(dek)

	plaintext, err := json.Marshal(details)
	if err != nil {
		return api.Wrapped{}, err
	}
	defer envelope.Zero(plaintext)

	ciphertext, nonce, err := envelope.Wrap(dek, plaintext, shareAAD(ref))
	if err != nil {
		return api.Wrapped{}, err
	}
	audit.Append("wrapped share details for %s under dek %s", ref.RootKeyID, ref.DEKID)
	return api.Wrapped{Ciphertext: ciphertext, Nonce: nonce}, nil
}

func (h *Handler) unwrapShare(audit *auditlog.Buffer, req *api.ShareRequest) (frost.ShareDetails, error) {
	dek, err := h.keys.DEK(req.DEKID)
	if err != nil {
		return frost.ShareDetails{}, err
	}
	defer envelope.Zero(dek)

	plaintext, err := envelope.Unwrap(dek, req.WrappedShareDetails.Ciphertext, req.WrappedShareDetails.Nonce, shareAAD(&req.WrappedKeyRef))
	if err != nil {
		audit.Append("share details for %s failed to unwrap", req.RootKeyID)
		return frost.ShareDetails{}, err
	}
	defer envelope.Zero(plaintext)

	var details frost.ShareDetails
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return frost.ShareDetails{}, fmt.Errorf("malformed share details: %w", err)
	}
	audit.Append("unwrapped share details for %s", req.RootKeyID)
	return details, nil
}

func (h *Handler) initiateDistributedKeygen(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.InitiateDKGRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	// Fail on an unknown DEK before generating anything.
	if _, err := h.keys.DEK(req.DEKID); err != nil {
		return nil, err
	}

	serverPkg, details, err := frost.Initiate(req.PeerPackage)
	if err != nil {
		audit.Append("keygen for %s rejected peer package", req.RootKeyID)
		return nil, err
	}
	defer envelope.Zero(details.SecretShare)

	verifyingShare, err := details.VerifyingShare(frost.ServerIdentifier)
	if err != nil {
		return nil, err
	}
	wrapped, err := h.wrapShare(audit, &req.WrappedKeyRef, details)
	if err != nil {
		return nil, err
	}
	audit.Append("keygen for %s initiated", req.RootKeyID)

	return api.InitiateDKGResponse{
		ServerPackage:       serverPkg,
		WrappedShareDetails: wrapped,
		AggregatePublicKey:  details.AggregatePublicKey,
		VerifyingShare:      verifyingShare,
	}, nil
}

func (h *Handler) continueDistributedKeygen(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.ContinueDKGRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	details, err := h.unwrapShare(audit, &req.ShareRequest)
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(details.SecretShare)

	if err := frost.Continue(details, req.PeerCommitments); err != nil {
		audit.Append("keygen for %s: peer commitments rejected", req.RootKeyID)
		return nil, err
	}
	outputKey, err := frost.TaprootOutputKey(details.AggregatePublicKey)
	if err != nil {
		return nil, err
	}
	audit.Append("keygen for %s complete", req.RootKeyID)

	return api.ContinueDKGResponse{
		AggregatePublicKey: details.AggregatePublicKey,
		TaprootOutputKey:   schnorr.SerializePubKey(outputKey),
	}, nil
}

func (h *Handler) generatePartialSignatures(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.GeneratePartialSignaturesRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	packet, err := parsePSBT(req.PSBT)
	if err != nil {
		return nil, err
	}

	details, err := h.unwrapShare(audit, &req.ShareRequest)
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(details.SecretShare)

	commitments, partials, err := frost.GeneratePartialSignatures(details, packet, req.PeerCommitments)
	if err != nil {
		audit.Append("partial signing for %s aborted", req.RootKeyID)
		return nil, err
	}
	audit.Append("produced %d partial signatures for %s", len(partials), req.RootKeyID)

	return api.GeneratePartialSignaturesResponse{
		Commitments:       commitments,
		PartialSignatures: partials,
	}, nil
}

func (h *Handler) createSelfSovereignBackup(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.CreateSelfSovereignBackupRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	for i, pub := range req.RecipientPubkeys {
		if _, err := btcec.ParsePubKey(pub); err != nil {
			return nil, badRequest(fmt.Errorf("recipient %d: %w", i, err))
		}
	}

	details, err := h.unwrapShare(audit, &req.ShareRequest)
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(details.SecretShare)

	plaintext, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(plaintext)

	backup, err := cryptoutils.SealBackup(plaintext, req.RecipientPubkeys[0], req.RecipientPubkeys[1])
	if err != nil {
		return nil, err
	}
	audit.Append("sealed backup of %s to two recipients", req.RootKeyID)

	return api.CreateSelfSovereignBackupResponse{Backup: *backup}, nil
}

// Share refresh has no rotation protocol yet. Initiate re-wraps the share
// under a fresh nonce; continue checks the share still opens.
func (h *Handler) initiateShareRefresh(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.ShareRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	details, err := h.unwrapShare(audit, &req)
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(details.SecretShare)

	wrapped, err := h.wrapShare(audit, &req.WrappedKeyRef, details)
	if err != nil {
		return nil, err
	}
	audit.Append("share refresh for %s is pass-through", req.RootKeyID)

	return api.ShareRefreshResponse{WrappedShareDetails: wrapped}, nil
}

func (h *Handler) continueShareRefresh(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.ShareRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	details, err := h.unwrapShare(audit, &req)
	if err != nil {
		return nil, err
	}
	envelope.Zero(details.SecretShare)
	audit.Append("share refresh for %s acknowledged", req.RootKeyID)

	return api.StatusResponse{Status: "acknowledged"}, nil
}

// evaluatePin echoes its input until a PIN PRF is defined.
func (h *Handler) evaluatePin(r *http.Request, audit *auditlog.Buffer, payload []byte) (any, error) {
	var req api.EvaluatePinRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	audit.Append("evaluate-pin is pass-through")
	return api.EvaluatePinResponse{Output: req.Input}, nil
}
