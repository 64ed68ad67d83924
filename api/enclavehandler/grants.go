package enclavehandler

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/cryptoutils"
	"github.com/ruteri/tee-wallet-enclave/grant"
	"github.com/ruteri/tee-wallet-enclave/kms"
)

func (h *Handler) respondGrant(w http.ResponseWriter, r *http.Request, g grant.SignedGrant) {
	pub, err := h.grants.PublicKey()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	auditFrom(r).Append("granted %s", g.Action.Kind)
	h.writeJSON(w, http.StatusOK, api.GrantResponse{Grant: g, IntegrityPubkey: pub})
}

func (h *Handler) HandleApproveGrant(w http.ResponseWriter, r *http.Request) {
	var req api.ApproveGrantRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	g, err := h.grants.CreateGrant(req.SubjectPubkey, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondGrant(w, r, g)
}

func (h *Handler) HandleApprovePSBT(w http.ResponseWriter, r *http.Request) {
	var req api.ApprovePSBTRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	packet, err := parsePSBT(req.PSBT)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	g, err := h.grants.ApprovePSBT(req.SubjectPubkey, packet)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondGrant(w, r, g)
}

func (h *Handler) HandleAttestationDoc(w http.ResponseWriter, r *http.Request) {
	audit := auditFrom(r)

	statics := h.channels.StaticPublicKeys()
	integrityPub, err := h.grants.PublicKey()
	if err != nil && !errors.Is(err, kms.ErrIntegrityKeyNotLoaded) {
		h.writeError(w, r, err)
		return
	}

	document, err := h.attestation.Attest(cryptoutils.EnclaveReportData(statics, integrityPub))
	if err != nil {
		audit.Append("attestation failed")
		h.writeError(w, r, err)
		return
	}
	audit.Append("attested %d static keys, integrity key present: %t", len(statics), integrityPub != nil)

	resp := api.AttestationResponse{
		AttestationType: h.attestation.AttestationType().StringID,
		Document:        document,
		IntegrityPubkey: integrityPub,
	}
	for _, k := range statics {
		resp.StaticPubkeys = append(resp.StaticPubkeys, hexutil.Bytes(k))
	}
	h.writeJSON(w, http.StatusOK, resp)
}
