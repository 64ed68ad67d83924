package enclavehandler

import (
	"errors"
	"net/http"

	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/envelope"
	"github.com/ruteri/tee-wallet-enclave/frost"
	"github.com/ruteri/tee-wallet-enclave/grant"
	"github.com/ruteri/tee-wallet-enclave/interfaces"
	"github.com/ruteri/tee-wallet-enclave/kms"
	"github.com/ruteri/tee-wallet-enclave/securechannel"
	"github.com/ruteri/tee-wallet-enclave/signer"
)

const (
	KindBadRequest            = "BadRequest"
	KindKeyNotFound           = "KeyNotFound"
	KindInvalidDEK            = "InvalidDEK"
	KindIntegrityKeyNotLoaded = "IntegrityKeyNotLoaded"
	KindRateLimited           = "RateLimited"
	KindServerError           = "ServerError"
)

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &badRequestError{err: err}
}

// callerErrors are failures caused by the request contents.
var callerErrors = []error{
	kms.ErrKeyMismatch,
	kms.ErrReservedKeyID,
	interfaces.ErrUnsupportedKMSProvider,
	securechannel.ErrSessionNotFound,
	securechannel.ErrSessionNotEstablished,
	securechannel.ErrUnknownStaticKey,
	frost.ErrInvalidPackage,
	frost.ErrCommitmentCount,
	frost.ErrNoSignableInputs,
	signer.ErrInvalidDescriptor,
	signer.ErrTooManySignatures,
	signer.ErrUnknownDerivation,
	signer.ErrScriptMismatch,
	signer.ErrMissingUTXO,
	signer.ErrUnsupportedSighash,
	signer.ErrNothingToSign,
	signer.ErrKeyMismatch,
	grant.ErrInvalidSubject,
	grant.ErrInvalidAction,
}

// classify maps an error onto the HTTP error taxonomy. Authentication and
// verification failures (AEAD, handshake, proofs, signatures) fall through
// to ServerError.
func classify(err error) (status int, kind string, dekID string) {
	var notFound *kms.KeyNotFoundError
	var br *badRequestError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, KindKeyNotFound, notFound.ID
	case errors.Is(err, envelope.ErrInvalidKey):
		return http.StatusBadRequest, KindInvalidDEK, ""
	case errors.Is(err, kms.ErrIntegrityKeyNotLoaded):
		return http.StatusPreconditionRequired, KindIntegrityKeyNotLoaded, ""
	case errors.Is(err, securechannel.ErrRateLimited):
		return http.StatusTooManyRequests, KindRateLimited, ""
	case errors.As(err, &br):
		return http.StatusBadRequest, KindBadRequest, ""
	}
	for _, target := range callerErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, KindBadRequest, ""
		}
	}
	return http.StatusInternalServerError, KindServerError, ""
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, dekID := classify(err)

	audit := auditFrom(r)
	audit.Append("error: %s", kind)
	if h.errors != nil {
		h.errors.ObserveError(kind)
	}
	h.log.Info("request failed", "path", r.URL.Path, "kind", kind, "status", status, "err", err)

	h.writeJSON(w, status, api.ErrorResponse{
		Error: err.Error(),
		Kind:  kind,
		DEKID: dekID,
	})
}

