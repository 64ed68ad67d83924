// Package enclavehandler serves the enclave's JSON API.
//
// Every response, success or failure, carries the per-request audit log in
// the X-Wsm-Audit-Log header. Keygen, signing-share, backup, refresh and PIN
// payloads travel inside secure-channel envelopes and are unsealed before
// any key is touched.
package enclavehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-wallet-enclave/api"
	"github.com/ruteri/tee-wallet-enclave/auditlog"
	"github.com/ruteri/tee-wallet-enclave/common"
	"github.com/ruteri/tee-wallet-enclave/cryptoutils"
	"github.com/ruteri/tee-wallet-enclave/grant"
	"github.com/ruteri/tee-wallet-enclave/kms"
	"github.com/ruteri/tee-wallet-enclave/securechannel"
)

// maxBodySize bounds request bodies; PSBTs are the largest payloads.
const maxBodySize = 4 * 1024 * 1024

// ErrorObserver counts failed requests by error kind.
type ErrorObserver interface {
	ObserveError(kind string)
}

type Handler struct {
	keys        *kms.KeyCache
	channels    *securechannel.Manager
	attestation cryptoutils.AttestationProvider
	grants      *grant.Authority
	log         *slog.Logger

	auditBudget     int
	errors          ErrorObserver
	allowTestIntKey bool
}

type HandlerOpts struct {
	// AuditBudget is the audit log byte budget per request.
	AuditBudget int
	// Errors is optional.
	Errors ErrorObserver
	// AllowTestIntegrityKey enables use_test_key on /load-integrity-key.
	AllowTestIntegrityKey bool
}

func NewHandler(keys *kms.KeyCache, channels *securechannel.Manager, attestation cryptoutils.AttestationProvider, log *slog.Logger, opts HandlerOpts) *Handler {
	if opts.AuditBudget <= 0 {
		opts.AuditBudget = auditlog.DefaultBudget
	}
	return &Handler{
		keys:        keys,
		channels:    channels,
		attestation: attestation,
		grants:      grant.NewAuthority(keys),
		log:         log,
		auditBudget: opts.AuditBudget,
		errors:      opts.Errors,

		allowTestIntKey: opts.AllowTestIntegrityKey,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.withAuditLog)

		r.Get("/", h.HandleIndex)
		r.Get("/health-check", h.HandleHealthCheck)
		r.Get("/attestation-doc-from-enclave", h.HandleAttestationDoc)

		r.Post("/load-secret", h.HandleLoadSecret)
		r.Post("/load-integrity-key", h.HandleLoadIntegrityKey)
		r.Post("/create-key", h.HandleCreateKey)
		r.Post("/derive-key", h.HandleDeriveKey)
		r.Post("/sign-psbt", h.HandleSignPSBT)
		r.Post("/sign-psbt-v2", h.HandleSignPSBTV2)

		r.Post("/initiate-secure-channel", h.HandleInitiateSecureChannel)
		r.Post("/initiate-distributed-keygen", h.sealed("initiate-distributed-keygen", h.initiateDistributedKeygen))
		r.Post("/continue-distributed-keygen", h.sealed("continue-distributed-keygen", h.continueDistributedKeygen))
		r.Post("/generate-partial-signatures", h.sealed("generate-partial-signatures", h.generatePartialSignatures))
		r.Post("/create-self-sovereign-backup", h.sealed("create-self-sovereign-backup", h.createSelfSovereignBackup))
		r.Post("/initiate-share-refresh", h.sealed("initiate-share-refresh", h.initiateShareRefresh))
		r.Post("/continue-share-refresh", h.sealed("continue-share-refresh", h.continueShareRefresh))
		r.Post("/evaluate-pin", h.sealed("evaluate-pin", h.evaluatePin))

		r.Post("/approve-grant", h.HandleApproveGrant)
		r.Post("/approve-psbt", h.HandleApprovePSBT)
	})
}

type auditKey struct{}

// auditWriter stamps the audit header right before the status line goes
// out, so it reflects every event appended up to that point.
type auditWriter struct {
	http.ResponseWriter
	audit       *auditlog.Buffer
	wroteHeader bool
}

func (w *auditWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set(auditlog.HeaderName, w.audit.Encode())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (h *Handler) withAuditLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		audit := auditlog.New(h.auditBudget)
		audit.Append("%s %s", r.Method, r.URL.Path)
		ctx := context.WithValue(r.Context(), auditKey{}, audit)
		next.ServeHTTP(&auditWriter{ResponseWriter: w, audit: audit}, r.WithContext(ctx))
	})
}

func auditFrom(r *http.Request) *auditlog.Buffer {
	if audit, ok := r.Context().Value(auditKey{}).(*auditlog.Buffer); ok {
		return audit
	}
	return auditlog.New(0)
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(r *http.Request, v api.Validatable) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return badRequest(fmt.Errorf("failed to read request body: %w", err))
	}
	if len(body) > maxBodySize {
		return badRequest(fmt.Errorf("request body exceeds %d bytes", maxBodySize))
	}
	return decodePayload(body, v)
}

func decodePayload(body []byte, v api.Validatable) error {
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest(fmt.Errorf("invalid json: %w", err))
	}
	if err := v.Validate(); err != nil {
		return badRequest(err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "err", err)
	}
}

func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "wsm-enclave " + common.Version})
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}
