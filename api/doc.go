/*
Package api holds the wire types of the wallet-signing enclave and the
configuration of its HTTP server.

The HTTP surface itself lives in the enclavehandler subpackage. Every route
returns the X-Wsm-Audit-Log header carrying the events of that request,
successful or not.

# Request Families

  - Key loading: /load-secret and /load-integrity-key unwrap a data encryption
    key (DEK) or the integrity key through a remote KMS and cache it in memory.
  - Root keys: /create-key, /derive-key, /sign-psbt and /sign-psbt-v2 operate on
    BIP-32 root keys the caller stores wrapped under a cached DEK.
  - Sealed operations: /initiate-secure-channel runs a Noise NK handshake; the
    distributed keygen, partial signing, backup, share refresh and PIN routes
    only accept a SealedEnvelope bound to an established session.
  - Grants: /approve-grant and /approve-psbt return statements signed by the
    integrity key.
  - Attestation: /attestation-doc-from-enclave returns a hardware document
    whose report data commits to the channel static keys and the integrity key.

# Errors

Failures are answered with ErrorResponse, unsealed, and a status derived from
the error kind: 400 BadRequest and InvalidDEK, 404 KeyNotFound (with dek_id),
428 IntegrityKeyNotLoaded, 429 RateLimited and 500 ServerError.

Request types implement Validatable and are checked with
github.com/jellydator/validation before any key material is touched.
*/
package api
