// Package kms keeps unwrapped key material in enclave memory and fetches it
// from remote key-management services.
//
// KeyCache maps DEK ids to 32-byte keys and holds the single integrity key.
// Entries are insert-only: loading an id that is already cached returns the
// cached key without contacting the KMS, and concurrent loads of the same id
// are coalesced. Nothing is written outside the process.
//
// Remote backends implement interfaces.KMS:
//
//   - AWSKMS decrypts with caller-forwarded AWS credentials.
//   - VaultKMS decrypts through a Vault transit mount.
//   - KeeperKMS opens any gocloud.dev secrets keeper URL.
//
// Router dispatches a request to the backend registered for its provider.
package kms
