// Package cryptoutils provides attestation providers and self-sovereign
// backup sealing.
//
// AttestationProvider implementations cover AWS Nitro (NSM), Intel TDX
// quotes produced locally or by a remote quote service, and a dummy provider
// for development. EnclaveReportData derives the 64 bytes every document
// commits to.
//
// SealBackup encrypts a share to two recipient secp256k1 keys. OpenBackup
// needs both recipient private keys together to recover it.
package cryptoutils
