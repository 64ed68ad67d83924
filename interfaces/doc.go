// Package interfaces defines the contracts shared between the enclave
// packages: the remote KMS used to unwrap keys and the Bitcoin network
// selector that scopes root keys.
package interfaces
