package frost

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// SignableInputs returns, in order, the indices of inputs whose witness UTXO
// pays to the BIP-86 taproot output of the aggregate key.
func SignableInputs(packet *psbt.Packet, aggregateKey []byte) ([]int, error) {
	outputKey, err := TaprootOutputKey(aggregateKey)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build taproot script: %w", err)
	}

	var indices []int
	for i, in := range packet.Inputs {
		if in.WitnessUtxo != nil && bytes.Equal(in.WitnessUtxo.PkScript, script) {
			indices = append(indices, i)
		}
	}
	return indices, nil
}

// sigHasher computes BIP-341 key-spend sighashes. Taproot commits to every
// spent output, so every input needs a witness UTXO.
type sigHasher struct {
	packet  *psbt.Packet
	fetcher *txscript.MultiPrevOutFetcher
	hashes  *txscript.TxSigHashes
}

func newSigHasher(packet *psbt.Packet) (*sigHasher, error) {
	if packet == nil || packet.UnsignedTx == nil {
		return nil, fmt.Errorf("%w: missing unsigned transaction", ErrInvalidPackage)
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("%w: input count mismatch", ErrInvalidPackage)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return nil, fmt.Errorf("%w: input %d has no witness utxo", ErrInvalidPackage, i)
		}
		fetcher.AddPrevOut(packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}

	return &sigHasher{
		packet:  packet,
		fetcher: fetcher,
		hashes:  txscript.NewTxSigHashes(packet.UnsignedTx, fetcher),
	}, nil
}

func (h *sigHasher) keySpend(index int) ([]byte, error) {
	return txscript.CalcTaprootSignatureHash(h.hashes, txscript.SigHashDefault, h.packet.UnsignedTx, index, h.fetcher)
}

// KeySpendSigHash returns the SIGHASH_DEFAULT key-spend message of one input.
func KeySpendSigHash(packet *psbt.Packet, index int) ([]byte, error) {
	h, err := newSigHasher(packet)
	if err != nil {
		return nil, err
	}
	return h.keySpend(index)
}

// GeneratePartialSignatures produces the enclave's commitments and signature
// shares for every signable input of packet. peerCommitments are the peer's
// commitments for those inputs, in input order. Nothing is returned unless
// every input was signed.
func GeneratePartialSignatures(details ShareDetails, packet *psbt.Packet, peerCommitments []SigningCommitments) ([]SigningCommitments, []PartialSignature, error) {
	signable, err := SignableInputs(packet, details.AggregatePublicKey)
	if err != nil {
		return nil, nil, err
	}
	if len(signable) == 0 {
		return nil, nil, ErrNoSignableInputs
	}
	if len(peerCommitments) != len(signable) {
		return nil, nil, fmt.Errorf("%w: %d commitments for %d inputs", ErrCommitmentCount, len(peerCommitments), len(signable))
	}
	for i, c := range peerCommitments {
		if c.Identifier == details.Identifier {
			return nil, nil, fmt.Errorf("%w: commitment %d uses own identifier", ErrInvalidPackage, i)
		}
	}

	hasher, err := newSigHasher(packet)
	if err != nil {
		return nil, nil, err
	}

	ownCommitments := make([]SigningCommitments, 0, len(signable))
	partials := make([]PartialSignature, 0, len(signable))
	for i, index := range signable {
		msg, err := hasher.keySpend(index)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compute sighash of input %d: %w", index, err)
		}

		nonces, own, err := NewSigningNonces(details.Identifier)
		if err != nil {
			return nil, nil, err
		}
		z, err := SignShare(msg, details, nonces, []SigningCommitments{peerCommitments[i], own})
		if err != nil {
			return nil, nil, fmt.Errorf("input %d: %w", index, err)
		}

		ownCommitments = append(ownCommitments, own)
		partials = append(partials, PartialSignature{
			Identifier: details.Identifier,
			InputIndex: index,
			Z:          scalarBytes(z),
		})
	}
	return ownCommitments, partials, nil
}
