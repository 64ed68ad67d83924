package frost

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keygenResult struct {
	peer   ShareDetails
	server ShareDetails
}

func runKeygen(t *testing.T) keygenResult {
	peerPoly, peerRound1, err := GenerateRound1(PeerIdentifier)
	require.NoError(t, err)
	defer peerPoly.Zero()

	serverPkg, serverDetails, err := Initiate(KeygenPackage{
		Round1:      peerRound1,
		SecretShare: peerPoly.ShareFor(ServerIdentifier),
	})
	require.NoError(t, err)

	peerDetails, err := Finalize(peerPoly, peerRound1, serverPkg)
	require.NoError(t, err)

	return keygenResult{peer: peerDetails, server: serverDetails}
}

func TestKeygen(t *testing.T) {
	res := runKeygen(t)

	assert.Equal(t, res.peer.AggregatePublicKey, res.server.AggregatePublicKey)
	assert.Equal(t, res.peer.Commitments, res.server.Commitments)
	assert.Equal(t, ServerIdentifier, res.server.Identifier)
	assert.NotEqual(t, res.peer.SecretShare, res.server.SecretShare)

	peerVerifyingShare, err := res.peer.VerifyingShare(PeerIdentifier)
	require.NoError(t, err)

	require.NoError(t, Continue(res.server, PeerCommitments{
		AggregatePublicKey: res.peer.AggregatePublicKey,
		VerifyingShare:     peerVerifyingShare,
	}))
}

func TestContinue_Mismatch(t *testing.T) {
	res := runKeygen(t)
	other := runKeygen(t)

	peerVerifyingShare, err := res.peer.VerifyingShare(PeerIdentifier)
	require.NoError(t, err)
	serverVerifyingShare, err := res.server.VerifyingShare(ServerIdentifier)
	require.NoError(t, err)

	err = Continue(res.server, PeerCommitments{
		AggregatePublicKey: other.peer.AggregatePublicKey,
		VerifyingShare:     peerVerifyingShare,
	})
	assert.ErrorIs(t, err, ErrCommitmentMismatch)

	err = Continue(res.server, PeerCommitments{
		AggregatePublicKey: res.peer.AggregatePublicKey,
		VerifyingShare:     serverVerifyingShare,
	})
	assert.ErrorIs(t, err, ErrCommitmentMismatch)
}

func TestInitiate_RejectsBadPackages(t *testing.T) {
	peerPoly, peerRound1, err := GenerateRound1(PeerIdentifier)
	require.NoError(t, err)
	otherPoly, _, err := GenerateRound1(PeerIdentifier)
	require.NoError(t, err)

	t.Run("share from another polynomial", func(t *testing.T) {
		_, _, err := Initiate(KeygenPackage{Round1: peerRound1, SecretShare: otherPoly.ShareFor(ServerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidShare)
	})

	t.Run("share for the wrong participant", func(t *testing.T) {
		_, _, err := Initiate(KeygenPackage{Round1: peerRound1, SecretShare: peerPoly.ShareFor(PeerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidShare)
	})

	t.Run("forged proof", func(t *testing.T) {
		forged := peerRound1
		forged.ProofZ = otherPoly.ShareFor(PeerIdentifier)
		_, _, err := Initiate(KeygenPackage{Round1: forged, SecretShare: peerPoly.ShareFor(ServerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidProof)
	})

	t.Run("proof replayed under another identifier", func(t *testing.T) {
		_, serverRound1, err := GenerateRound1(ServerIdentifier)
		require.NoError(t, err)
		replayed := serverRound1
		replayed.Identifier = PeerIdentifier
		_, _, err = Initiate(KeygenPackage{Round1: replayed, SecretShare: peerPoly.ShareFor(ServerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidProof)
	})

	t.Run("wrong identifier", func(t *testing.T) {
		wrong := peerRound1
		wrong.Identifier = ServerIdentifier
		_, _, err := Initiate(KeygenPackage{Round1: wrong, SecretShare: peerPoly.ShareFor(ServerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidPackage)
	})

	t.Run("missing commitment", func(t *testing.T) {
		short := peerRound1
		short.Commitments = short.Commitments[:1]
		_, _, err := Initiate(KeygenPackage{Round1: short, SecretShare: peerPoly.ShareFor(ServerIdentifier)})
		assert.ErrorIs(t, err, ErrInvalidPackage)
	})
}

func TestLagrange(t *testing.T) {
	signers := []Identifier{PeerIdentifier, ServerIdentifier}

	l1, err := lagrange(PeerIdentifier, signers)
	require.NoError(t, err)
	l2, err := lagrange(ServerIdentifier, signers)
	require.NoError(t, err)

	assert.True(t, l1.Equals(idScalar(2)))
	assert.True(t, l2.Equals(idScalar(1).Negate()))

	_, err = lagrange(3, signers)
	assert.Error(t, err)
}

func foreignScript() []byte {
	return append([]byte{txscript.OP_0, txscript.OP_DATA_20}, make([]byte, 20)...)
}

func newPacket(t *testing.T, scripts ...[]byte) *psbt.Packet {
	tx := wire.NewMsgTx(2)
	for i := range scripts {
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: uint32(i)}, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(10_000, foreignScript()))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	for i, script := range scripts {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(50_000, script)
	}
	return packet
}

func taprootScript(t *testing.T, aggregateKey []byte) []byte {
	outputKey, err := TaprootOutputKey(aggregateKey)
	require.NoError(t, err)
	script, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)
	return script
}

func peerNonces(t *testing.T, n int) ([]*SigningNonces, []SigningCommitments) {
	nonces := make([]*SigningNonces, n)
	commitments := make([]SigningCommitments, n)
	for i := range nonces {
		var err error
		nonces[i], commitments[i], err = NewSigningNonces(PeerIdentifier)
		require.NoError(t, err)
	}
	return nonces, commitments
}

func TestGeneratePartialSignatures_Aggregates(t *testing.T) {
	res := runKeygen(t)
	script := taprootScript(t, res.server.AggregatePublicKey)

	packet := newPacket(t, script, foreignScript(), script, script)

	signable, err := SignableInputs(packet, res.server.AggregatePublicKey)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 3}, signable)

	nonces, commitments := peerNonces(t, len(signable))

	serverCommitments, partials, err := GeneratePartialSignatures(res.server, packet, commitments)
	require.NoError(t, err)
	require.Len(t, serverCommitments, 3)
	require.Len(t, partials, 3)

	outputKey, err := TaprootOutputKey(res.server.AggregatePublicKey)
	require.NoError(t, err)

	for i, index := range signable {
		assert.Equal(t, index, partials[i].InputIndex)
		assert.Equal(t, ServerIdentifier, partials[i].Identifier)

		msg, err := KeySpendSigHash(packet, index)
		require.NoError(t, err)

		signers := []SigningCommitments{commitments[i], serverCommitments[i]}
		peerShare, err := SignShare(msg, res.peer, nonces[i], signers)
		require.NoError(t, err)

		sig, err := Aggregate(msg, res.server.AggregatePublicKey, signers, [][]byte{scalarBytes(peerShare), partials[i].Z})
		require.NoError(t, err)
		assert.True(t, sig.Verify(msg, outputKey))

		parsed, err := schnorr.ParseSignature(sig.Serialize())
		require.NoError(t, err)
		assert.True(t, parsed.Verify(msg, outputKey))
	}
}

func TestAggregate_RejectsBadShare(t *testing.T) {
	res := runKeygen(t)
	packet := newPacket(t, taprootScript(t, res.server.AggregatePublicKey))

	nonces, commitments := peerNonces(t, 1)
	serverCommitments, partials, err := GeneratePartialSignatures(res.server, packet, commitments)
	require.NoError(t, err)

	msg, err := KeySpendSigHash(packet, 0)
	require.NoError(t, err)
	signers := []SigningCommitments{commitments[0], serverCommitments[0]}

	// A peer share computed over a different message does not combine.
	otherMsg := chainhash.HashB([]byte("other message"))
	peerShare, err := SignShare(otherMsg, res.peer, nonces[0], signers)
	require.NoError(t, err)

	_, err = Aggregate(msg, res.server.AggregatePublicKey, signers, [][]byte{scalarBytes(peerShare), partials[0].Z})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestGeneratePartialSignatures_CommitmentCount(t *testing.T) {
	res := runKeygen(t)
	script := taprootScript(t, res.server.AggregatePublicKey)
	packet := newPacket(t, script, script, script)

	_, commitments := peerNonces(t, 2)
	_, _, err := GeneratePartialSignatures(res.server, packet, commitments)
	assert.ErrorIs(t, err, ErrCommitmentCount)

	_, commitments = peerNonces(t, 4)
	_, _, err = GeneratePartialSignatures(res.server, packet, commitments)
	assert.ErrorIs(t, err, ErrCommitmentCount)

	_, commitments = peerNonces(t, 3)
	own, partials, err := GeneratePartialSignatures(res.server, packet, commitments)
	require.NoError(t, err)
	assert.Len(t, own, 3)
	assert.Len(t, partials, 3)
}

func TestGeneratePartialSignatures_NoSignableInputs(t *testing.T) {
	res := runKeygen(t)
	packet := newPacket(t, foreignScript())

	_, _, err := GeneratePartialSignatures(res.server, packet, nil)
	assert.ErrorIs(t, err, ErrNoSignableInputs)
}

func TestGeneratePartialSignatures_RejectsOwnIdentifier(t *testing.T) {
	res := runKeygen(t)
	packet := newPacket(t, taprootScript(t, res.server.AggregatePublicKey))

	_, forged, err := NewSigningNonces(ServerIdentifier)
	require.NoError(t, err)

	_, _, err = GeneratePartialSignatures(res.server, packet, []SigningCommitments{forged})
	assert.ErrorIs(t, err, ErrInvalidPackage)
}
