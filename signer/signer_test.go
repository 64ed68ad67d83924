package signer

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

func mustPath(t *testing.T, s string) []uint32 {
	path, err := ParsePath(s)
	require.NoError(t, err)
	return path
}

func newRoot(t *testing.T) *hdkeychain.ExtendedKey {
	root, err := NewRootKey(params)
	require.NoError(t, err)
	return root
}

func account(t *testing.T, root *hdkeychain.ExtendedKey, path string) *DescriptorKey {
	_, dk, err := DeriveAccount(root, mustPath(t, path))
	require.NoError(t, err)
	return dk
}

type testInput struct {
	witnessScript []byte
	pkScript      []byte
	derivations   []*psbt.Bip32Derivation
	partialSigs   []*psbt.PartialSig
}

func buildPacket(t *testing.T, inputs ...testInput) *psbt.Packet {
	tx := wire.NewMsgTx(2)
	for i := range inputs {
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: uint32(i)}, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(90_000, []byte{txscript.OP_TRUE}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	for i, in := range inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(100_000, in.pkScript)
		packet.Inputs[i].WitnessScript = in.witnessScript
		packet.Inputs[i].Bip32Derivation = in.derivations
		packet.Inputs[i].PartialSigs = in.partialSigs
	}
	return packet
}

func multisigInput(t *testing.T, wallet *WalletDescriptor, rest []uint32) testInput {
	script, err := wallet.witnessScript(rest)
	require.NoError(t, err)
	pkScript, err := p2wsh(script, params)
	require.NoError(t, err)

	var derivations []*psbt.Bip32Derivation
	for _, dk := range wallet.keys() {
		child, err := derive(dk.Key, append(append([]uint32(nil), dk.ChildPath...), rest...))
		require.NoError(t, err)
		pub, err := child.ECPubKey()
		require.NoError(t, err)
		derivations = append(derivations, &psbt.Bip32Derivation{
			PubKey:               pub.SerializeCompressed(),
			MasterKeyFingerprint: dk.Fingerprint,
			Bip32Path:            append(append(append([]uint32(nil), dk.OriginPath...), dk.ChildPath...), rest...),
		})
	}
	return testInput{witnessScript: script, pkScript: pkScript, derivations: derivations}
}

func verifyLastSig(t *testing.T, packet *psbt.Packet, index int, scriptCode []byte) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		fetcher.AddPrevOut(packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	hashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)
	in := packet.Inputs[index]
	hash, err := txscript.CalcWitnessSigHash(scriptCode, hashes, txscript.SigHashAll, packet.UnsignedTx, index, in.WitnessUtxo.Value)
	require.NoError(t, err)

	require.NotEmpty(t, in.PartialSigs)
	ps := in.PartialSigs[len(in.PartialSigs)-1]
	require.Equal(t, byte(txscript.SigHashAll), ps.Signature[len(ps.Signature)-1])

	sig, err := ecdsa.ParseDERSignature(ps.Signature[:len(ps.Signature)-1])
	require.NoError(t, err)
	pub, err := btcec.ParsePubKey(ps.PubKey)
	require.NoError(t, err)
	assert.True(t, sig.Verify(hash, pub))
}

func fakeSig(t *testing.T) *psbt.PartialSig {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sig := ecdsa.Sign(priv, chainhash.HashB([]byte("other")))
	return &psbt.PartialSig{PubKey: priv.PubKey().SerializeCompressed(), Signature: append(sig.Serialize(), byte(txscript.SigHashAll))}
}

func countSigs(packet *psbt.Packet) int {
	n := 0
	for _, in := range packet.Inputs {
		n += len(in.PartialSigs)
	}
	return n
}

type multisigFixture struct {
	root   *hdkeychain.ExtendedKey
	wallet *WalletDescriptor
}

func newMultisigFixture(t *testing.T) multisigFixture {
	root := newRoot(t)
	wallet := &WalletDescriptor{
		App:    account(t, newRoot(t), "m/84'/1'/0'"),
		HW:     account(t, newRoot(t), "m/84'/1'/0'"),
		Server: account(t, root, "m/84'/1'/0'"),
	}
	return multisigFixture{root: root, wallet: wallet}
}

func TestParsePath(t *testing.T) {
	path, err := ParsePath("m/84'/1h/0H/0/7")
	require.NoError(t, err)
	assert.Equal(t, []uint32{84 + hdkeychain.HardenedKeyStart, 1 + hdkeychain.HardenedKeyStart, hdkeychain.HardenedKeyStart, 0, 7}, path)
	assert.Equal(t, "84h/1h/0h/0/7", FormatPath(path))

	path, err = ParsePath("m")
	require.NoError(t, err)
	assert.Empty(t, path)

	for _, bad := range []string{"m/x", "m/2147483648", "m/1//2"} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestWalletDescriptor_RoundTrip(t *testing.T) {
	fx := newMultisigFixture(t)

	parsed, err := ParseWalletDescriptor(fx.wallet.String() + "#abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, fx.wallet.String(), parsed.String())
	assert.Equal(t, fx.wallet.Server.Fingerprint, parsed.Server.Fingerprint)
	assert.True(t, parsed.Server.Wildcard)

	_, err = ParseWalletDescriptor("wsh(multi(2,a,b,c))")
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	_, err = ParseWalletDescriptor("wsh(sortedmulti(1," + fx.wallet.App.String() + "," + fx.wallet.HW.String() + "," + fx.wallet.Server.String() + "))")
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	rootString := fx.root.String()
	_, err = ParseDescriptorKey(rootString)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestMultisigWallet_Sign(t *testing.T) {
	fx := newMultisigFixture(t)

	s, err := NewMultisigWallet(fx.root, params, fx.wallet)
	require.NoError(t, err)
	assert.Equal(t, KindMultisigWallet, s.Kind())

	first := multisigInput(t, fx.wallet, []uint32{0, 3})
	second := multisigInput(t, fx.wallet, []uint32{1, 0})
	second.partialSigs = []*psbt.PartialSig{fakeSig(t)}
	packet := buildPacket(t, first, second)

	signed, err := s.Sign(packet)
	require.NoError(t, err)
	assert.Equal(t, 2, signed)

	verifyLastSig(t, packet, 0, first.witnessScript)
	verifyLastSig(t, packet, 1, second.witnessScript)

	// Re-signing an input that only carries our own signature adds nothing.
	again := buildPacket(t, first)
	signed, err = s.Sign(again)
	require.NoError(t, err)
	assert.Equal(t, 1, signed)
	signed, err = s.Sign(again)
	require.NoError(t, err)
	assert.Equal(t, 0, signed)
	assert.Len(t, again.Inputs[0].PartialSigs, 1)
}

func TestMultisigWallet_RejectsForeignRoot(t *testing.T) {
	fx := newMultisigFixture(t)

	_, err := NewMultisigWallet(newRoot(t), params, fx.wallet)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	mainnetRoot, err := NewRootKey(&chaincfg.MainNetParams)
	require.NoError(t, err)
	_, err = NewMultisigWallet(mainnetRoot, params, fx.wallet)
	assert.ErrorIs(t, err, ErrInvalidRootKey)
}

func TestMultisigWallet_AllOrNothing(t *testing.T) {
	fx := newMultisigFixture(t)
	s, err := NewMultisigWallet(fx.root, params, fx.wallet)
	require.NoError(t, err)

	tests := []struct {
		name    string
		tamper  func(in *testInput)
		wantErr error
	}{
		{
			name:    "two existing signatures",
			tamper:  func(in *testInput) { in.partialSigs = []*psbt.PartialSig{fakeSig(t), fakeSig(t)} },
			wantErr: ErrTooManySignatures,
		},
		{
			name: "claimed key not derivable",
			tamper: func(in *testInput) {
				in.derivations[0] = &psbt.Bip32Derivation{
					PubKey:               in.derivations[1].PubKey,
					MasterKeyFingerprint: in.derivations[0].MasterKeyFingerprint,
					Bip32Path:            in.derivations[0].Bip32Path,
				}
			},
			wantErr: ErrUnknownDerivation,
		},
		{
			name:    "server key missing",
			tamper:  func(in *testInput) { in.derivations = in.derivations[:2] },
			wantErr: ErrUnknownDerivation,
		},
		{
			name: "witness script from another index",
			tamper: func(in *testInput) {
				other := multisigInput(t, fx.wallet, []uint32{0, 99})
				in.witnessScript = other.witnessScript
			},
			wantErr: ErrScriptMismatch,
		},
		{
			name: "output script does not commit to witness script",
			tamper: func(in *testInput) {
				other := multisigInput(t, fx.wallet, []uint32{0, 99})
				in.pkScript = other.pkScript
			},
			wantErr: ErrScriptMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := multisigInput(t, fx.wallet, []uint32{0, 1})
			bad := multisigInput(t, fx.wallet, []uint32{0, 2})
			tt.tamper(&bad)

			packet := buildPacket(t, good, bad)
			before := countSigs(packet)

			_, err := s.Sign(packet)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, countSigs(packet), "no input may be signed")
		})
	}
}

func chaincodeFixture(t *testing.T) (*hdkeychain.ExtendedKey, *Signer) {
	root := newRoot(t)
	app := account(t, newRoot(t), "m/84'/1'/0'")
	hw := account(t, newRoot(t), "m/84'/1'/0'")

	s, err := NewChaincodeDelegate(root, params, app, hw)
	require.NoError(t, err)
	return root, s
}

func TestChaincodeDelegate_Sign(t *testing.T) {
	root, s := chaincodeFixture(t)
	assert.Equal(t, KindChaincodeDelegate, s.Kind())

	// The wallet's server key is the root public key under the delegated chain code.
	rootPub, err := root.ECPubKey()
	require.NoError(t, err)
	serverPub, err := s.Wallet().Server.Key.ECPubKey()
	require.NoError(t, err)
	assert.True(t, rootPub.IsEqual(serverPub))
	assert.NotEqual(t, root.ChainCode(), s.Wallet().Server.Key.ChainCode())

	in := multisigInput(t, s.Wallet(), []uint32{0, 5})
	packet := buildPacket(t, in)

	signed, err := s.Sign(packet)
	require.NoError(t, err)
	assert.Equal(t, 1, signed)
	verifyLastSig(t, packet, 0, in.witnessScript)
}

func TestChaincodeDelegate_AbortsOnDoubleSignedInput(t *testing.T) {
	_, s := chaincodeFixture(t)

	clean := multisigInput(t, s.Wallet(), []uint32{0, 1})
	doubled := multisigInput(t, s.Wallet(), []uint32{0, 2})
	doubled.partialSigs = []*psbt.PartialSig{fakeSig(t), fakeSig(t)}
	packet := buildPacket(t, clean, doubled)

	_, err := s.Sign(packet)
	assert.ErrorIs(t, err, ErrTooManySignatures)
	assert.Empty(t, packet.Inputs[0].PartialSigs)
	assert.Len(t, packet.Inputs[1].PartialSigs, 2)
}

func TestChaincodeDelegate_RejectsHardenedStep(t *testing.T) {
	_, s := chaincodeFixture(t)

	in := multisigInput(t, s.Wallet(), []uint32{0, 1})
	in.derivations[2].Bip32Path = []uint32{0, hdkeychain.HardenedKeyStart + 1}
	_, err := s.Sign(buildPacket(t, in))
	assert.ErrorIs(t, err, ErrUnknownDerivation)
}

func singleKeyInput(t *testing.T, root *hdkeychain.ExtendedKey, path string) testInput {
	fingerprint, err := Fingerprint(root)
	require.NoError(t, err)
	p := mustPath(t, path)
	child, err := derive(root, p)
	require.NoError(t, err)
	pub, err := child.ECPubKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return testInput{
		pkScript: pkScript,
		derivations: []*psbt.Bip32Derivation{{
			PubKey:               pub.SerializeCompressed(),
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            p,
		}},
	}
}

func TestSingleKey_Sign(t *testing.T) {
	root := newRoot(t)
	s, err := NewSingleKey(root, params)
	require.NoError(t, err)

	ours := singleKeyInput(t, root, "m/84'/1'/0'/0/4")
	foreign := singleKeyInput(t, newRoot(t), "m/84'/1'/0'/0/4")
	packet := buildPacket(t, ours, foreign)

	signed, err := s.Sign(packet)
	require.NoError(t, err)
	assert.Equal(t, 1, signed)
	verifyLastSig(t, packet, 0, ours.pkScript)
	assert.Empty(t, packet.Inputs[1].PartialSigs)

	_, err = s.Sign(buildPacket(t, foreign))
	assert.ErrorIs(t, err, ErrNothingToSign)

	wrongScript := singleKeyInput(t, root, "m/84'/1'/0'/0/5")
	wrongScript.pkScript = ours.pkScript
	_, err = s.Sign(buildPacket(t, wrongScript))
	assert.ErrorIs(t, err, ErrScriptMismatch)
}

func TestRootKey_ParseChecksNetwork(t *testing.T) {
	root := newRoot(t)

	parsed, err := ParseRootKey([]byte(root.String()), params)
	require.NoError(t, err)
	assert.Equal(t, root.String(), parsed.String())

	_, err = ParseRootKey([]byte(root.String()), &chaincfg.MainNetParams)
	assert.ErrorIs(t, err, ErrInvalidRootKey)

	xpub, err := root.Neuter()
	require.NoError(t, err)
	_, err = ParseRootKey([]byte(xpub.String()), params)
	assert.ErrorIs(t, err, ErrInvalidRootKey)
}
