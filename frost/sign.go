package frost

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

const rhoContext = "wsm-frost-rho-v1"

// SigningNonces are one participant's secret nonces for one message.
// They must be used for exactly one signature share.
type SigningNonces struct {
	id      Identifier
	hiding  *btcec.ModNScalar
	binding *btcec.ModNScalar
}

// NewSigningNonces samples fresh nonces for id and returns their commitments.
func NewSigningNonces(id Identifier) (*SigningNonces, SigningCommitments, error) {
	hiding, err := randomScalar()
	if err != nil {
		return nil, SigningCommitments{}, err
	}
	binding, err := randomScalar()
	if err != nil {
		return nil, SigningCommitments{}, err
	}

	d, err := pointBytes(baseMul(hiding))
	if err != nil {
		return nil, SigningCommitments{}, err
	}
	e, err := pointBytes(baseMul(binding))
	if err != nil {
		return nil, SigningCommitments{}, err
	}

	return &SigningNonces{id: id, hiding: hiding, binding: binding},
		SigningCommitments{Identifier: id, Hiding: d, Binding: e}, nil
}

// Zero wipes the nonces.
func (n *SigningNonces) Zero() {
	n.hiding.Zero()
	n.binding.Zero()
}

// taprootKey describes the BIP-86 output key committed to by an aggregate key.
type taprootKey struct {
	outputKey *btcec.PublicKey
	tweak     *btcec.ModNScalar
	// shareFactor turns a share of the internal key into a share of the
	// even-y output key, tweakFactor does the same for the tweak.
	shareFactor *btcec.ModNScalar
	tweakFactor *btcec.ModNScalar
}

func newTaprootKey(aggregateKey []byte) (*taprootKey, error) {
	internal, err := btcec.ParsePubKey(aggregateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate key: %v", ErrInvalidPackage, err)
	}

	var p btcec.JacobianPoint
	internal.AsJacobian(&p)

	one := new(btcec.ModNScalar).SetInt(1)
	minusOne := new(btcec.ModNScalar).NegateVal(one)

	g1 := one
	if hasOddY(&p) {
		g1 = minusOne
		p = *mulPoint(minusOne, &p)
	}

	tweakHash := chainhash.TaggedHash(chainhash.TagTapTweak, schnorr.SerializePubKey(internal))
	tweak, err := scalarFromBytes(tweakHash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: taproot tweak: %v", ErrInvalidPackage, err)
	}

	q := addPoints(&p, baseMul(tweak))
	g2 := one
	if hasOddY(q) {
		g2 = minusOne
	}
	outputKey, err := toPublicKey(q)
	if err != nil {
		return nil, fmt.Errorf("%w: taproot output key", ErrInvalidPackage)
	}

	return &taprootKey{
		outputKey:   outputKey,
		tweak:       tweak,
		shareFactor: new(btcec.ModNScalar).Mul2(g1, g2),
		tweakFactor: g2,
	}, nil
}

// TaprootOutputKey returns the BIP-86 output key for an aggregate key.
func TaprootOutputKey(aggregateKey []byte) (*btcec.PublicKey, error) {
	internal, err := btcec.ParsePubKey(aggregateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate key: %v", ErrInvalidPackage, err)
	}
	return txscript.ComputeTaprootKeyNoScript(internal), nil
}

func sortCommitments(commitments []SigningCommitments) ([]SigningCommitments, []Identifier, error) {
	if len(commitments) != Threshold {
		return nil, nil, fmt.Errorf("%w: expected %d signers, got %d", ErrInvalidPackage, Threshold, len(commitments))
	}
	sorted := append([]SigningCommitments(nil), commitments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })

	ids := make([]Identifier, len(sorted))
	for i, c := range sorted {
		if c.Identifier == 0 || (i > 0 && sorted[i-1].Identifier == c.Identifier) {
			return nil, nil, fmt.Errorf("%w: invalid signer identifiers", ErrInvalidPackage)
		}
		ids[i] = c.Identifier
	}
	return sorted, ids, nil
}

func encodeCommitmentList(sorted []SigningCommitments) []byte {
	var buf []byte
	for _, c := range sorted {
		buf = append(buf, idBytes(c.Identifier)...)
		buf = append(buf, c.Hiding...)
		buf = append(buf, c.Binding...)
	}
	return buf
}

// groupCommitment computes R = sum(D_i + rho_i*E_i) and every binding factor.
func groupCommitment(msg []byte, sorted []SigningCommitments) (*btcec.JacobianPoint, map[Identifier]*btcec.ModNScalar, error) {
	msgHash := sha256.Sum256(msg)
	listHash := sha256.Sum256(encodeCommitmentList(sorted))

	r := new(btcec.JacobianPoint)
	rhos := make(map[Identifier]*btcec.ModNScalar, len(sorted))
	for _, c := range sorted {
		d, err := pointFromBytes(c.Hiding)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: hiding commitment of %d: %v", ErrInvalidPackage, c.Identifier, err)
		}
		e, err := pointFromBytes(c.Binding)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: binding commitment of %d: %v", ErrInvalidPackage, c.Identifier, err)
		}

		rho := hashToScalar([]byte(rhoContext), idBytes(c.Identifier), msgHash[:], listHash[:])
		rhos[c.Identifier] = rho
		r = addPoints(r, addPoints(d, mulPoint(rho, e)))
	}
	if isInfinity(r) {
		return nil, nil, fmt.Errorf("%w: degenerate group commitment", ErrInvalidPackage)
	}
	return r, rhos, nil
}

func challenge(r *btcec.JacobianPoint, outputKey *btcec.PublicKey, msg []byte) *btcec.ModNScalar {
	rAffine := affine(r)
	rx := rAffine.X.Bytes()
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rx[:], schnorr.SerializePubKey(outputKey), msg)
	c := new(btcec.ModNScalar)
	c.SetByteSlice(h[:])
	return c
}

// SignShare produces details' signature share over msg, a BIP-341 key-spend
// sighash of the taproot output of the aggregate key. The nonces are zeroed.
func SignShare(msg []byte, details ShareDetails, nonces *SigningNonces, commitments []SigningCommitments) (*btcec.ModNScalar, error) {
	defer nonces.Zero()

	if nonces.id != details.Identifier {
		return nil, fmt.Errorf("%w: nonces belong to %d", ErrInvalidPackage, nonces.id)
	}
	key, err := newTaprootKey(details.AggregatePublicKey)
	if err != nil {
		return nil, err
	}
	sorted, ids, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}

	var own *SigningCommitments
	for i := range sorted {
		if sorted[i].Identifier == details.Identifier {
			own = &sorted[i]
		}
	}
	if own == nil {
		return nil, fmt.Errorf("%w: own commitments missing", ErrInvalidPackage)
	}
	d, _ := pointBytes(baseMul(nonces.hiding))
	e, _ := pointBytes(baseMul(nonces.binding))
	if string(d) != string(own.Hiding) || string(e) != string(own.Binding) {
		return nil, fmt.Errorf("%w: commitments do not match nonces", ErrInvalidPackage)
	}

	r, rhos, err := groupCommitment(msg, sorted)
	if err != nil {
		return nil, err
	}

	hiding := new(btcec.ModNScalar).Set(nonces.hiding)
	binding := new(btcec.ModNScalar).Set(nonces.binding)
	defer hiding.Zero()
	defer binding.Zero()
	if hasOddY(r) {
		hiding.Negate()
		binding.Negate()
	}

	share, err := scalarFromBytes(details.SecretShare)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	defer share.Zero()
	share.Mul(key.shareFactor)

	lambda, err := lagrange(details.Identifier, ids)
	if err != nil {
		return nil, err
	}
	c := challenge(r, key.outputKey, msg)

	// z = d + rho*e + lambda*s*c
	z := new(btcec.ModNScalar).Mul2(lambda, share).Mul(c)
	z.Add(new(btcec.ModNScalar).Mul2(rhos[details.Identifier], binding))
	z.Add(hiding)
	return z, nil
}

// Aggregate combines signature shares into a BIP-340 signature by the
// taproot output key and verifies it.
func Aggregate(msg, aggregateKey []byte, commitments []SigningCommitments, shares [][]byte) (*schnorr.Signature, error) {
	key, err := newTaprootKey(aggregateKey)
	if err != nil {
		return nil, err
	}
	sorted, _, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	if len(shares) != len(sorted) {
		return nil, fmt.Errorf("%w: expected %d shares, got %d", ErrInvalidPackage, len(sorted), len(shares))
	}

	r, _, err := groupCommitment(msg, sorted)
	if err != nil {
		return nil, err
	}
	c := challenge(r, key.outputKey, msg)

	z := new(btcec.ModNScalar).Mul2(c, key.tweakFactor).Mul(key.tweak)
	for _, encoded := range shares {
		share, err := scalarFromBytes(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		z.Add(share)
	}

	rAffine := affine(r)
	sig := schnorr.NewSignature(&rAffine.X, z)
	if !sig.Verify(msg, key.outputKey) {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}
