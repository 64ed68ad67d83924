package frost

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const pokContext = "wsm-frost-dkg-pok-v1"

// SecretPolynomial is a participant's keygen polynomial f(x) = a0 + a1*x.
// It must be zeroed once both shares have been computed.
type SecretPolynomial struct {
	id           Identifier
	coefficients [Threshold]*btcec.ModNScalar
}

// GenerateRound1 samples a fresh polynomial for id and returns its public package.
func GenerateRound1(id Identifier) (*SecretPolynomial, Round1Package, error) {
	if id == 0 {
		return nil, Round1Package{}, fmt.Errorf("%w: zero identifier", ErrInvalidPackage)
	}

	poly := &SecretPolynomial{id: id}
	for i := range poly.coefficients {
		c, err := randomScalar()
		if err != nil {
			return nil, Round1Package{}, err
		}
		poly.coefficients[i] = c
	}

	pkg := Round1Package{Identifier: id}
	for _, c := range poly.coefficients {
		encoded, err := pointBytes(baseMul(c))
		if err != nil {
			return nil, Round1Package{}, err
		}
		pkg.Commitments = append(pkg.Commitments, encoded)
	}

	// Schnorr proof of knowledge of a0, bound to the identifier.
	k, err := randomScalar()
	if err != nil {
		return nil, Round1Package{}, err
	}
	r, err := pointBytes(baseMul(k))
	if err != nil {
		return nil, Round1Package{}, err
	}
	c := pokChallenge(id, pkg.Commitments[0], r)
	z := new(btcec.ModNScalar).Mul2(poly.coefficients[0], c).Add(k)
	k.Zero()

	pkg.ProofR = r
	pkg.ProofZ = scalarBytes(z)
	return poly, pkg, nil
}

func pokChallenge(id Identifier, a0, r []byte) *btcec.ModNScalar {
	return hashToScalar([]byte(pokContext), idBytes(id), a0, r)
}

// Evaluate returns f(x).
func (p *SecretPolynomial) Evaluate(x Identifier) *btcec.ModNScalar {
	v := new(btcec.ModNScalar).Mul2(p.coefficients[1], idScalar(x))
	return v.Add(p.coefficients[0])
}

// ShareFor returns the encoded share destined for participant id.
func (p *SecretPolynomial) ShareFor(id Identifier) hexutil.Bytes {
	return scalarBytes(p.Evaluate(id))
}

// Zero wipes the coefficients.
func (p *SecretPolynomial) Zero() {
	for _, c := range p.coefficients {
		if c != nil {
			c.Zero()
		}
	}
}

// VerifyRound1 checks the package shape and its proof of knowledge and
// returns the decoded commitments.
func VerifyRound1(pkg Round1Package) ([]*btcec.JacobianPoint, error) {
	if pkg.Identifier == 0 {
		return nil, fmt.Errorf("%w: zero identifier", ErrInvalidPackage)
	}
	if len(pkg.Commitments) != Threshold {
		return nil, fmt.Errorf("%w: expected %d commitments, got %d", ErrInvalidPackage, Threshold, len(pkg.Commitments))
	}

	commitments := make([]*btcec.JacobianPoint, len(pkg.Commitments))
	for i, encoded := range pkg.Commitments {
		p, err := pointFromBytes(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: commitment %d: %v", ErrInvalidPackage, i, err)
		}
		commitments[i] = p
	}

	r, err := pointFromBytes(pkg.ProofR)
	if err != nil {
		return nil, fmt.Errorf("%w: proof nonce: %v", ErrInvalidProof, err)
	}
	z, err := scalarFromBytes(pkg.ProofZ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	c := pokChallenge(pkg.Identifier, pkg.Commitments[0], pkg.ProofR)
	expected := addPoints(r, mulPoint(c, commitments[0]))
	if !pointsEqual(baseMul(z), expected) {
		return nil, ErrInvalidProof
	}
	return commitments, nil
}

// evaluateCommitments returns sum(C_k * x^k), the public image of f(x).
func evaluateCommitments(commitments []*btcec.JacobianPoint, x Identifier) *btcec.JacobianPoint {
	result := new(btcec.JacobianPoint)
	power := new(btcec.ModNScalar).SetInt(1)
	for _, c := range commitments {
		result = addPoints(result, mulPoint(power, c))
		power.Mul(idScalar(x))
	}
	return result
}

// Finalize combines a participant's own polynomial with the other
// participant's package into ShareDetails. Every check runs before the
// result is assembled.
func Finalize(own *SecretPolynomial, ownPkg Round1Package, peer KeygenPackage) (ShareDetails, error) {
	if peer.Round1.Identifier == own.id {
		return ShareDetails{}, fmt.Errorf("%w: duplicate identifier %d", ErrInvalidPackage, own.id)
	}

	peerCommitments, err := VerifyRound1(peer.Round1)
	if err != nil {
		return ShareDetails{}, err
	}
	ownCommitments, err := VerifyRound1(ownPkg)
	if err != nil {
		return ShareDetails{}, err
	}

	peerShare, err := scalarFromBytes(peer.SecretShare)
	if err != nil {
		return ShareDetails{}, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if !pointsEqual(baseMul(peerShare), evaluateCommitments(peerCommitments, own.id)) {
		return ShareDetails{}, ErrInvalidShare
	}

	secret := own.Evaluate(own.id).Add(peerShare)

	group := make([]*btcec.JacobianPoint, Threshold)
	encodedGroup := make([]hexutil.Bytes, Threshold)
	for i := range group {
		group[i] = addPoints(ownCommitments[i], peerCommitments[i])
		encoded, err := pointBytes(group[i])
		if err != nil {
			return ShareDetails{}, fmt.Errorf("%w: degenerate group commitment", ErrInvalidPackage)
		}
		encodedGroup[i] = encoded
	}

	if !pointsEqual(baseMul(secret), evaluateCommitments(group, own.id)) {
		return ShareDetails{}, ErrInvalidShare
	}

	return ShareDetails{
		Identifier:         own.id,
		SecretShare:        scalarBytes(secret),
		Commitments:        encodedGroup,
		AggregatePublicKey: encodedGroup[0],
	}, nil
}

// Initiate runs the enclave's whole keygen side in one step: it verifies the
// peer's package, generates the enclave's polynomial and returns the package
// for the peer together with the enclave's ShareDetails.
func Initiate(peer KeygenPackage) (KeygenPackage, ShareDetails, error) {
	if peer.Round1.Identifier != PeerIdentifier {
		return KeygenPackage{}, ShareDetails{}, fmt.Errorf("%w: peer identifier must be %d", ErrInvalidPackage, PeerIdentifier)
	}

	poly, round1, err := GenerateRound1(ServerIdentifier)
	if err != nil {
		return KeygenPackage{}, ShareDetails{}, err
	}
	defer poly.Zero()

	details, err := Finalize(poly, round1, peer)
	if err != nil {
		return KeygenPackage{}, ShareDetails{}, err
	}

	return KeygenPackage{Round1: round1, SecretShare: poly.ShareFor(PeerIdentifier)}, details, nil
}

// VerifyingShare returns the public image of participant id's share.
func (d ShareDetails) VerifyingShare(id Identifier) (hexutil.Bytes, error) {
	if len(d.Commitments) != Threshold {
		return nil, fmt.Errorf("%w: expected %d group commitments", ErrInvalidPackage, Threshold)
	}
	group := make([]*btcec.JacobianPoint, len(d.Commitments))
	for i, encoded := range d.Commitments {
		p, err := pointFromBytes(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: group commitment %d: %v", ErrInvalidPackage, i, err)
		}
		group[i] = p
	}
	return pointBytes(evaluateCommitments(group, id))
}

// Continue checks that the peer derived the same key and the verifying
// share this side expects for it.
func Continue(details ShareDetails, peer PeerCommitments) error {
	if !bytes.Equal(details.AggregatePublicKey, peer.AggregatePublicKey) {
		return fmt.Errorf("%w: aggregate public key", ErrCommitmentMismatch)
	}

	expected, err := details.VerifyingShare(PeerIdentifier)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, peer.VerifyingShare) {
		return fmt.Errorf("%w: verifying share", ErrCommitmentMismatch)
	}
	return nil
}
