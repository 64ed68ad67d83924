package frost

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

var errInfinity = errors.New("point at infinity")

func randomScalar() (*btcec.ModNScalar, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate scalar: %w", err)
	}
	s := new(btcec.ModNScalar).Set(&priv.Key)
	priv.Zero()
	return s, nil
}

func scalarFromBytes(b []byte) (*btcec.ModNScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("scalar must be 32 bytes, got %d", len(b))
	}
	s := new(btcec.ModNScalar)
	if overflow := s.SetByteSlice(b); overflow {
		return nil, errors.New("scalar exceeds group order")
	}
	return s, nil
}

// hashToScalar reduces SHA256(parts...) modulo the group order.
func hashToScalar(parts ...[]byte) *btcec.ModNScalar {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	s := new(btcec.ModNScalar)
	s.SetByteSlice(h.Sum(nil))
	return s
}

func scalarBytes(s *btcec.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

func idScalar(id Identifier) *btcec.ModNScalar {
	return new(btcec.ModNScalar).SetInt(uint32(id))
}

func idBytes(id Identifier) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(id))
	return b[:]
}

func baseMul(k *btcec.ModNScalar) *btcec.JacobianPoint {
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &r)
	return &r
}

func mulPoint(k *btcec.ModNScalar, p *btcec.JacobianPoint) *btcec.JacobianPoint {
	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(k, p, &r)
	return &r
}

func addPoints(a, b *btcec.JacobianPoint) *btcec.JacobianPoint {
	var r btcec.JacobianPoint
	btcec.AddNonConst(a, b, &r)
	return &r
}

func isInfinity(p *btcec.JacobianPoint) bool {
	return p.Z.IsZero() || (p.X.IsZero() && p.Y.IsZero())
}

func affine(p *btcec.JacobianPoint) btcec.JacobianPoint {
	q := *p
	q.ToAffine()
	return q
}

func pointsEqual(a, b *btcec.JacobianPoint) bool {
	if isInfinity(a) || isInfinity(b) {
		return isInfinity(a) && isInfinity(b)
	}
	x, y := affine(a), affine(b)
	return x.X.Equals(&y.X) && x.Y.Equals(&y.Y)
}

func toPublicKey(p *btcec.JacobianPoint) (*btcec.PublicKey, error) {
	if isInfinity(p) {
		return nil, errInfinity
	}
	q := affine(p)
	return btcec.NewPublicKey(&q.X, &q.Y), nil
}

func pointBytes(p *btcec.JacobianPoint) ([]byte, error) {
	pub, err := toPublicKey(p)
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

func pointFromBytes(b []byte) (*btcec.JacobianPoint, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	return &j, nil
}

func hasOddY(p *btcec.JacobianPoint) bool {
	q := affine(p)
	return q.Y.IsOdd()
}

// lagrange returns the coefficient of id at x=0 over the signer set.
func lagrange(id Identifier, signers []Identifier) (*btcec.ModNScalar, error) {
	num := new(btcec.ModNScalar).SetInt(1)
	den := new(btcec.ModNScalar).SetInt(1)
	found := false
	for _, j := range signers {
		if j == id {
			found = true
			continue
		}
		num.Mul(idScalar(j))
		diff := new(btcec.ModNScalar).NegateVal(idScalar(id)).Add(idScalar(j))
		den.Mul(diff)
	}
	if !found {
		return nil, fmt.Errorf("identifier %d not in signer set", id)
	}
	if den.IsZero() {
		return nil, errors.New("duplicate signer identifiers")
	}
	den.InverseNonConst()
	return num.Mul(den), nil
}
