// Package meshkey implements mesh identity creation and the Shamir
// secret-sharing scheme used to split a mesh's master Ed25519 seed across
// its founders.
package meshkey

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// fieldPrime is 2^255 - 19, the prime field the mesh master key is split
// over. Grounded on the Lagrange-interpolation shape of the teacher pack's
// GF(256) byte-sharing scheme (orbas1-Synnergy/synnergy-network/core/security.go
// CombineShares/lagrangeCoeff), generalized here to a big-integer prime
// field because the shared secret is a single 32-byte seed treated as one
// scalar, not 32 independently-shared bytes.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// Share is one point (i, P(i) mod p) of the sharing polynomial.
type Share struct {
	Index int      `json:"index"`
	Value *big.Int `json:"value"`
}

// Split generates a random polynomial of degree threshold-1 with constant
// term secret, and evaluates it at x=1..shares. threshold and shares must
// satisfy 1 <= threshold <= shares <= 10, matching the mesh size bound.
func Split(secret *big.Int, threshold, shares int) ([]Share, error) {
	if threshold < 1 || shares < threshold || shares > 10 {
		return nil, fmt.Errorf("meshkey: invalid threshold/shares (t=%d n=%d, require 1<=t<=n<=10)", threshold, shares)
	}

	coeffs := make([]*big.Int, threshold)
	coeffs[0] = new(big.Int).Mod(secret, fieldPrime)
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, fieldPrime)
		if err != nil {
			return nil, fmt.Errorf("meshkey: random coefficient: %w", err)
		}
		coeffs[i] = c
	}

	out := make([]Share, shares)
	for i := 1; i <= shares; i++ {
		x := big.NewInt(int64(i))
		out[i-1] = Share{Index: i, Value: evalPoly(coeffs, x)}
	}
	return out, nil
}

// evalPoly evaluates coeffs (low-to-high degree) at x mod fieldPrime using
// Horner's method.
func evalPoly(coeffs []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int).Set(coeffs[len(coeffs)-1])
	for i := len(coeffs) - 2; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coeffs[i])
		result.Mod(result, fieldPrime)
	}
	return result
}

// Combine reconstructs the secret from any threshold-sized subset of
// shares via Lagrange interpolation at x=0. Supplying fewer than the
// original threshold yields a wrong, not missing, result — callers must
// know the intended threshold independently (it is recorded on the
// MeshIdentity, not the share).
func Combine(shares []Share) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("meshkey: no shares supplied")
	}

	secret := big.NewInt(0)
	for i, si := range shares {
		num := big.NewInt(1)
		den := big.NewInt(1)
		xi := big.NewInt(int64(si.Index))
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))

			num.Mul(num, new(big.Int).Neg(xj))
			num.Mod(num, fieldPrime)

			diff := new(big.Int).Sub(xi, xj)
			diff.Mod(diff, fieldPrime)
			den.Mul(den, diff)
			den.Mod(den, fieldPrime)
		}
		denInv := new(big.Int).ModInverse(den, fieldPrime)
		if denInv == nil {
			return nil, fmt.Errorf("meshkey: degenerate share set (duplicate share index?)")
		}
		term := new(big.Int).Mul(si.Value, num)
		term.Mul(term, denInv)
		term.Mod(term, fieldPrime)

		secret.Add(secret, term)
		secret.Mod(secret, fieldPrime)
	}
	return secret, nil
}
