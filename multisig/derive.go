package multisig

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"
)

const epsilonPrefix = "near-mpc-recovery v0.1.0 epsilon derivation:"

// Epsilon is the additive tweak of the child key for (accountID, path).
func Epsilon(accountID, path string) *btcec.ModNScalar {
	h := sha3.Sum256([]byte(epsilonPrefix + accountID + "," + path))
	var eps btcec.ModNScalar
	eps.SetByteSlice(h[:])
	return &eps
}

// DeriveChildPublicKey returns root + epsilon·G. Every chain type uses its
// own path, so the custody address differs per chain while the signing
// key stays split among the MPC nodes.
func DeriveChildPublicKey(root *btcec.PublicKey, accountID, path string) *btcec.PublicKey {
	var epsG, rootJ, sum btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(Epsilon(accountID, path), &epsG)
	root.AsJacobian(&rootJ)
	btcec.AddNonConst(&rootJ, &epsG, &sum)
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y)
}

// DeriveChildPrivateKey is the private counterpart, for the local signer.
func DeriveChildPrivateKey(root *btcec.PrivateKey, accountID, path string) *btcec.PrivateKey {
	var k btcec.ModNScalar
	k.Set(&root.Key)
	k.Add(Epsilon(accountID, path))
	return btcec.PrivKeyFromScalar(&k)
}
