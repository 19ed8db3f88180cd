package multisig

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/config"
)

// Coordinator owns the per-chain child keys and runs every signing flow
// through one Signer.
type Coordinator struct {
	signer    Signer
	params    *chaincfg.Params
	accountID string

	btcPath  string
	evmPath  string
	nearPath string

	btcKey  *btcec.PublicKey
	evmKey  *btcec.PublicKey
	nearKey *btcec.PublicKey
}

func NewCoordinator(ctx context.Context, signer Signer, cfg *config.SignerConfig, params *chaincfg.Params) (*Coordinator, error) {
	root, err := signer.RootPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch root public key: %w", err)
	}
	c := &Coordinator{
		signer:    signer,
		params:    params,
		accountID: cfg.AccountID,
		btcPath:   cfg.BitcoinPath,
		evmPath:   cfg.EvmPath,
		nearPath:  cfg.NearPath,
	}
	c.btcKey = DeriveChildPublicKey(root, c.accountID, c.btcPath)
	c.evmKey = DeriveChildPublicKey(root, c.accountID, c.evmPath)
	c.nearKey = DeriveChildPublicKey(root, c.accountID, c.nearPath)

	logger.WithFields(logger.Fields{
		"account": c.accountID,
		"evm":     c.EvmAddress().Hex(),
	}).Info("signing coordinator ready")
	return c, nil
}

// BitcoinPublicKey is the child key that controls the custody address.
func (c *Coordinator) BitcoinPublicKey() *btcec.PublicKey {
	return c.btcKey
}

// BitcoinAddress is the P2WPKH custody address.
func (c *Coordinator) BitcoinAddress() (*btcutil.AddressWitnessPubKeyHash, error) {
	return assembler.P2WPKHAddress(c.btcKey, c.params)
}

func (c *Coordinator) EvmAddress() ethcommon.Address {
	return crypto.PubkeyToAddress(*c.evmKey.ToECDSA())
}

// NearPublicKey is the 64 byte uncompressed key without the 0x04 prefix,
// as NEAR encodes secp256k1 keys.
func (c *Coordinator) NearPublicKey() []byte {
	return c.nearKey.SerializeUncompressed()[1:]
}

func (c *Coordinator) sign(ctx context.Context, digest []byte, path string) (*Signature, error) {
	var payload [32]byte
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	copy(payload[:], digest)

	resp, err := c.signer.Sign(ctx, payload, path)
	if err != nil {
		return nil, err
	}
	return Reconstruct(resp)
}
