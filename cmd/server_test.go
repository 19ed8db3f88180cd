package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/multisig"
)

const (
	testAccount = "atlas.testnet"
	testRootKey = "0101010101010101010101010101010101010101010101010101010101010101"
)

// custodyAddress derives the address the local signer controls.
func custodyAddress(t *testing.T) string {
	key, err := hex.DecodeString(testRootKey)
	require.NoError(t, err)
	signer, err := multisig.NewLocalSigner(key, testAccount)
	require.NoError(t, err)
	coord, err := multisig.NewCoordinator(context.Background(), signer, &config.SignerConfig{
		AccountID:   testAccount,
		BitcoinPath: "bitcoin-1",
		EvmPath:     "ethereum-1",
		NearPath:    "near-1",
	}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	addr, err := coord.BitcoinAddress()
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func writeServerConfig(t *testing.T, atlas string) string {
	dir := t.TempDir()
	body := fmt.Sprintf(`
bitcoin:
  network: regtest
  rpc_host: 127.0.0.1:1
  atlas_address: %s
chains:
  - chain_id: NEAR_TESTNET
    type: NEAR
    rpc_url: http://127.0.0.1:1
    contract_address: abtc.testnet
    validators_threshold: 1
    near_account_id: relayer.testnet
signer:
  mode: local
  account_id: %s
  local_root_key: "%s"
storage:
  db_path: %s
  scratch_dir: %s
log:
  incident_dir: %s
reporter:
  ip: 127.0.0.1
  port: "0"
`, atlas, testAccount, testRootKey,
		filepath.Join(dir, "atlas.db"), filepath.Join(dir, "scratch"), filepath.Join(dir, "logs"))

	path := filepath.Join(dir, "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestNewSettlementServer(t *testing.T) {
	cfg, err := LoadConfig(writeServerConfig(t, custodyAddress(t)))
	require.NoError(t, err)

	s, err := NewSettlementServer(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, &chaincfg.RegressionNetParams, s.Params)
	assert.Len(t, s.MyWorkers, 1)
	assert.Equal(t, "NEAR_TESTNET", s.MyWorkers[0].ChainID())
	assert.Len(t, s.MySyncs, 1)
	assert.Nil(t, s.MyBatches)

	// nothing to roll back in a fresh ledger
	n, err := s.MyEngine.RollbackOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewSettlementServerRejectsForeignCustody(t *testing.T) {
	other, err := multisig.NewRandomLocalSigner(testAccount)
	require.NoError(t, err)
	coord, err := multisig.NewCoordinator(context.Background(), other, &config.SignerConfig{
		AccountID:   testAccount,
		BitcoinPath: "bitcoin-1",
	}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	addr, err := coord.BitcoinAddress()
	require.NoError(t, err)

	cfg, err := LoadConfig(writeServerConfig(t, addr.EncodeAddress()))
	require.NoError(t, err)

	_, err = NewSettlementServer(context.Background(), cfg)
	assert.ErrorContains(t, err, "atlas address mismatch")
}
