package etherman

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	SimulatedChainID = big.NewInt(1337)
	blockGasLimit    = uint64(30_000_000)
)

// SimulatedChain is an in-process chain with funded accounts.
type SimulatedChain struct {
	Backend *simulated.Backend
	Keys    []*ecdsa.PrivateKey
}

// NewSimulatedChain funds nAccount fresh keys plus any extra addresses.
func NewSimulatedChain(nAccount int, extra ...common.Address) *SimulatedChain {
	keys := make([]*ecdsa.PrivateKey, nAccount)
	for i := range keys {
		keys[i], _ = crypto.GenerateKey()
	}

	balance, _ := new(big.Int).SetString("100000000000000000000", 10)
	genesisAlloc := map[common.Address]types.Account{}
	for _, sk := range keys {
		genesisAlloc[crypto.PubkeyToAddress(sk.PublicKey)] = types.Account{Balance: balance}
	}
	for _, addr := range extra {
		genesisAlloc[addr] = types.Account{Balance: balance}
	}

	backend := simulated.NewBackend(genesisAlloc, simulated.WithBlockGasLimit(blockGasLimit))
	return &SimulatedChain{Backend: backend, Keys: keys}
}

func (sim *SimulatedChain) Address(i int) common.Address {
	return crypto.PubkeyToAddress(sim.Keys[i].PublicKey)
}
