package etherman

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ABTCABI is the subset of the aBTC token contract the settlement core
// calls or listens to.
const ABTCABI = `[
{"type":"function","name":"mintDeposit","stateMutability":"nonpayable","inputs":[
	{"name":"btcTxnHash","type":"string"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"mintBridge","stateMutability":"nonpayable","inputs":[
	{"name":"originChainId","type":"string"},{"name":"originTxnHash","type":"string"},
	{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"burnRedeem","stateMutability":"nonpayable","inputs":[
	{"name":"amount","type":"uint256"},{"name":"btcAddress","type":"string"}],"outputs":[]},
{"type":"function","name":"burnBridge","stateMutability":"nonpayable","inputs":[
	{"name":"amount","type":"uint256"},{"name":"destChainId","type":"string"},{"name":"destAddress","type":"string"}],"outputs":[]},
{"type":"event","name":"MintDeposit","anonymous":false,"inputs":[
	{"name":"wallet","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
	{"name":"btcTxnHash","type":"string","indexed":false}]},
{"type":"event","name":"BurnRedeem","anonymous":false,"inputs":[
	{"name":"wallet","type":"address","indexed":true},{"name":"btcAddress","type":"string","indexed":false},
	{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"MintBridge","anonymous":false,"inputs":[
	{"name":"wallet","type":"address","indexed":true},{"name":"originChainId","type":"string","indexed":false},
	{"name":"originTxnHash","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"BurnBridge","anonymous":false,"inputs":[
	{"name":"wallet","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
	{"name":"destChainId","type":"string","indexed":false},{"name":"destAddress","type":"string","indexed":false}]}
]`

const (
	EventMintDeposit = "MintDeposit"
	EventBurnRedeem  = "BurnRedeem"
	EventMintBridge  = "MintBridge"
	EventBurnBridge  = "BurnBridge"
)

var abtcABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABTCABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Event is a decoded aBTC contract log.
type Event interface {
	Name() string
	RawLog() types.Log
}

type MintDepositEvent struct {
	Wallet     ethcommon.Address
	Amount     *big.Int
	BtcTxnHash string
	Raw        types.Log
}

type BurnRedeemEvent struct {
	Wallet     ethcommon.Address
	BtcAddress string
	Amount     *big.Int
	Raw        types.Log
}

type MintBridgeEvent struct {
	Wallet        ethcommon.Address
	OriginChainId string
	OriginTxnHash string
	Amount        *big.Int
	Raw           types.Log
}

type BurnBridgeEvent struct {
	Wallet      ethcommon.Address
	Amount      *big.Int
	DestChainId string
	DestAddress string
	Raw         types.Log
}

func (e *MintDepositEvent) Name() string      { return EventMintDeposit }
func (e *MintDepositEvent) RawLog() types.Log { return e.Raw }
func (e *BurnRedeemEvent) Name() string       { return EventBurnRedeem }
func (e *BurnRedeemEvent) RawLog() types.Log  { return e.Raw }
func (e *MintBridgeEvent) Name() string       { return EventMintBridge }
func (e *MintBridgeEvent) RawLog() types.Log  { return e.Raw }
func (e *BurnBridgeEvent) Name() string       { return EventBurnBridge }
func (e *BurnBridgeEvent) RawLog() types.Log  { return e.Raw }

// decodeLog returns nil, nil for logs of events the core does not follow.
func decodeLog(vlog types.Log) (Event, error) {
	if len(vlog.Topics) == 0 {
		return nil, nil
	}
	ev, err := abtcABI.EventByID(vlog.Topics[0])
	if err != nil {
		return nil, nil
	}
	if len(vlog.Topics) < 2 {
		return nil, ErrMalformedLog
	}
	wallet := ethcommon.BytesToAddress(vlog.Topics[1].Bytes())

	var out Event
	switch ev.Name {
	case EventMintDeposit:
		e := &MintDepositEvent{Wallet: wallet, Raw: vlog}
		err = abtcABI.UnpackIntoInterface(e, ev.Name, vlog.Data)
		out = e
	case EventBurnRedeem:
		e := &BurnRedeemEvent{Wallet: wallet, Raw: vlog}
		err = abtcABI.UnpackIntoInterface(e, ev.Name, vlog.Data)
		out = e
	case EventMintBridge:
		e := &MintBridgeEvent{Wallet: wallet, Raw: vlog}
		err = abtcABI.UnpackIntoInterface(e, ev.Name, vlog.Data)
		out = e
	case EventBurnBridge:
		e := &BurnBridgeEvent{Wallet: wallet, Raw: vlog}
		err = abtcABI.UnpackIntoInterface(e, ev.Name, vlog.Data)
		out = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PackMintDeposit encodes the mintDeposit call data.
func PackMintDeposit(btcTxnHash string, to ethcommon.Address, amount *big.Int) ([]byte, error) {
	return abtcABI.Pack("mintDeposit", btcTxnHash, to, amount)
}

// PackMintBridge encodes the mintBridge call data.
func PackMintBridge(originChainID, originTxnHash string, to ethcommon.Address, amount *big.Int) ([]byte, error) {
	return abtcABI.Pack("mintBridge", originChainID, originTxnHash, to, amount)
}

// EventLog builds the log the contract would emit for name. Indexed wallet
// first, then the non-indexed values in declaration order.
func EventLog(contract ethcommon.Address, name string, wallet ethcommon.Address, values ...interface{}) (types.Log, error) {
	ev, ok := abtcABI.Events[name]
	if !ok {
		return types.Log{}, ErrMalformedLog
	}
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: contract,
		Topics:  []ethcommon.Hash{ev.ID, ethcommon.BytesToHash(wallet.Bytes())},
		Data:    data,
	}, nil
}
