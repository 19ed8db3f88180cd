package state

import (
	"database/sql"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/database"
	logger "github.com/sirupsen/logrus"
)

func RandDeposit(status Status) *Deposit {
	return &Deposit{
		Transfer: Transfer{
			Key:    common.RandTxHash(),
			Status: status,
		},
		BtcSender:        "tb1qsender",
		ReceivingChainID: "421614",
		ReceivingAddress: common.RandEthAddress().Hex(),
		BtcAmount:        100_000,
		FeeAmount:        1_000,
	}
}

func RandRedemption(status Status) *Redemption {
	return &Redemption{
		Transfer: Transfer{
			Key:                 agreement.CorrelationKey("421614", common.Prepend0xPrefix(common.RandTxHash())),
			Status:              status,
			ProtocolFee:         500,
			YieldProviderGasFee: 200,
		},
		AbtcRedemptionChainID: "421614",
		AbtcRedemptionAddress: common.RandEthAddress().Hex(),
		BtcReceivingAddress:   "tb1qreceiver",
		AbtcAmount:            50_000,
	}
}

func RandBridging(status Status) *Bridging {
	return &Bridging{
		Transfer: Transfer{
			Key:        agreement.CorrelationKey("421614", common.Prepend0xPrefix(common.RandTxHash())),
			Status:     status,
			MintingFee: 100,
		},
		OriginChainID:      "421614",
		OriginChainAddress: common.RandEthAddress().Hex(),
		DestChainID:        "NEAR_TESTNET",
		DestChainAddress:   "alice.testnet",
		AbtcAmount:         40_000,
		BridgingFee:        400,
	}
}

func getMemoryDB() *sql.DB {
	db, err := database.OpenMemory()
	if err != nil {
		logger.Fatal(err)
	}
	return db
}

// NewMemoryStateDB returns a ledger over a private in-memory database.
func NewMemoryStateDB() (*StateDB, error) {
	return NewStateDB(getMemoryDB())
}
