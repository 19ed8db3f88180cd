package main

import (
	"context"
	"fmt"
	"io"
	"os"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/TEENet-io/atlas-bridge/cmd"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/multisig"
	"github.com/TEENet-io/atlas-bridge/nearman"
)

const (
	ENV_CONFIG_FILE_PATH = "ATLAS_CONFIG"
)

// flags
var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path of the settlement service configuration file",
		EnvVars: []string{ENV_CONFIG_FILE_PATH},
		Value:   "atlas.yaml",
	}
	btcTxnHashFlag = &cli.StringFlag{
		Name:     "btc-txn-hash",
		Usage:    "txid of the deposit to refund",
		Required: true,
	}
)

// commands
var (
	runCmd = &cli.Command{
		Name:   "run",
		Usage:  "Run the settlement service until interrupted",
		Action: runAction,
	}
	addressesCmd = &cli.Command{
		Name:   "addresses",
		Usage:  "Print the custody addresses derived from the threshold key",
		Action: addressesAction,
	}
	refundCmd = &cli.Command{
		Name:   "refund",
		Usage:  "Send a deposit back to its sender",
		Action: refundAction,
		Flags:  []cli.Flag{btcTxnHashFlag},
	}
	rollbackCmd = &cli.Command{
		Name:   "rollback",
		Usage:  "Roll back paused records with a recoverable error once",
		Action: rollbackAction,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "atlas-settlement"
	app.Usage = "Bitcoin-collateralized bridge settlement service"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = append(
		cli.Commands{},
		runCmd,
		addressesCmd,
		refundCmd,
		rollbackCmd,
	)

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return cmd.LoadConfig(ctx.String(configFlag.Name))
}

func runAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger.Info("Starting settlement server... press Ctrl+C to stop the server")
	return cmd.StartSettlementServerAndWait(cfg)
}

func addressesAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	params, err := common.BtcNetParams(cfg.Bitcoin.Network)
	if err != nil {
		return err
	}
	signer, err := multisig.NewSigner(&cfg.Signer)
	if err != nil {
		return err
	}
	if closer, ok := signer.(io.Closer); ok {
		defer closer.Close()
	}
	coord, err := multisig.NewCoordinator(ctx.Context, signer, &cfg.Signer, params)
	if err != nil {
		return err
	}
	btcAddr, err := coord.BitcoinAddress()
	if err != nil {
		return err
	}

	fmt.Printf("btc:  %s\n", btcAddr.EncodeAddress())
	fmt.Printf("evm:  %s\n", coord.EvmAddress().Hex())
	fmt.Printf("near: %s\n", nearman.EncodePublicKey(coord.NearPublicKey()))
	return nil
}

func refundAction(ctx *cli.Context) error {
	return withServer(ctx, func(c context.Context, s *cmd.SettlementServer) error {
		txid, err := s.MyEngine.Refund(c, ctx.String(btcTxnHashFlag.Name))
		if err != nil {
			return err
		}
		fmt.Printf("refund broadcast: %s\n", txid)
		return nil
	})
}

func rollbackAction(ctx *cli.Context) error {
	return withServer(ctx, func(c context.Context, s *cmd.SettlementServer) error {
		n, err := s.MyEngine.RollbackOnce(c)
		if err != nil {
			return err
		}
		fmt.Printf("rolled back %d record(s)\n", n)
		return nil
	})
}

// withServer builds the server components without starting its loops.
func withServer(ctx *cli.Context, fn func(context.Context, *cmd.SettlementServer) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	server, err := cmd.NewSettlementServer(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer server.Close()
	return fn(ctx.Context, server)
}
