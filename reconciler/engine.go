// Package reconciler drives every ledger record towards its terminal
// status by repeatedly scanning the ledger and dispatching the one action
// each record is eligible for.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/btcman/rpc"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/metrics"
	"github.com/TEENet-io/atlas-bridge/state"
	"github.com/TEENet-io/atlas-bridge/yieldprovider"
)

const MinTickerDuration = 100 * time.Millisecond

var (
	ErrNoWorker          = errors.New("no worker for chain")
	ErrYieldProviderDeps = errors.New("yield provider needs a provider and a batch store")
)

// BtcSigner signs with the custody key.
type BtcSigner interface {
	BitcoinPublicKey() *btcec.PublicKey
	SignPsbt(ctx context.Context, packet *psbt.Packet) (*wire.MsgTx, error)
	SignMessage(ctx context.Context, msg string) ([]byte, error)
}

// Components are the collaborators of an Engine.
type Components struct {
	Config    *config.Config
	Params    *chaincfg.Params
	State     *state.StateDB
	Btc       rpc.Client
	BtcSigner BtcSigner
	Workers   []ChainWorker
	// nil when the yield provider is disabled
	Provider  yieldprovider.Provider
	Batches   *yieldprovider.BatchStore
	Incidents agreement.IncidentRecorder
}

type Engine struct {
	cfg       *config.Config
	params    *chaincfg.Params
	st        *state.StateDB
	btc       rpc.Client
	asm       *assembler.Assembler
	btcSigner BtcSigner
	workers   map[string]ChainWorker
	provider  yieldprovider.Provider
	batches   *yieldprovider.BatchStore
	incidents agreement.IncidentRecorder
	policy    *Policy

	atlasScript []byte
	atlasPkHash []byte

	leases map[state.Kind]*scanLease
	// serialises spends of the custody UTXOs
	btcMu      sync.Mutex
	withdrawMu sync.Mutex

	now func() time.Time
}

func NewEngine(c *Components) (*Engine, error) {
	cfg := c.Config
	script, err := common.PayToAddrScript(cfg.Bitcoin.AtlasAddress, c.Params)
	if err != nil {
		return nil, fmt.Errorf("atlas address: %w", err)
	}
	addr, err := btcutil.DecodeAddress(cfg.Bitcoin.AtlasAddress, c.Params)
	if err != nil {
		return nil, fmt.Errorf("atlas address: %w", err)
	}
	if cfg.YieldProvider.Enabled && (c.Provider == nil || c.Batches == nil) {
		return nil, ErrYieldProviderDeps
	}

	e := &Engine{
		cfg:         cfg,
		params:      c.Params,
		st:          c.State,
		btc:         c.Btc,
		asm:         assembler.NewAssembler(c.Params, c.Btc, cfg.Bitcoin.FeeConfTarget),
		btcSigner:   c.BtcSigner,
		workers:     make(map[string]ChainWorker, len(c.Workers)),
		batches:     c.Batches,
		incidents:   c.Incidents,
		atlasScript: script,
		atlasPkHash: addr.ScriptAddress(),
		leases:      make(map[state.Kind]*scanLease),
		now:         time.Now,
	}
	if cfg.YieldProvider.Enabled {
		e.provider = c.Provider
	}
	if e.incidents == nil {
		e.incidents = agreement.NopIncidentRecorder{}
	}
	for _, w := range c.Workers {
		e.workers[w.ChainID()] = w
	}
	for _, kind := range state.Kinds {
		e.leases[kind] = &scanLease{}
	}
	e.policy = &Policy{Threshold: cfg.Threshold, YieldProvider: e.provider != nil}
	return e, nil
}

// Run reconciles every kind once per interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	logger.Debug("starting reconciliation engine")
	defer logger.Debug("stopping reconciliation engine")

	interval := e.cfg.Reconciler.Interval
	if interval < MinTickerDuration {
		interval = MinTickerDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				logger.Errorf("reconciliation cycle failed: err=%v", err)
			}
		}
	}
}

// RunOnce scans the three kinds side by side. A kind whose records cannot
// be fetched is skipped this cycle; the others go on.
func (e *Engine) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	for _, kind := range state.Kinds {
		g.Go(func() error {
			return e.reconcileKind(ctx, kind)
		})
	}
	return g.Wait()
}

func (e *Engine) reconcileKind(ctx context.Context, kind state.Kind) error {
	// 0. one scan per kind at a time
	lease := e.leases[kind]
	if !lease.tryAcquire(e.now(), e.cfg.Reconciler.ScanLeaseTTL) {
		logger.WithField("kind", kind.String()).Debug("scan already in progress")
		return nil
	}
	defer lease.release()

	// 1. fetch
	records, err := e.fetchAll(ctx, kind)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", kind, err)
	}

	// 2. filter and dispatch
	var (
		paused      int
		withdrawals []state.Record
	)
	g := new(errgroup.Group)
	g.SetLimit(max(e.cfg.Reconciler.ActionConcurrency, 1))
	for _, rec := range records {
		if rec.Base().Paused() {
			paused++
		}
		actions := Eligible(rec, e.policy)
		if len(actions) == 0 {
			continue
		}
		if len(actions) > 1 {
			logger.WithFields(logger.Fields{
				"kind":    kind.String(),
				"key":     rec.Base().Key,
				"actions": actions,
			}).Error("record is eligible for several actions")
			continue
		}
		if actions[0] == ActionWithdraw {
			withdrawals = append(withdrawals, rec)
			continue
		}
		action := actions[0]
		g.Go(func() error {
			e.dispatch(ctx, rec, action)
			return nil
		})
	}
	_ = g.Wait()
	metrics.RecordsParked.WithLabelValues(kind.String()).Set(float64(paused))

	// 3. withdrawals go out as one batch
	if kind != state.KindDeposit && e.provider != nil {
		if len(withdrawals) > 0 {
			metrics.ActionsDispatched.WithLabelValues(kind.String(), string(ActionWithdraw)).Add(float64(len(withdrawals)))
		}
		if err := e.withdraw(ctx, kind, withdrawals); err != nil {
			logger.Errorf("withdrawal failed: kind=%s, err=%v", kind, err)
			// only members of the failed batch, which may be a stored one
			var be *batchError
			if errors.As(err, &be) {
				for _, br := range be.records {
					e.fail(br.Kind, br.Key, ActionWithdraw, yieldStatuses[br.Kind].pendingWithdraw, be.err)
				}
			}
		}
	}
	return nil
}

// fetchAll pages through kind, PageConcurrency pages at a time with a
// pause between groups, until a page comes back short.
func (e *Engine) fetchAll(ctx context.Context, kind state.Kind) ([]state.Record, error) {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	size := e.cfg.Reconciler.PageSize
	var out []state.Record
	for offset := 0; ; offset += size * e.cfg.Reconciler.PageConcurrency {
		pages := make([][]state.Record, e.cfg.Reconciler.PageConcurrency)
		var g errgroup.Group
		for i := range pages {
			from := offset + i*size
			g.Go(func() error {
				recs, err := e.st.ListPage(kind, from, size)
				pages[i] = recs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		done := false
		for _, p := range pages {
			out = append(out, p...)
			if len(p) < size {
				done = true
			}
		}
		if done {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.Reconciler.PageGroupDelay):
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, rec state.Record, action Action) {
	kind, t := rec.Kind(), rec.Base()
	metrics.ActionsDispatched.WithLabelValues(kind.String(), string(action)).Inc()
	logger.WithFields(logger.Fields{
		"kind":   kind.String(),
		"key":    t.Key,
		"status": state.StatusName(kind, t.Status),
		"action": action,
	}).Debug("dispatching")

	if err := e.run(ctx, rec, action); err != nil {
		e.fail(kind, t.Key, action, t.Status, err)
	}
}

func (e *Engine) run(ctx context.Context, rec state.Record, action Action) error {
	switch action {
	case ActionConfirmDeposit:
		return e.confirmDeposit(ctx, rec.(*state.Deposit))
	case ActionVerifyDeposit:
		return e.verifyDeposit(ctx, rec.(*state.Deposit))
	case ActionStake:
		return e.stake(ctx, rec.(*state.Deposit))
	case ActionConfirmStake:
		return e.confirmStake(ctx, rec.(*state.Deposit))
	case ActionMint:
		return e.mint(ctx, rec.(*state.Deposit))
	case ActionVerifyMint:
		return e.verifyMint(ctx, rec.(*state.Deposit))
	case ActionConfirmRefund:
		return e.confirmRefund(ctx, rec.(*state.Deposit))
	case ActionVerifyBurn:
		return e.verifyBurn(ctx, rec)
	case ActionQueueRedemption:
		return e.queueRedemption(ctx, rec.(*state.Redemption))
	case ActionSendBack:
		return e.sendBack(ctx, rec.(*state.Redemption))
	case ActionConfirmSendBack:
		return e.confirmSendBack(ctx, rec.(*state.Redemption))
	case ActionAcceptBurn:
		return e.acceptBurn(ctx, rec.(*state.Bridging))
	case ActionBridgeMint:
		return e.bridgeMint(ctx, rec.(*state.Bridging))
	case ActionQueueFeeUnstake:
		return e.queueFeeUnstake(ctx, rec.(*state.Bridging))
	case ActionUnstake:
		return e.unstake(ctx, rec)
	case ActionCheckUnstake:
		return e.checkUnstake(ctx, rec)
	case ActionQueueWithdraw:
		return e.queueWithdraw(ctx, rec)
	case ActionConfirmWithdraw:
		return e.confirmWithdraw(ctx, rec)
	}
	return fmt.Errorf("no handler for %s", action)
}

// statusError carries the status a record was claimed into before the
// error happened.
type statusError struct {
	status state.Status
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func atStatus(s state.Status, err error) error {
	if err == nil {
		return nil
	}
	return &statusError{status: s, err: err}
}

// claim advances a record into its pending status at most once and
// remembers whether it did.
type claim struct {
	fn   func() error
	done bool
}

func (c *claim) run() error {
	if err := c.fn(); err != nil {
		return err
	}
	c.done = true
	return nil
}

// result ties err to the pending status when the claim went through.
func (c *claim) result(pending state.Status, err error) error {
	if err != nil && c.done {
		return atStatus(pending, err)
	}
	return err
}

// fail sorts an action error: lost races are skipped, transient errors
// before a claim are retried next cycle, everything else pauses the record.
func (e *Engine) fail(kind state.Kind, key string, action Action, status state.Status, err error) {
	var se *statusError
	claimed := errors.As(err, &se)
	if claimed {
		status = se.status
	}
	fields := logger.Fields{
		"kind":   kind.String(),
		"key":    key,
		"action": action,
		"err":    err,
	}

	switch {
	case errors.Is(err, state.ErrConflict):
		logger.WithFields(fields).Debug("record moved on, skipping")
	case !claimed && agreement.IsTransient(err):
		metrics.ActionsFailed.WithLabelValues(kind.String(), string(action), "transient").Inc()
		logger.WithFields(fields).Warn("transient failure, retrying next cycle")
	default:
		e.park(kind, key, action, status, err)
	}
}

// park writes err into the remarks of the record at status.
func (e *Engine) park(kind state.Kind, key string, action Action, status state.Status, err error) {
	rk := agreement.RecoverableKindOf(err)
	metrics.ActionsFailed.WithLabelValues(kind.String(), string(action), rk.String()).Inc()

	e.incidents.Record(&agreement.Incident{
		Component: "reconciler",
		Action:    string(action),
		Kind:      kind.String(),
		Key:       key,
		TxHashes:  correlatedHashes(kind, key),
		Err:       err,
	})
	if serr := e.st.SetRemarks(kind, key, status, err.Error(), rk); serr != nil {
		logger.Errorf("failed to pause %s %s: err=%v", kind, key, serr)
		return
	}
	logger.WithFields(logger.Fields{
		"kind":        kind.String(),
		"key":         key,
		"status":      state.StatusName(kind, status),
		"action":      action,
		"remarksKind": rk.String(),
		"err":         err,
	}).Error("record paused")
}

func correlatedHashes(kind state.Kind, key string) []string {
	if kind == state.KindDeposit {
		return []string{key}
	}
	if _, txn, err := agreement.SplitCorrelationKey(key); err == nil {
		return []string{txn}
	}
	return nil
}

func (e *Engine) worker(chainID string) (ChainWorker, error) {
	w, ok := e.workers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoWorker, chainID)
	}
	return w, nil
}

// btcConfirmed reports whether txid has the configured depth.
func (e *Engine) btcConfirmed(ctx context.Context, txid string) (bool, error) {
	info, err := e.btc.GetTransaction(ctx, txid)
	if errors.Is(err, rpc.ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Confirmations >= e.cfg.Bitcoin.MinConfirmations, nil
}

// spend funds req from the custody address, signs it, runs claimTx with
// the txid and broadcasts. A broadcast error is tied to pending.
func (e *Engine) spend(ctx context.Context, req *assembler.PayloadRequest, pending state.Status, claimTx func(txid string) error) (string, error) {
	e.btcMu.Lock()
	defer e.btcMu.Unlock()

	req.Sender = e.cfg.Bitcoin.AtlasAddress
	req.SenderPubKey = e.btcSigner.BitcoinPublicKey()
	req.MinConf = e.cfg.Bitcoin.MinUtxoConfirmations
	if req.TreasuryAddress == "" {
		req.TreasuryAmount = 0
	}

	payload, err := e.asm.BuildPayload(ctx, req)
	if err != nil {
		return "", err
	}
	signed, err := e.btcSigner.SignPsbt(ctx, payload.Packet)
	if err != nil {
		return "", err
	}
	txid := signed.TxHash().String()
	if err := claimTx(txid); err != nil {
		return "", err
	}
	if _, err := e.btc.Broadcast(ctx, signed); err != nil {
		return txid, atStatus(pending, err)
	}
	logger.WithFields(logger.Fields{
		"tx":      txid,
		"fee":     payload.Fee,
		"change":  payload.Change,
		"inputs":  len(payload.Selected),
		"outputs": len(signed.TxOut),
	}).Info("btc transaction sent")
	return txid, nil
}
