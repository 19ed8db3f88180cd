// This is a http type of reporter.
// It reads the transfer ledger and publishes it on http routes,
// next to the prometheus collectors.

package reporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/state"
)

const (
	ROUTE_HELLO   = "/hello"
	ROUTE_HEALTH  = "/healthz"
	ROUTE_METRICS = "/metrics"
	ROUTE_SUMMARY = "/ledger/summary"
	ROUTE_DEPOSIT = "/deposit"

	shutdownTimeout = 5 * time.Second
)

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	statedb *state.StateDB
}

func NewHttpReporter(serverIP string, serverPort string, statedb *state.StateDB) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		statedb:    statedb,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_HEALTH, h.Health)
	router.GET(ROUTE_METRICS, gin.WrapH(promhttp.Handler()))
	router.GET(ROUTE_SUMMARY, h.Summary)
	router.GET(ROUTE_DEPOSIT, h.Deposit)

	return router
}

// Run serves until ctx is cancelled.
func (h *HttpReporter) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.serverIP + ":" + h.serverPort,
		Handler: h.SetupRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.WithField("address", srv.Addr).Info("http reporter listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// Example route.
func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

func (h *HttpReporter) Health(c *gin.Context) {
	if _, err := h.statedb.Count(state.KindDeposit); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Summary counts the records of each kind by status name.
func (h *HttpReporter) Summary(c *gin.Context) {
	out := gin.H{}
	for _, kind := range state.Kinds {
		counts, err := h.statedb.CountByStatus(kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		named := make(map[string]int, len(counts))
		for s, n := range counts {
			named[state.StatusName(kind, s)] = n
		}
		out[kind.String()] = named
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// Deposit looks up one deposit by its bitcoin txid.
func (h *HttpReporter) Deposit(c *gin.Context) {
	btcTxnHash := c.Query("btc_txn_hash")
	if btcTxnHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "btc_txn_hash must be provided"})
		return
	}

	d, err := h.statedb.GetDeposit(btcTxnHash)
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No deposit found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"btc_txn_hash":       d.Key,
		"status":             state.StatusName(state.KindDeposit, d.Status),
		"remarks":            d.Remarks,
		"btc_sender":         d.BtcSender,
		"receiving_chain_id": d.ReceivingChainID,
		"receiving_address":  d.ReceivingAddress,
		"btc_amount":         d.BtcAmount,
		"fee_amount":         d.FeeAmount,
		"minted_txn_hash":    d.MintedTxnHash,
		"refund_txn_hash":    d.RefundTxnHash,
	}})
}
