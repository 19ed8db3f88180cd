package ingest

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/metrics"
	"github.com/TEENet-io/atlas-bridge/state"
)

const MinTickerDuration = 100 * time.Millisecond

type SyncConfig struct {
	Interval   time.Duration
	StartBlock uint64
	MaxRange   uint64
}

// Synchronizer feeds the events of one chain into the processor, block
// range by block range. The cursor only moves past a range once every
// event in it was applied.
type Synchronizer struct {
	src       Source
	proc      *Processor
	st        *state.StateDB
	cfg       SyncConfig
	incidents agreement.IncidentRecorder
}

func NewSynchronizer(src Source, proc *Processor, st *state.StateDB, cfg SyncConfig, incidents agreement.IncidentRecorder) *Synchronizer {
	if cfg.Interval < MinTickerDuration {
		cfg.Interval = MinTickerDuration
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 1000
	}
	if incidents == nil {
		incidents = agreement.NopIncidentRecorder{}
	}
	return &Synchronizer{src: src, proc: proc, st: st, cfg: cfg, incidents: incidents}
}

func (s *Synchronizer) cursorName() string {
	return "sync/" + s.src.ChainID()
}

// next returns the first block not yet applied.
func (s *Synchronizer) next() (uint64, error) {
	last, ok, err := s.st.GetCursor(s.cursorName())
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.cfg.StartBlock, nil
	}
	return last + 1, nil
}

func (s *Synchronizer) Sync(ctx context.Context) error {
	logger.WithField("chain", s.src.ChainID()).Debug("starting event synchronization")
	defer logger.WithField("chain", s.src.ChainID()).Debug("stopping event synchronization")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				logger.WithFields(logger.Fields{
					"chain": s.src.ChainID(),
					"err":   err,
				}).Warn("event synchronization round failed")
			}
		}
	}
}

// SyncOnce applies every final block not applied yet.
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	head, err := s.src.Head(ctx)
	if err != nil {
		return err
	}
	from, err := s.next()
	if err != nil {
		return err
	}

	for from <= head {
		to := from + s.cfg.MaxRange - 1
		if to > head {
			to = head
		}
		if err := s.syncRange(ctx, from, to); err != nil {
			return err
		}
		if err := s.st.SetCursor(s.cursorName(), to); err != nil {
			return err
		}
		metrics.SyncHeight.WithLabelValues(s.src.ChainID()).Set(float64(to))
		from = to + 1
	}
	return nil
}

func (s *Synchronizer) syncRange(ctx context.Context, from, to uint64) error {
	events, err := s.src.Events(ctx, from, to)
	if err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"chain":  s.src.ChainID(),
		"from":   from,
		"to":     to,
		"events": len(events),
	}).Debug("events")

	for _, ev := range events {
		if _, err := s.proc.Apply(ev); err != nil {
			m := ev.Meta()
			s.incidents.Record(&agreement.Incident{
				Component: "ingest",
				Action:    ev.Name(),
				Kind:      kindOf(ev).String(),
				TxHashes:  []string{m.TxHash},
				Err:       err,
			})
			return fmt.Errorf("apply %s %s#%d: %w", ev.Name(), m.TxHash, m.Seq, err)
		}
	}
	return nil
}
