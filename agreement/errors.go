package agreement

import (
	"errors"
	"fmt"
)

// ErrTransientChain marks RPC failures (timeouts, 5xx, dropped connections)
// that are retried on the next cycle and never written to the ledger.
var ErrTransientChain = errors.New("transient chain error")

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient chain error: %v", e.err)
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransientChain, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransientChain) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientChain) {
		return err
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientChain)
}

// RecoverableErrorKind tags a failure, at the place it happens, with a
// condition that the rollback protocol knows how to undo.
type RecoverableErrorKind int

const (
	RecoverableNone RecoverableErrorKind = iota
	// bitcoind refused the broadcast with too-long-mempool-chain
	RecoverableMempoolChainTooLong
	// the pre-committed minting fee cannot cover the current base fee
	RecoverableGasBelowBaseFee
)

func (k RecoverableErrorKind) String() string {
	switch k {
	case RecoverableNone:
		return "none"
	case RecoverableMempoolChainTooLong:
		return "mempool-chain-too-long"
	case RecoverableGasBelowBaseFee:
		return "gas-below-base-fee"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

type RecoverableError struct {
	Kind RecoverableErrorKind
	Err  error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("%v [%s]", e.Err, e.Kind)
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

func Recoverable(kind RecoverableErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Kind: kind, Err: err}
}

// RecoverableKindOf returns the tag carried by err, or RecoverableNone.
func RecoverableKindOf(err error) RecoverableErrorKind {
	var re *RecoverableError
	if errors.As(err, &re) {
		return re.Kind
	}
	return RecoverableNone
}
