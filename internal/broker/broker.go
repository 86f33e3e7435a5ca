// Package broker defines the capability the engine consumes for market
// access. Two implementations exist: the live Alpaca adapter (broker/alpaca)
// and the historical fill simulator (backtest.HistBroker). Both answer the
// same surface so strategy behavior is identical across live and simulated
// execution.
package broker

import (
	"context"
	"errors"
	"fmt"

	"autotrader/pkg/types"
)

// Broker is the uniform market-access capability.
//
// Submit returns the broker-assigned order id. Status accepts either the
// broker id or our client id — implementations index both. All calls may
// fail with *TransientError (retry with backoff) or *PermanentError
// (surface to the caller).
type Broker interface {
	Account(ctx context.Context) (types.Account, error)
	Positions(ctx context.Context) ([]types.Position, error)
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Submit(ctx context.Context, order types.Order) (string, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (types.Order, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// TransientError is a recoverable failure: network trouble, 5xx responses,
// throttling. Callers retry with bounded exponential backoff.
type TransientError struct {
	Code string // stable machine code, e.g. "broker_timeout"
	Msg  string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a non-recoverable failure: bad credentials, rejected
// order, unknown symbol. Callers surface it; a strategy mid-trade is moved
// to exiting.
type PermanentError struct {
	Code string
	Msg  string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(code, msg string, err error) error {
	return &TransientError{Code: code, Msg: msg, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(code, msg string, err error) error {
	return &PermanentError{Code: code, Msg: msg, Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrOrderNotFound is returned by Status and Cancel for unknown ids.
var ErrOrderNotFound = errors.New("order not found")
