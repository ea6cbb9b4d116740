package engine

import "errors"

var (
	// ErrNotFound: the transaction (or its owning account) does not exist.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidID: transaction ids are positive integers.
	ErrInvalidID = errors.New("transaction id must be a positive integer")
	// ErrInvalidStatus: the requested status is not in the allowed set for the kind.
	ErrInvalidStatus = errors.New("status not allowed for transaction kind")
	// ErrConversion: the exchange-rate collaborator failed; nothing was persisted.
	ErrConversion = errors.New("currency conversion failed")
	// ErrConflict: concurrent modification detected; the whole transition may be retried.
	ErrConflict = errors.New("concurrent transaction modification")
	// ErrInvariant: a ledger invariant would have been violated; fatal for the request.
	ErrInvariant = errors.New("ledger invariant violation")
)
