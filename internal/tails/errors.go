package tails

import "errors"

var (
	// ErrConflict is returned when a tails file has already been committed
	// under the requested revocation registry id.
	ErrConflict = errors.New("tails file already exists")

	// ErrNotFound is returned when no committed tails file (or no ledger
	// record) exists for the requested revocation registry id.
	ErrNotFound = errors.New("not found")

	// ErrBadGenesis is returned when the supplied genesis transactions
	// cannot be parsed into a usable pool of validator nodes.
	ErrBadGenesis = errors.New("genesis transactions are not valid")

	// ErrBadRevRegID is returned when a revocation registry id is not safe
	// to use as a storage identifier.
	ErrBadRevRegID = errors.New("revocation registry id is not valid")

	// ErrLedgerUnavailable is returned when a resolver backend could not be
	// reached. This is the only resolver failure that is safe to retry.
	ErrLedgerUnavailable = errors.New("ledger backend unreachable")

	// ErrBadLedgerType is returned when an upload names a ledger backend
	// outside the supported set.
	ErrBadLedgerType = errors.New("unsupported ledger type")

	// ErrHashMismatch is returned when the digest of an uploaded payload
	// does not match the tailsHash resolved from the ledger.
	ErrHashMismatch = errors.New("tailsHash does not match hash of file")
)
