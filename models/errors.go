package models

import "errors"

var (
	// ErrSourceUnavailable indicates a transient transport failure talking to
	// the exchange. Callers retry on the next eligible tick.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSymbolNotFound indicates the exchange does not know the requested
	// contract. Permanent for the symbol within a round; skip and log.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrSnapshotExists is returned by the snapshot cache when a round was
	// already ranked. Benign; the caller keeps the existing snapshot.
	ErrSnapshotExists = errors.New("snapshot already exists for event")
)
