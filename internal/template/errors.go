package template

import "errors"

// Error kinds attached by wrapping; the CLI maps them to distinct exit
// codes with errors.Is.
var (
	// ErrConfiguration marks malformed inputs: bad region lists, offset
	// overflow, invalid batch config. Reported before any remote interaction.
	ErrConfiguration = errors.New("configuration error")

	// ErrReservation marks a failed or refused pseudo_mm interaction.
	ErrReservation = errors.New("reservation error")

	// ErrTransport marks a pool write that kept failing after the retry
	// budget was spent.
	ErrTransport = errors.New("transport error")

	// ErrConsistency marks an internal invariant violation: transferred
	// bytes not matching the planned size, or a descriptor failing
	// validation. Never retried.
	ErrConsistency = errors.New("consistency error")
)
