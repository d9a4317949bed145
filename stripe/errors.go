package stripe

import "errors"

var (
	// ErrClosed is returned by WriteBlock/FlushAsync-adjacent paths once
	// the writer has begun shutting down.
	ErrClosed = errors.New("stripe: closed")
	// ErrStripeCorrupt is returned when a stripe has more erasures than
	// its parity lanes can reconstruct (§7 StripeCorrupt).
	ErrStripeCorrupt = errors.New("stripe: corrupt, erasures exceed parity lanes")
)
