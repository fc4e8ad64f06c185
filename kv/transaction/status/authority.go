package status

import "context"

// Authority answers what became of a transaction in a region. Implementations may block on I/O. A nil error with an
// Unknown status means the authority holds no record yet.
type Authority interface {
	Query(ctx context.Context, regionID, startTs uint64) (Status, error)
}
