package domain

import "time"

// Checkpoint is the durable scan position of an event listener.
// NextBlock is the first block whose events are not yet fully applied.
type Checkpoint struct {
	Name      string    `db:"name"`
	NextBlock uint64    `db:"next_block"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LastProcessed returns the highest fully processed block height.
func (c *Checkpoint) LastProcessed() uint64 {
	if c.NextBlock == 0 {
		return 0
	}
	return c.NextBlock - 1
}
