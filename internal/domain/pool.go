package domain

import "time"

// Pool is a fixed-capacity set of sellable units. Capacity never changes after
// the pool is provisioned.
type Pool struct {
	ID        string
	Name      string
	Capacity  int
	CreatedAt time.Time
}

// PoolCounts is derived from unit statuses; there are no stored counters.
// Held includes lapsed holds that have not been reclaimed yet.
type PoolCounts struct {
	PoolID    string
	Capacity  int
	Available int
	Held      int
	Sold      int
}

// Balanced reports whether the accounting invariant holds.
func (c PoolCounts) Balanced() bool {
	return c.Available+c.Held+c.Sold == c.Capacity
}
