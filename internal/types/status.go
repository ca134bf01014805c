package types

// PoolStatus is the health and capacity snapshot of one pool.
type PoolStatus struct {
	ValidForAllocation bool    `json:"valid_for_allocation"`
	Storage            Storage `json:"storage"`
}

// TierStatus is the snapshot of one tier: per pool status and the aggregated
// storage of each mirror, in tier mirror order.
type TierStatus struct {
	Pools          map[string]PoolStatus `json:"pools"`
	MirrorsStorage []Storage             `json:"mirrors_storage"`
}

// PoolValid reports the pool's allocation flag; unknown pools are invalid.
func (s TierStatus) PoolValid(poolID string) bool {
	return s.Pools[poolID].ValidForAllocation
}

// TieringStatus maps tier ID to its snapshot.
type TieringStatus map[string]TierStatus
