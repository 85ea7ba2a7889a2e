package clusterconfig

// NormalizeTimestamp aligns ms timestamp down to the period grid.
func NormalizeTimestamp(ts int64, period int64) int64 {
	if period <= 0 {
		return ts
	}
	return ts - ts%period
}

// IsTimestampValid checks that ms timestamp is aligned to the period.
func IsTimestampValid(ts int64, period int64) bool {
	return period > 0 && ts%period == 0
}
