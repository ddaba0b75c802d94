package sqlwatch

// Equal returns an equality comparator for comparable value types, for use
// with Observation.Deduplicated.
//
// Values fetched after a spurious wake-up (a commit that overlapped the
// observed region without changing the observed result) compare equal to
// the previous delivery and are suppressed.
func Equal[V comparable]() func(prev, next V) bool {
	return func(prev, next V) bool {
		return prev == next
	}
}
