package engine

// SetAfterObserve replaces the hook run between reading an instance and
// deciding on it, and returns a func restoring the previous one.
func SetAfterObserve(f func()) (restore func()) {
	prev := afterObserve
	afterObserve = f
	return func() { afterObserve = prev }
}
