package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer whose output is no longer wanted, e.g. the
// frame channel of a subscription being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
