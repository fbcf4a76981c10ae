package audio

// Drain discards values until ch is closed, so a producer that outlived its
// consumer can still finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
