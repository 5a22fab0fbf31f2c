package ingest

const QueueCapacity = 512

// Writer persists one event. storage.Writer satisfies it.
type Writer interface {
	Write(event any) error
}

func TryEnqueue[T any](ch chan T, event T) bool {
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}
