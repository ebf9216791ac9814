package ledger

import "time"

// Backdate is a test helper that shifts the creation time of every record for
// requestID when using the in-memory ledger.
func Backdate(l Ledger, requestID string, by time.Duration) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		for _, rec := range mem.records {
			if rec.RequestID == requestID {
				rec.CreatedAt = rec.CreatedAt.Add(-by)
			}
		}
	}
}
