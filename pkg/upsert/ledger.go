package upsert

import "sync"

// KeyLedger records which work item touched each natural key during a run.
// Work items are meant to be disjoint; a key claimed by a second item is a
// duplicate and is not written again.
type KeyLedger struct {
	mu         sync.Mutex
	owners     map[string]string
	duplicates int
}

// NewKeyLedger creates an empty ledger.
func NewKeyLedger() *KeyLedger {
	return &KeyLedger{owners: make(map[string]string)}
}

// Claim records owner for key. It reports the existing owner and true when
// a different owner already claimed the key.
func (l *KeyLedger) Claim(key, owner string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.owners[key]; ok {
		if prev != owner {
			l.duplicates++
			return prev, true
		}
		return prev, false
	}
	l.owners[key] = owner
	return owner, false
}

// Release drops a claim held by owner, used when the write failed.
func (l *KeyLedger) Release(key, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] == owner {
		delete(l.owners, key)
	}
}

// Len is the number of distinct keys claimed by successful writes.
func (l *KeyLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}

// Duplicates is the number of rejected claims.
func (l *KeyLedger) Duplicates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duplicates
}
