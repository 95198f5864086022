package engine

import (
	"sort"
	"sync"

	"lendingledger/native/lending"
)

// keyedLocks hands out one mutex per key. Entries are reference counted and
// dropped once no operation holds or waits on them.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

func (l *keyedLocks) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func userKey(owner lending.Address) string { return "user/" + owner.String() }

func bankKey(mint lending.Address) string { return "bank/" + mint.String() }

// bankIndexKey guards the shared list of registered mints. Only bank
// initialisation rewrites it and it is always taken after the bank lock.
const bankIndexKey = "bank-index"

// lockBanks acquires the bank locks in ascending mint order after removing
// duplicates. The returned function releases them in reverse.
func (l *keyedLocks) lockBanks(mints []lending.Address) func() {
	unique := make([]lending.Address, 0, len(mints))
	seen := make(map[lending.Address]struct{}, len(mints))
	for _, mint := range mints {
		if _, ok := seen[mint]; ok {
			continue
		}
		seen[mint] = struct{}{}
		unique = append(unique, mint)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Compare(unique[j]) < 0 })
	releases := make([]func(), 0, len(unique))
	for _, mint := range unique {
		releases = append(releases, l.lock(bankKey(mint)))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
