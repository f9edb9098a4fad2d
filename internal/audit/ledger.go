package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrWriteConflict is returned when an append loses the tail race more times
// than the retry limit allows. Callers should surface it as an internal
// error; it is not retryable at the request level without refetching state.
var ErrWriteConflict = errors.New("audit: ledger append conflict, retries exhausted")

// errPrevHashTaken is the internal signal that another writer claimed the
// observed tail first.
var errPrevHashTaken = errors.New("audit: prev_hash already claimed")

// maxAppendRetries bounds the refetch-and-retry loop on append conflicts.
const maxAppendRetries = 5

// TimeLayout is the fixed-width RFC 3339 layout used for entry timestamps.
// Unlike RFC3339Nano it never trims trailing zeros, so stored timestamps
// order correctly under the store's lexicographic comparisons.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the append-only, hash-chained audit ledger.
//
// Appends are serialized by a mutex: "read tail hash, compute next hash,
// insert" is one atomic unit, so two concurrent appends can never observe
// the same tail. If a second process writes to the same database file, the
// UNIQUE(prev_hash) constraint rejects the fork and the append retries with
// a fresh tail. Readers never take the append lock.
type Ledger struct {
	mu    sync.Mutex
	store *store

	// Tail state under mu. lastTS guarantees timestamps are strictly
	// increasing in insertion order even if the wall clock stalls.
	seq      uint64
	lastHash string
	lastTS   time.Time
}

// Open opens or creates a ledger at the given database path. chainSeed seeds
// the first entry's prev_hash on a fresh ledger; pass "" for the default
// genesis sentinel. On an existing ledger the persisted seed wins.
func Open(path, chainSeed string) (*Ledger, error) {
	st, err := openStore(path, chainSeed)
	if err != nil {
		return nil, err
	}

	l := &Ledger{store: st}
	if err := l.refreshTail(); err != nil {
		st.close()
		return nil, err
	}

	slog.Info("audit ledger opened", "path", path, "seq", l.seq)
	return l, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.close()
}

// refreshTail reloads the tail pointer from the store. Caller must hold mu
// (or be the only goroutine with access, as in Open).
func (l *Ledger) refreshTail() error {
	tail, err := l.store.tail()
	if err != nil {
		return err
	}
	if tail == nil {
		// Empty ledger: chain from the recorded purge boundary if one
		// exists (everything was purged), otherwise from the seed.
		boundary, err := l.store.purgeBoundary()
		if err != nil {
			return err
		}
		if boundary != "" {
			l.lastHash = boundary
		} else {
			seed, err := l.store.chainSeed()
			if err != nil {
				return err
			}
			l.lastHash = seed
		}
		if v, err := l.store.getMeta(metaPurgedThrough); err == nil {
			fmt.Sscanf(v, "%d", &l.seq)
		} else {
			l.seq = 0
		}
		l.lastTS = time.Time{}
		return nil
	}

	l.seq = tail.Seq
	l.lastHash = tail.Hash
	if ts, err := time.Parse(time.RFC3339Nano, tail.Timestamp); err == nil {
		l.lastTS = ts
	}
	return nil
}

// Append records one audited action and returns the committed entry.
// The entry either commits whole or not at all; there are no partial writes.
func (l *Ledger) Append(ctx context.Context, userID string, action ActionType, resourceID string, changes json.RawMessage, status ComplianceStatus) (*Entry, error) {
	if _, err := ParseActionType(string(action)); err != nil {
		return nil, err
	}
	if _, err := ParseComplianceStatus(string(status)); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		changes = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt <= maxAppendRetries; attempt++ {
		if err := ctx.Err(); err != nil && attempt == 0 {
			// Honor cancellation before the write begins. Once the insert
			// is issued it runs to completion.
			return nil, err
		}

		e := &Entry{
			Seq:              l.seq + 1,
			Timestamp:        l.nextTimestamp().Format(TimeLayout),
			UserID:           userID,
			ActionType:       action,
			ResourceID:       resourceID,
			Changes:          changes,
			ComplianceStatus: status,
			PrevHash:         l.lastHash,
		}
		e.Hash = computeHash(e)

		err := l.store.insert(e)
		if err == nil {
			l.seq = e.Seq
			l.lastHash = e.Hash
			return e, nil
		}
		if !errors.Is(err, errPrevHashTaken) {
			return nil, err
		}

		// Another writer claimed our tail. Refetch and retry.
		slog.Warn("audit append conflict, refetching tail", "attempt", attempt+1)
		if err := l.refreshTail(); err != nil {
			return nil, err
		}
	}

	return nil, ErrWriteConflict
}

// nextTimestamp returns a UTC timestamp strictly after the previous entry's.
// Caller must hold mu.
func (l *Ledger) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(l.lastTS) {
		now = l.lastTS.Add(time.Nanosecond)
	}
	l.lastTS = now
	return now
}

// Query returns entries matching the filter, newest first.
func (l *Ledger) Query(f Filter) ([]Entry, error) {
	return l.store.query(f)
}

// Count returns the number of entries currently in the ledger.
func (l *Ledger) Count() (int, error) {
	return l.store.count()
}

// VerifyChain walks entries with from <= seq <= to (zero bounds are open)
// oldest-first, recomputing each entry's hash from its stored fields and
// checking linkage to its predecessor. The first mismatch stops the walk and
// identifies the offending entry. Verification never repairs anything.
//
// A full walk anchors the first entry's prev_hash at the recorded purge
// boundary (if a purge has happened) or the persisted chain seed. A subrange
// walk anchors at the first in-range entry's stored prev_hash.
func (l *Ledger) VerifyChain(from, to uint64) (VerifyResult, error) {
	entries, err := l.store.rangeAsc(from, to)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(entries) == 0 {
		return VerifyResult{Valid: true}, nil
	}

	// When the walk starts at the chain's true oldest entry, its prev_hash
	// must equal the recorded root: the purge boundary if entries before it
	// were purged, otherwise the chain seed. Walks starting mid-chain trust
	// the first entry's stored prev_hash.
	expectedRoot := ""
	var purgedThrough uint64
	if v, err := l.store.getMeta(metaPurgedThrough); err == nil {
		fmt.Sscanf(v, "%d", &purgedThrough)
	}
	if entries[0].Seq == purgedThrough+1 {
		if purgedThrough > 0 {
			boundary, err := l.store.purgeBoundary()
			if err != nil {
				return VerifyResult{}, err
			}
			expectedRoot = boundary
		} else {
			seed, err := l.store.chainSeed()
			if err != nil {
				return VerifyResult{}, err
			}
			expectedRoot = seed
		}
	}

	prevHash := entries[0].PrevHash
	if expectedRoot != "" && entries[0].PrevHash != expectedRoot {
		return VerifyResult{
			Valid:          false,
			EntriesChecked: 1,
			BrokenSeq:      entries[0].Seq,
			ExpectedHash:   expectedRoot,
			ActualHash:     entries[0].PrevHash,
			Reason:         "chain root does not match recorded genesis/purge boundary",
		}, nil
	}

	for i := range entries {
		e := &entries[i]

		if e.PrevHash != prevHash {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenSeq:      e.Seq,
				ExpectedHash:   prevHash,
				ActualHash:     e.PrevHash,
				Reason:         "prev_hash does not match preceding entry",
			}, nil
		}
		if !verifyEntry(e) {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenSeq:      e.Seq,
				ExpectedHash:   computeHash(e),
				ActualHash:     e.Hash,
				Reason:         "stored hash does not match entry contents",
			}, nil
		}
		prevHash = e.Hash
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// Purge removes the contiguous oldest prefix of entries older than the
// cutoff and records the new chain root so VerifyChain still passes over the
// surviving range. Returns the number of entries removed.
func (l *Ledger) Purge(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(TimeLayout)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed, err := l.store.purgeBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		// The tail itself may have been purged on an idle ledger.
		if err := l.refreshTail(); err != nil {
			return removed, err
		}
		slog.Info("audit ledger purged", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Follow invokes cb for every entry appended after the call, in order.
// Polls the store; blocks until ctx is cancelled.
func (l *Ledger) Follow(ctx context.Context, cb func(Entry)) error {
	l.mu.Lock()
	lastSeen := l.seq
	l.mu.Unlock()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := l.store.entriesAfter(lastSeen)
			if err != nil {
				slog.Error("follow: reading new ledger entries", "error", err)
				continue
			}
			for _, e := range entries {
				cb(e)
				if e.Seq > lastSeen {
					lastSeen = e.Seq
				}
			}
		}
	}
}
