package bootstrap

import (
	"context"
	"fmt"
	"io"
	"time"

	"Strata/internal/ledger"
)

// pendingEntrySize is the wire size of one (hash, amount, source) triple.
const pendingEntrySize = ledger.HashSize + ledger.AmountSize + ledger.AccountSize

// pendingScanBatch bounds pending reads per store visit.
const pendingScanBatch = 128

// PendingResult is one receivable reported by a pending scan.
type PendingResult struct {
	Hash   ledger.Hash    // Hash is the funding send block hash
	Amount ledger.Amount  // Amount is the receivable value
	Source ledger.Account // Source is the sending account
}

// runBulkPullAccount drives the client half of one bulk_pull_account
// exchange over a leased connection and returns the reported receivables.
func (cs *Connections) runBulkPullAccount(c *client, a attempt, account ledger.Account, minimum ledger.Amount) ([]PendingResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.cfg.IOTimeout)
	defer cancel()

	stream, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(cs.cfg.IOTimeout))

	req := BulkPullAccount{
		Account: account,
		Minimum: minimum,
		Flags:   PendingHashAmountSource,
	}
	if err := WriteBulkPullAccount(stream, req); err != nil {
		return nil, fmt.Errorf("send bulk pull account: %w", err)
	}

	var results []PendingResult

	for {
		if a.Stopped() {
			return nil, ErrStopped
		}

		entry, done, err := readPendingEntry(stream)
		if err != nil {
			return nil, err
		}
		if done {
			return results, nil
		}

		results = append(results, entry)
	}
}

// readPendingEntry reads one triple; done is true on the zero terminator.
func readPendingEntry(r io.Reader) (PendingResult, bool, error) {
	var buf [pendingEntrySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PendingResult{}, false, fmt.Errorf("%w: pending entry: %v", ErrMalformedFrame, err)
	}

	var entry PendingResult
	copy(entry.Hash[:], buf[:ledger.HashSize])
	copy(entry.Amount[:], buf[ledger.HashSize:ledger.HashSize+ledger.AmountSize])
	copy(entry.Source[:], buf[ledger.HashSize+ledger.AmountSize:])

	done := entry.Hash.IsZero() && entry.Amount.IsZero() && entry.Source.IsZero()

	return entry, done, nil
}

// writePendingEntry writes one triple.
func writePendingEntry(w io.Writer, entry PendingResult) error {
	var buf [pendingEntrySize]byte
	copy(buf[:ledger.HashSize], entry.Hash[:])
	copy(buf[ledger.HashSize:], entry.Amount[:])
	copy(buf[ledger.HashSize+ledger.AmountSize:], entry.Source[:])

	_, err := w.Write(buf[:])

	return err
}

// serveBulkPullAccount answers one bulk_pull_account: the pending index of
// one account in ascending send-hash order, filtered by the minimum amount.
// Address-only mode emits each unique source address once.
func (s *Server) serveBulkPullAccount(stream Stream, req BulkPullAccount) error {
	addressOnly := req.Flags == PendingAddressOnly
	seen := make(map[ledger.Account]struct{})

	var cursor ledger.Hash

	for {
		entries, err := s.store.PendingBatch(req.Account, cursor, pendingScanBatch)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if e.Info.Amount.Cmp(req.Minimum) < 0 {
				continue
			}

			if addressOnly {
				if _, dup := seen[e.Info.Source]; dup {
					continue
				}
				seen[e.Info.Source] = struct{}{}

				if _, err := stream.Write(e.Info.Source[:]); err != nil {
					return err
				}

				continue
			}

			entry := PendingResult{Hash: e.Key.Hash, Amount: e.Info.Amount, Source: e.Info.Source}
			if err := writePendingEntry(stream, entry); err != nil {
				return err
			}
		}

		if len(entries) < pendingScanBatch {
			break
		}

		cursor = entries[len(entries)-1].Key.Hash
	}

	if addressOnly {
		var zero ledger.Account
		_, err := stream.Write(zero[:])

		return err
	}

	return writePendingEntry(stream, PendingResult{})
}
