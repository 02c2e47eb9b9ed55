package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
)

// Key prefixes. Each record class lives under its own single-byte prefix so
// that prefix iteration walks one class in key order.
const (
	prefixAccount = 'a' // account -> AccountInfo
	prefixBlock   = 'b' // hash -> owner || zstd(type || body)
	prefixPending = 'p' // account || send hash -> source || amount
	prefixPruned  = 'r' // hash -> (empty), body discarded
	prefixWeight  = 'w' // representative account -> Amount
)

// accountInfoSize is the fixed encoded size of an AccountInfo record.
const accountInfoSize = HashSize + HashSize + AccountSize + AmountSize + 8 + 8

// AccountEntry pairs an account with its stored info, in frontier walks.
type AccountEntry struct {
	Account Account
	Info    AccountInfo
}

// PendingEntry is one receivable returned by a pending scan.
type PendingEntry struct {
	Key  PendingKey
	Info PendingInfo
}

// Store is the ledger store: accounts, blocks, receivables, pruning marks
// and representative weights, backed by Pebble. Block bodies are compressed
// at rest with zstd. Reads are safe for concurrent use; writers are expected
// to be serialized by the block processor.
type Store struct {
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (or creates) a store at the given path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return err
	}

	return s.db.Close()
}

func accountKey(a Account) []byte {
	return append([]byte{prefixAccount}, a[:]...)
}

func blockKey(h Hash) []byte {
	return append([]byte{prefixBlock}, h[:]...)
}

func pendingKey(k PendingKey) []byte {
	key := make([]byte, 0, 1+AccountSize+HashSize)
	key = append(key, prefixPending)
	key = append(key, k.Account[:]...)
	key = append(key, k.Hash[:]...)

	return key
}

func prunedKey(h Hash) []byte {
	return append([]byte{prefixPruned}, h[:]...)
}

func weightKey(a Account) []byte {
	return append([]byte{prefixWeight}, a[:]...)
}

// get reads a key, returning nil without error when absent.
func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// AccountInfo returns the stored info for an account, or nil if the account
// has no chain.
func (s *Store) AccountInfo(a Account) (*AccountInfo, error) {
	value, err := s.get(accountKey(a))
	if err != nil || value == nil {
		return nil, err
	}

	info, err := decodeAccountInfo(value)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a, err)
	}

	return info, nil
}

// SetAccountInfo writes the info record for an account, stamping Modified.
func (s *Store) SetAccountInfo(a Account, info AccountInfo) error {
	info.Modified = uint64(time.Now().Unix())
	return s.db.Set(accountKey(a), encodeAccountInfo(info), pebble.NoSync)
}

// AccountsBatch returns up to max accounts starting at start (inclusive) in
// ascending account order. A short batch means the account table is
// exhausted.
func (s *Store) AccountsBatch(start Account, max int) ([]AccountEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: accountKey(start),
		UpperBound: []byte{prefixAccount + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []AccountEntry

	for iter.First(); iter.Valid() && len(entries) < max; iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		info, err := decodeAccountInfo(value)
		if err != nil {
			return nil, err
		}

		var account Account
		copy(account[:], iter.Key()[1:])
		entries = append(entries, AccountEntry{Account: account, Info: *info})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// PutBlock stores a block body under its hash, tagged with the owning
// account. The body is zstd-compressed at rest.
func (s *Store) PutBlock(b Block, owner Account) error {
	var body bytes.Buffer
	if err := WriteBlock(&body, b); err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	record := make([]byte, 0, AccountSize+body.Len())
	record = append(record, owner[:]...)
	record = s.enc.EncodeAll(body.Bytes(), record)

	return s.db.Set(blockKey(b.Hash()), record, pebble.NoSync)
}

// Block returns the stored block for a hash, or nil if absent (including
// pruned blocks, whose bodies are gone).
func (s *Store) Block(h Hash) (Block, error) {
	record, err := s.get(blockKey(h))
	if err != nil || record == nil {
		return nil, err
	}

	if len(record) < AccountSize {
		return nil, fmt.Errorf("block %s: short record", h)
	}

	body, err := s.dec.DecodeAll(record[AccountSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("block %s: decompress: %w", h, err)
	}

	b, err := ReadBlock(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("block %s: decode: %w", h, err)
	}

	return b, nil
}

// BlockAccount returns the account owning a stored block, or the zero
// account if the block is absent.
func (s *Store) BlockAccount(h Hash) (Account, error) {
	record, err := s.get(blockKey(h))
	if err != nil || record == nil {
		return Account{}, err
	}

	if len(record) < AccountSize {
		return Account{}, fmt.Errorf("block %s: short record", h)
	}

	var owner Account
	copy(owner[:], record[:AccountSize])

	return owner, nil
}

// HasBlock reports whether the block body is stored.
func (s *Store) HasBlock(h Hash) (bool, error) {
	record, err := s.get(blockKey(h))
	return record != nil, err
}

// IsPruned reports whether the block existed but its body was discarded.
func (s *Store) IsPruned(h Hash) (bool, error) {
	record, err := s.get(prunedKey(h))
	return record != nil, err
}

// BlockOrPrunedExists reports whether the hash is known to the ledger,
// with or without a body.
func (s *Store) BlockOrPrunedExists(h Hash) (bool, error) {
	has, err := s.HasBlock(h)
	if err != nil || has {
		return has, err
	}

	return s.IsPruned(h)
}

// Prune discards a block body, keeping only the existence mark.
func (s *Store) Prune(h Hash) error {
	if err := s.db.Set(prunedKey(h), []byte{}, pebble.NoSync); err != nil {
		return err
	}

	return s.db.Delete(blockKey(h), pebble.NoSync)
}

// SetPending records a receivable.
func (s *Store) SetPending(k PendingKey, info PendingInfo) error {
	value := make([]byte, 0, AccountSize+AmountSize)
	value = append(value, info.Source[:]...)
	value = append(value, info.Amount[:]...)

	return s.db.Set(pendingKey(k), value, pebble.NoSync)
}

// DeletePending removes a receivable once claimed.
func (s *Store) DeletePending(k PendingKey) error {
	return s.db.Delete(pendingKey(k), pebble.NoSync)
}

// Pending returns the receivable for a key, or nil if absent.
func (s *Store) Pending(k PendingKey) (*PendingInfo, error) {
	value, err := s.get(pendingKey(k))
	if err != nil || value == nil {
		return nil, err
	}

	if len(value) != AccountSize+AmountSize {
		return nil, fmt.Errorf("pending %s/%s: short record", k.Account, k.Hash)
	}

	var info PendingInfo
	copy(info.Source[:], value[:AccountSize])
	copy(info.Amount[:], value[AccountSize:])

	return &info, nil
}

// PendingBatch returns up to max receivables for one account in ascending
// send-hash order, starting after the given hash.
func (s *Store) PendingBatch(a Account, after Hash, max int) ([]PendingEntry, error) {
	lower := pendingKey(PendingKey{Account: a, Hash: after})
	if !after.IsZero() {
		lower = append(lower, 0) // resume strictly after the cursor
	}

	upperAccount := a
	upper := []byte{prefixPending + 1}
	if next, ok := upperAccount.Next(); ok {
		upper = pendingKey(PendingKey{Account: next})
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []PendingEntry

	for iter.First(); iter.Valid() && len(entries) < max; iter.Next() {
		key := iter.Key()
		if len(key) != 1+AccountSize+HashSize {
			return nil, fmt.Errorf("pending: malformed key length %d", len(key))
		}

		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		if len(value) != AccountSize+AmountSize {
			return nil, fmt.Errorf("pending: malformed value length %d", len(value))
		}

		var entry PendingEntry
		copy(entry.Key.Account[:], key[1:1+AccountSize])
		copy(entry.Key.Hash[:], key[1+AccountSize:])
		copy(entry.Info.Source[:], value[:AccountSize])
		copy(entry.Info.Amount[:], value[AccountSize:])
		entries = append(entries, entry)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Weight returns the voting weight delegated to a representative.
func (s *Store) Weight(a Account) (Amount, error) {
	value, err := s.get(weightKey(a))
	if err != nil || value == nil {
		return Amount{}, err
	}

	if len(value) != AmountSize {
		return Amount{}, fmt.Errorf("weight %s: short record", a)
	}

	var w Amount
	copy(w[:], value)

	return w, nil
}

// SetWeight writes a representative's delegated weight. A zero weight
// deletes the record.
func (s *Store) SetWeight(a Account, w Amount) error {
	if w.IsZero() {
		return s.db.Delete(weightKey(a), pebble.NoSync)
	}

	return s.db.Set(weightKey(a), w[:], pebble.NoSync)
}

// RandomBlock returns the hash and root of a stored block near a random
// point of the block keyspace. Returns zero values on an empty store.
func (s *Store) RandomBlock(seed Hash) (Hash, Hash, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixBlock},
		UpperBound: []byte{prefixBlock + 1},
	})
	if err != nil {
		return Hash{}, Hash{}, err
	}
	defer iter.Close()

	// Seek to the seed point, wrapping to the first block if past the end.
	if !iter.SeekGE(blockKey(seed)) && !iter.First() {
		return Hash{}, Hash{}, iter.Error()
	}

	var h Hash
	copy(h[:], iter.Key()[1:])

	b, err := s.Block(h)
	if err != nil || b == nil {
		return Hash{}, Hash{}, err
	}

	return h, b.Root(), nil
}

func encodeAccountInfo(info AccountInfo) []byte {
	buf := make([]byte, 0, accountInfoSize)
	buf = append(buf, info.Head[:]...)
	buf = append(buf, info.Open[:]...)
	buf = append(buf, info.Representative[:]...)
	buf = append(buf, info.Balance[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, info.Modified)
	buf = binary.LittleEndian.AppendUint64(buf, info.BlockCount)

	return buf
}

func decodeAccountInfo(value []byte) (*AccountInfo, error) {
	if len(value) != accountInfoSize {
		return nil, fmt.Errorf("account info: length %d, want %d", len(value), accountInfoSize)
	}

	var info AccountInfo
	offset := 0
	copy(info.Head[:], value[offset:offset+HashSize])
	offset += HashSize
	copy(info.Open[:], value[offset:offset+HashSize])
	offset += HashSize
	copy(info.Representative[:], value[offset:offset+AccountSize])
	offset += AccountSize
	copy(info.Balance[:], value[offset:offset+AmountSize])
	offset += AmountSize
	info.Modified = binary.LittleEndian.Uint64(value[offset : offset+8])
	offset += 8
	info.BlockCount = binary.LittleEndian.Uint64(value[offset : offset+8])

	return &info, nil
}
