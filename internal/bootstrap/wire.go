package bootstrap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"Strata/internal/ledger"
)

// Stream is one framed byte stream between two peers, carrying exactly one
// exchange. QUIC bidirectional streams and net.Conn both satisfy it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// SetDeadline bounds all pending and future reads and writes.
	SetDeadline(t time.Time) error
}

// Request message types opening a bootstrap stream.
const (
	MsgBulkPull        byte = 0x06
	MsgBulkPush        byte = 0x07
	MsgFrontierReq     byte = 0x08
	MsgBulkPullAccount byte = 0x0b
)

// bulkPullCountPresent flags that the bulk_pull payload carries a count.
const bulkPullCountPresent byte = 0x01

// AgeMax disables the frontier age filter.
const AgeMax = math.MaxUint32

// CountMax requests an unbounded frontier stream.
const CountMax = math.MaxUint32

// frontierPairSize is the wire size of one frontier pair.
const frontierPairSize = ledger.AccountSize + ledger.HashSize

// FrontierReq asks for the frontiers of accounts modified within age,
// starting at start, up to count pairs.
type FrontierReq struct {
	Start ledger.Account
	Age   uint32
	Count uint32
}

// BulkPull asks for the chain from start (a block hash, or an account whose
// head resolves it) back to end exclusive.
type BulkPull struct {
	Start        ledger.Hash
	End          ledger.Hash
	Count        uint32
	CountPresent bool
}

// Pending-scan modes of bulk_pull_account.
const (
	// PendingHashAmountSource streams (hash, amount, source) triples.
	PendingHashAmountSource byte = 0x00

	// PendingAddressOnly streams unique source addresses.
	PendingAddressOnly byte = 0x01
)

// BulkPullAccount asks for the receivables of one account above a minimum
// amount.
type BulkPullAccount struct {
	Account ledger.Account
	Minimum ledger.Amount
	Flags   byte
}

// writeHeader writes the message type and flags bytes.
func writeHeader(w io.Writer, msgType, flags byte) error {
	_, err := w.Write([]byte{msgType, flags})
	return err
}

// readHeader reads the message type and flags bytes.
func readHeader(r io.Reader) (msgType, flags byte, err error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("%w: read header: %v", ErrMalformedFrame, err)
	}

	return buf[0], buf[1], nil
}

// WriteFrontierReq writes a framed frontier_req.
func WriteFrontierReq(w io.Writer, req FrontierReq) error {
	if err := writeHeader(w, MsgFrontierReq, 0); err != nil {
		return err
	}

	buf := make([]byte, 0, ledger.AccountSize+8)
	buf = append(buf, req.Start[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, req.Age)
	buf = binary.LittleEndian.AppendUint32(buf, req.Count)

	_, err := w.Write(buf)

	return err
}

// readFrontierReq reads a frontier_req payload (after the header).
func readFrontierReq(r io.Reader) (FrontierReq, error) {
	var req FrontierReq
	var buf [ledger.AccountSize + 8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return req, fmt.Errorf("%w: frontier req: %v", ErrMalformedFrame, err)
	}

	copy(req.Start[:], buf[:ledger.AccountSize])
	req.Age = binary.LittleEndian.Uint32(buf[ledger.AccountSize:])
	req.Count = binary.LittleEndian.Uint32(buf[ledger.AccountSize+4:])

	return req, nil
}

// WriteBulkPull writes a framed bulk_pull.
func WriteBulkPull(w io.Writer, req BulkPull) error {
	var flags byte
	if req.CountPresent {
		flags |= bulkPullCountPresent
	}

	if err := writeHeader(w, MsgBulkPull, flags); err != nil {
		return err
	}

	buf := make([]byte, 0, 2*ledger.HashSize+4)
	buf = append(buf, req.Start[:]...)
	buf = append(buf, req.End[:]...)

	if req.CountPresent {
		buf = binary.LittleEndian.AppendUint32(buf, req.Count)
	}

	_, err := w.Write(buf)

	return err
}

// readBulkPull reads a bulk_pull payload (after the header).
func readBulkPull(r io.Reader, flags byte) (BulkPull, error) {
	var req BulkPull
	var buf [2 * ledger.HashSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return req, fmt.Errorf("%w: bulk pull: %v", ErrMalformedFrame, err)
	}

	copy(req.Start[:], buf[:ledger.HashSize])
	copy(req.End[:], buf[ledger.HashSize:])

	if flags&bulkPullCountPresent != 0 {
		var count [4]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return req, fmt.Errorf("%w: bulk pull count: %v", ErrMalformedFrame, err)
		}

		req.CountPresent = true
		req.Count = binary.LittleEndian.Uint32(count[:])
	}

	return req, nil
}

// WriteBulkPullAccount writes a framed bulk_pull_account.
func WriteBulkPullAccount(w io.Writer, req BulkPullAccount) error {
	if err := writeHeader(w, MsgBulkPullAccount, 0); err != nil {
		return err
	}

	buf := make([]byte, 0, ledger.AccountSize+ledger.AmountSize+1)
	buf = append(buf, req.Account[:]...)
	buf = append(buf, req.Minimum[:]...)
	buf = append(buf, req.Flags)

	_, err := w.Write(buf)

	return err
}

// readBulkPullAccount reads a bulk_pull_account payload (after the header).
func readBulkPullAccount(r io.Reader) (BulkPullAccount, error) {
	var req BulkPullAccount
	var buf [ledger.AccountSize + ledger.AmountSize + 1]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return req, fmt.Errorf("%w: bulk pull account: %v", ErrMalformedFrame, err)
	}

	copy(req.Account[:], buf[:ledger.AccountSize])
	copy(req.Minimum[:], buf[ledger.AccountSize:ledger.AccountSize+ledger.AmountSize])
	req.Flags = buf[ledger.AccountSize+ledger.AmountSize]

	if req.Flags > PendingAddressOnly {
		return req, fmt.Errorf("%w: bulk pull account flags %#x", ErrMalformedFrame, req.Flags)
	}

	return req, nil
}

// WriteBulkPush writes a framed bulk_push header. The block stream follows.
func WriteBulkPush(w io.Writer) error {
	return writeHeader(w, MsgBulkPush, 0)
}

// frontierPair is one (account, frontier) entry of a frontier stream.
type frontierPair struct {
	account  ledger.Account
	frontier ledger.Hash
}

// isTerminator reports the all-zero end-of-stream pair.
func (p frontierPair) isTerminator() bool {
	return p.account.IsZero() && p.frontier.IsZero()
}

// writeFrontierPair writes one 64-byte pair.
func writeFrontierPair(w io.Writer, p frontierPair) error {
	var buf [frontierPairSize]byte
	copy(buf[:ledger.AccountSize], p.account[:])
	copy(buf[ledger.AccountSize:], p.frontier[:])

	_, err := w.Write(buf[:])

	return err
}

// readFrontierPair reads one 64-byte pair.
func readFrontierPair(r io.Reader) (frontierPair, error) {
	var buf [frontierPairSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frontierPair{}, fmt.Errorf("%w: frontier pair: %v", ErrMalformedFrame, err)
	}

	var p frontierPair
	copy(p.account[:], buf[:ledger.AccountSize])
	copy(p.frontier[:], buf[ledger.AccountSize:])

	return p, nil
}
