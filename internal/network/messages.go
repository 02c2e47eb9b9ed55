package network

import (
	"bytes"
	"fmt"
	"io"

	"Strata/internal/ledger"
	"Strata/internal/vote"
)

// maxConfirmReqPairs caps the hash/root pairs in one confirm-req.
const maxConfirmReqPairs = 7

// HashRoot is one confirm-req entry: a block hash and its root.
type HashRoot struct {
	Hash ledger.Hash
	Root ledger.Hash
}

// ConfirmReq asks a peer to vote on a set of hash/root pairs.
type ConfirmReq struct {
	Pairs []HashRoot
}

// encode writes the count byte followed by the fixed-size pairs.
func (c *ConfirmReq) encode(w io.Writer) error {
	if len(c.Pairs) == 0 || len(c.Pairs) > maxConfirmReqPairs {
		return fmt.Errorf("confirm req carries %d pairs, want 1..%d", len(c.Pairs), maxConfirmReqPairs)
	}

	buf := make([]byte, 0, 1+len(c.Pairs)*2*ledger.HashSize)
	buf = append(buf, byte(len(c.Pairs)))

	for _, p := range c.Pairs {
		buf = append(buf, p.Hash[:]...)
		buf = append(buf, p.Root[:]...)
	}

	_, err := w.Write(buf)

	return err
}

// decodeConfirmReq reads a confirm-req payload.
func decodeConfirmReq(r io.Reader) (*ConfirmReq, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}

	n := int(count[0])
	if n == 0 || n > maxConfirmReqPairs {
		return nil, fmt.Errorf("confirm req carries %d pairs, want 1..%d", n, maxConfirmReqPairs)
	}

	req := &ConfirmReq{Pairs: make([]HashRoot, n)}
	for i := range req.Pairs {
		if _, err := io.ReadFull(r, req.Pairs[i].Hash[:]); err != nil {
			return nil, fmt.Errorf("read pair %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, req.Pairs[i].Root[:]); err != nil {
			return nil, fmt.Errorf("read pair %d: %w", i, err)
		}
	}

	return req, nil
}

// SendConfirmReq sends a confirm-req to the peer.
func (p *Peer) SendConfirmReq(req *ConfirmReq) error {
	var buf bytes.Buffer
	buf.WriteByte(MsgConfirmReq)

	if err := req.encode(&buf); err != nil {
		return err
	}

	return p.Send(buf.Bytes())
}

// SendVote sends a confirm-ack vote to the peer.
func (p *Peer) SendVote(v *vote.Vote) error {
	var buf bytes.Buffer
	buf.WriteByte(MsgConfirmAck)

	if err := v.Encode(&buf); err != nil {
		return err
	}

	return p.Send(buf.Bytes())
}
