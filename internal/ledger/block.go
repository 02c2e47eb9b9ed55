package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// SignatureSize is the size of a block or vote signature in bytes.
const SignatureSize = 96

// BlockType tags the block layout on the wire and in the store.
type BlockType byte

const (
	BlockInvalid   BlockType = 0
	BlockNotABlock BlockType = 1 // stream terminator, never a stored block
	BlockSend      BlockType = 2
	BlockReceive   BlockType = 3
	BlockOpen      BlockType = 4
	BlockChange    BlockType = 5
	BlockState     BlockType = 6
)

// String returns the block type name.
func (t BlockType) String() string {
	switch t {
	case BlockSend:
		return "send"
	case BlockReceive:
		return "receive"
	case BlockOpen:
		return "open"
	case BlockChange:
		return "change"
	case BlockState:
		return "state"
	case BlockNotABlock:
		return "not_a_block"
	default:
		return "invalid"
	}
}

// ErrNotABlock is returned by ReadBlock when the stream terminator tag is read.
var ErrNotABlock = errors.New("not a block")

// ErrUnknownBlockType is returned by ReadBlock on an unrecognized type tag.
var ErrUnknownBlockType = errors.New("unrecognized block type")

// Signature is an opaque 96-byte block or vote signature.
type Signature [SignatureSize]byte

// Block is one entry in an account chain. Legacy blocks (send, receive,
// change) carry no account field; their owning account is contextual.
type Block interface {
	// Type returns the layout tag.
	Type() BlockType

	// Hash returns the blake3 digest of the hashable fields.
	Hash() Hash

	// Previous returns the preceding block hash, zero for open blocks.
	Previous() Hash

	// Root returns the previous hash, or the account for first blocks.
	Root() Hash

	// Account returns the owning account, zero where contextual.
	Account() Account

	// Link returns the state-block link field, zero for legacy blocks.
	// For state blocks it is a send destination or a receive source;
	// which one requires ledger context.
	Link() Hash

	// Balance returns the balance after this block. The second result is
	// false for block types that do not carry a balance.
	Balance() (Amount, bool)

	writeBody(w io.Writer) error
	readBody(r io.Reader) error
}

// SendBlock moves funds from the owning account to a destination.
type SendBlock struct {
	Prev        Hash      // Prev is the preceding block in the chain
	Destination Account   // Destination receives the funds
	Bal         Amount    // Bal is the remaining balance after the send
	Signature   Signature // Signature over the block digest
	Work        uint64    // Work is the proof-of-work nonce
}

func (b *SendBlock) Type() BlockType { return BlockSend }
func (b *SendBlock) Previous() Hash  { return b.Prev }
func (b *SendBlock) Root() Hash      { return b.Prev }
func (b *SendBlock) Account() Account {
	return Account{}
}
func (b *SendBlock) Link() Hash { return Hash{} }
func (b *SendBlock) Balance() (Amount, bool) {
	return b.Bal, true
}

func (b *SendBlock) Hash() Hash {
	return digest(BlockSend, b.Prev[:], b.Destination[:], b.Bal[:])
}

func (b *SendBlock) writeBody(w io.Writer) error {
	return writeFields(w, b.Prev[:], b.Destination[:], b.Bal[:], b.Signature[:], workBytes(b.Work))
}

func (b *SendBlock) readBody(r io.Reader) error {
	if err := readFields(r, b.Prev[:], b.Destination[:], b.Bal[:], b.Signature[:]); err != nil {
		return err
	}

	return readWork(r, &b.Work)
}

// ReceiveBlock claims a receivable funded by a send block.
type ReceiveBlock struct {
	Prev      Hash      // Prev is the preceding block in the chain
	Source    Hash      // Source is the hash of the funding send block
	Signature Signature // Signature over the block digest
	Work      uint64    // Work is the proof-of-work nonce
}

func (b *ReceiveBlock) Type() BlockType { return BlockReceive }
func (b *ReceiveBlock) Previous() Hash  { return b.Prev }
func (b *ReceiveBlock) Root() Hash      { return b.Prev }
func (b *ReceiveBlock) Account() Account {
	return Account{}
}
func (b *ReceiveBlock) Link() Hash { return Hash{} }
func (b *ReceiveBlock) Balance() (Amount, bool) {
	return Amount{}, false
}

func (b *ReceiveBlock) Hash() Hash {
	return digest(BlockReceive, b.Prev[:], b.Source[:])
}

func (b *ReceiveBlock) writeBody(w io.Writer) error {
	return writeFields(w, b.Prev[:], b.Source[:], b.Signature[:], workBytes(b.Work))
}

func (b *ReceiveBlock) readBody(r io.Reader) error {
	if err := readFields(r, b.Prev[:], b.Source[:], b.Signature[:]); err != nil {
		return err
	}

	return readWork(r, &b.Work)
}

// OpenBlock is the first block of an account chain.
type OpenBlock struct {
	Source         Hash      // Source is the hash of the funding send block
	Representative Account   // Representative holds the account's weight
	Owner          Account   // Owner is the account being opened
	Signature      Signature // Signature over the block digest
	Work           uint64    // Work is the proof-of-work nonce
}

func (b *OpenBlock) Type() BlockType { return BlockOpen }
func (b *OpenBlock) Previous() Hash  { return Hash{} }
func (b *OpenBlock) Root() Hash      { return b.Owner.Hash() }
func (b *OpenBlock) Account() Account {
	return b.Owner
}
func (b *OpenBlock) Link() Hash { return Hash{} }
func (b *OpenBlock) Balance() (Amount, bool) {
	return Amount{}, false
}

func (b *OpenBlock) Hash() Hash {
	return digest(BlockOpen, b.Source[:], b.Representative[:], b.Owner[:])
}

func (b *OpenBlock) writeBody(w io.Writer) error {
	return writeFields(w, b.Source[:], b.Representative[:], b.Owner[:], b.Signature[:], workBytes(b.Work))
}

func (b *OpenBlock) readBody(r io.Reader) error {
	if err := readFields(r, b.Source[:], b.Representative[:], b.Owner[:], b.Signature[:]); err != nil {
		return err
	}

	return readWork(r, &b.Work)
}

// ChangeBlock rotates the account's representative.
type ChangeBlock struct {
	Prev           Hash      // Prev is the preceding block in the chain
	Representative Account   // Representative is the new weight holder
	Signature      Signature // Signature over the block digest
	Work           uint64    // Work is the proof-of-work nonce
}

func (b *ChangeBlock) Type() BlockType { return BlockChange }
func (b *ChangeBlock) Previous() Hash  { return b.Prev }
func (b *ChangeBlock) Root() Hash      { return b.Prev }
func (b *ChangeBlock) Account() Account {
	return Account{}
}
func (b *ChangeBlock) Link() Hash { return Hash{} }
func (b *ChangeBlock) Balance() (Amount, bool) {
	return Amount{}, false
}

func (b *ChangeBlock) Hash() Hash {
	return digest(BlockChange, b.Prev[:], b.Representative[:])
}

func (b *ChangeBlock) writeBody(w io.Writer) error {
	return writeFields(w, b.Prev[:], b.Representative[:], b.Signature[:], workBytes(b.Work))
}

func (b *ChangeBlock) readBody(r io.Reader) error {
	if err := readFields(r, b.Prev[:], b.Representative[:], b.Signature[:]); err != nil {
		return err
	}

	return readWork(r, &b.Work)
}

// StateBlock is the unified block layout carrying the full account state.
type StateBlock struct {
	Owner          Account   // Owner is the account this block belongs to
	Prev           Hash      // Prev is the preceding block, zero when opening
	Representative Account   // Representative holds the account's weight
	Bal            Amount    // Bal is the balance after this block
	LinkField      Hash      // LinkField is a send destination or receive source
	Signature      Signature // Signature over the block digest
	Work           uint64    // Work is the proof-of-work nonce
}

func (b *StateBlock) Type() BlockType { return BlockState }
func (b *StateBlock) Previous() Hash  { return b.Prev }
func (b *StateBlock) Root() Hash {
	if b.Prev.IsZero() {
		return b.Owner.Hash()
	}

	return b.Prev
}
func (b *StateBlock) Account() Account {
	return b.Owner
}
func (b *StateBlock) Link() Hash { return b.LinkField }
func (b *StateBlock) Balance() (Amount, bool) {
	return b.Bal, true
}

func (b *StateBlock) Hash() Hash {
	return digest(BlockState, b.Owner[:], b.Prev[:], b.Representative[:], b.Bal[:], b.LinkField[:])
}

func (b *StateBlock) writeBody(w io.Writer) error {
	return writeFields(w, b.Owner[:], b.Prev[:], b.Representative[:], b.Bal[:], b.LinkField[:], b.Signature[:], workBytes(b.Work))
}

func (b *StateBlock) readBody(r io.Reader) error {
	if err := readFields(r, b.Owner[:], b.Prev[:], b.Representative[:], b.Bal[:], b.LinkField[:], b.Signature[:]); err != nil {
		return err
	}

	return readWork(r, &b.Work)
}

// newBlock returns an empty block of the given type, or nil for an
// unrecognized tag.
func newBlock(t BlockType) Block {
	switch t {
	case BlockSend:
		return &SendBlock{}
	case BlockReceive:
		return &ReceiveBlock{}
	case BlockOpen:
		return &OpenBlock{}
	case BlockChange:
		return &ChangeBlock{}
	case BlockState:
		return &StateBlock{}
	default:
		return nil
	}
}

// WriteBlock writes the 1-byte type tag followed by the block body.
func WriteBlock(w io.Writer, b Block) error {
	if _, err := w.Write([]byte{byte(b.Type())}); err != nil {
		return fmt.Errorf("write type: %w", err)
	}

	return b.writeBody(w)
}

// WriteTerminator writes the not_a_block stream terminator tag.
func WriteTerminator(w io.Writer) error {
	_, err := w.Write([]byte{byte(BlockNotABlock)})
	return err
}

// ReadBlock reads one type-tagged block. It returns ErrNotABlock on the
// stream terminator and an error for unrecognized tags or short reads.
func ReadBlock(r io.Reader) (Block, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("read type: %w", err)
	}

	t := BlockType(tag[0])
	if t == BlockNotABlock {
		return nil, ErrNotABlock
	}

	b := newBlock(t)
	if b == nil {
		return nil, fmt.Errorf("%w %d", ErrUnknownBlockType, tag[0])
	}

	if err := b.readBody(r); err != nil {
		return nil, fmt.Errorf("read %s body: %w", t, err)
	}

	return b, nil
}

// digest computes the blake3 block digest over a type preamble and the
// hashable fields. Signature and work are excluded.
func digest(t BlockType, fields ...[]byte) Hash {
	h := blake3.New()
	h.Write([]byte{byte(t)})

	for _, f := range fields {
		h.Write(f)
	}

	var out Hash
	h.Sum(out[:0])

	return out
}

// writeFields writes each field fully.
func writeFields(w io.Writer, fields ...[]byte) error {
	for _, f := range fields {
		if _, err := w.Write(f); err != nil {
			return err
		}
	}

	return nil
}

// readFields fills each field fully.
func readFields(r io.Reader, fields ...[]byte) error {
	for _, f := range fields {
		if _, err := io.ReadFull(r, f); err != nil {
			return err
		}
	}

	return nil
}

// workBytes encodes the work nonce little-endian.
func workBytes(w uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w)

	return buf[:]
}

// readWork decodes the little-endian work nonce.
func readWork(r io.Reader, w *uint64) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	*w = binary.LittleEndian.Uint64(buf[:])

	return nil
}
