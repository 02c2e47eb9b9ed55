package ledger

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlockRoundTrip(t *testing.T) {
	send := &SendBlock{
		Prev:        Hash{1},
		Destination: Account{2},
		Bal:         AmountFromUint64(500),
		Work:        42,
	}

	state := &StateBlock{
		Owner:          Account{3},
		Prev:           Hash{4},
		Representative: Account{5},
		Bal:            AmountFromUint64(900),
		LinkField:      Hash{6},
		Work:           7,
	}

	for _, b := range []Block{send, state} {
		var buf bytes.Buffer
		if err := WriteBlock(&buf, b); err != nil {
			t.Fatalf("write %s: %v", b.Type(), err)
		}

		decoded, err := ReadBlock(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", b.Type(), err)
		}

		if decoded.Hash() != b.Hash() {
			t.Errorf("%s: hash changed across round trip", b.Type())
		}
		if decoded.Type() != b.Type() {
			t.Errorf("%s: type = %s", b.Type(), decoded.Type())
		}
	}
}

func TestReadBlockTerminator(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTerminator(&buf); err != nil {
		t.Fatal(err)
	}

	_, err := ReadBlock(&buf)
	if !errors.Is(err, ErrNotABlock) {
		t.Fatalf("err = %v, want ErrNotABlock", err)
	}
}

func TestReadBlockUnknownType(t *testing.T) {
	_, err := ReadBlock(bytes.NewReader([]byte{0xee}))
	if !errors.Is(err, ErrUnknownBlockType) {
		t.Fatalf("err = %v, want ErrUnknownBlockType", err)
	}
}

func TestBlockHashDistinguishesFields(t *testing.T) {
	a := &SendBlock{Prev: Hash{1}, Destination: Account{2}, Bal: AmountFromUint64(10)}
	b := &SendBlock{Prev: Hash{1}, Destination: Account{2}, Bal: AmountFromUint64(11)}

	if a.Hash() == b.Hash() {
		t.Error("different balances must hash differently")
	}

	// Signature and work are excluded from the digest.
	c := *a
	c.Work = 99
	c.Signature = Signature{1}
	if a.Hash() != c.Hash() {
		t.Error("signature and work must not affect the hash")
	}
}

func TestStateBlockRoot(t *testing.T) {
	opening := &StateBlock{Owner: Account{1}, LinkField: Hash{2}}
	if opening.Root() != opening.Owner.Hash() {
		t.Error("opening state block root should be the account")
	}

	chained := &StateBlock{Owner: Account{1}, Prev: Hash{3}}
	if chained.Root() != chained.Prev {
		t.Error("chained state block root should be previous")
	}
}

func TestAmountArithmetic(t *testing.T) {
	a := AmountFromUint64(1000)
	b := AmountFromUint64(400)

	sum := a.Add(b)
	if sum.Uint64() != 1400 {
		t.Errorf("sum = %d, want 1400", sum.Uint64())
	}

	diff, ok := b.Sub(a)
	if ok {
		t.Errorf("underflow not reported, got %d", diff.Uint64())
	}

	diff, ok = a.Sub(b)
	if !ok || diff.Uint64() != 600 {
		t.Errorf("diff = %d ok=%v, want 600 true", diff.Uint64(), ok)
	}

	if MaxAmount.Cmp(a) != 1 || a.Cmp(MaxAmount) != -1 || a.Cmp(a) != 0 {
		t.Error("Cmp ordering wrong")
	}

	// Carry across the 64-bit boundary.
	big := AmountFromUint64(^uint64(0))
	carried := big.Add(AmountFromUint64(1))
	if carried.Uint64() != 0 || carried.IsZero() {
		t.Error("carry into high word lost")
	}

	if got := MaxAmount.Rsh(3); got.Cmp(MaxAmount) != -1 {
		t.Errorf("Rsh(3) did not shrink: %v", got)
	}
}

func TestAccountOrdering(t *testing.T) {
	low := Account{0: 1}
	high := Account{0: 2}

	if low.Cmp(high) != -1 || high.Cmp(low) != 1 {
		t.Error("big-endian numeric ordering broken")
	}

	next, ok := low.Next()
	if !ok || next.Cmp(low) != 1 {
		t.Error("Next must produce the immediate successor")
	}

	var max Account
	for i := range max {
		max[i] = 0xff
	}
	if _, ok := max.Next(); ok {
		t.Error("Next of max account must report overflow")
	}
}
