package bootstrap

import (
	"bytes"
	"errors"
	"testing"

	"Strata/internal/ledger"
)

func TestWireFrontierReq(t *testing.T) {
	var buf bytes.Buffer
	req := FrontierReq{Start: ledger.Account{1}, Age: 3600, Count: 1000}

	if err := WriteFrontierReq(&buf, req); err != nil {
		t.Fatal(err)
	}

	msgType, _, err := readHeader(&buf)
	if err != nil || msgType != MsgFrontierReq {
		t.Fatalf("header: type=%#x err=%v", msgType, err)
	}

	got, err := readFrontierReq(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestWireBulkPullCountFlag(t *testing.T) {
	var buf bytes.Buffer
	req := BulkPull{Start: ledger.Hash{1}, End: ledger.Hash{2}, Count: 128, CountPresent: true}

	if err := WriteBulkPull(&buf, req); err != nil {
		t.Fatal(err)
	}

	_, flags, err := readHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if flags&bulkPullCountPresent == 0 {
		t.Fatal("count flag not set")
	}

	got, err := readBulkPull(&buf, flags)
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}

	// Without the flag the count is absent from the payload.
	buf.Reset()
	req = BulkPull{Start: ledger.Hash{3}, End: ledger.Hash{4}}
	if err := WriteBulkPull(&buf, req); err != nil {
		t.Fatal(err)
	}

	_, flags, _ = readHeader(&buf)
	got, err = readBulkPull(&buf, flags)
	if err != nil {
		t.Fatal(err)
	}
	if got.CountPresent || got.Count != 0 {
		t.Fatal("count must be absent without the flag")
	}
	if buf.Len() != 0 {
		t.Fatalf("%d trailing bytes", buf.Len())
	}
}

func TestWireBulkPullAccountFlags(t *testing.T) {
	var buf bytes.Buffer
	req := BulkPullAccount{
		Account: ledger.Account{5},
		Minimum: ledger.AmountFromUint64(77),
		Flags:   PendingAddressOnly,
	}

	if err := WriteBulkPullAccount(&buf, req); err != nil {
		t.Fatal(err)
	}

	if _, _, err := readHeader(&buf); err != nil {
		t.Fatal(err)
	}

	got, err := readBulkPullAccount(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}

	// Unknown mode flags are a protocol violation.
	buf.Reset()
	bad := req
	bad.Flags = 0x7f
	WriteBulkPullAccount(&buf, bad)
	readHeader(&buf)
	if _, err := readBulkPullAccount(&buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestWireShortHeader(t *testing.T) {
	_, _, err := readHeader(bytes.NewReader([]byte{MsgBulkPull}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestWireFrontierPairSize(t *testing.T) {
	var buf bytes.Buffer
	pair := frontierPair{account: ledger.Account{1}, frontier: ledger.Hash{2}}

	if err := writeFrontierPair(&buf, pair); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 64 {
		t.Fatalf("pair size = %d, want 64", buf.Len())
	}

	got, err := readFrontierPair(&buf)
	if err != nil || got != pair {
		t.Fatalf("round trip failed: %+v %v", got, err)
	}
}
