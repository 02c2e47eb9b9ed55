package vote

import (
	"bytes"
	"testing"

	"Strata/internal/ledger"
)

func testKey(t *testing.T) *KeyPair {
	t.Helper()

	seed := make([]byte, 32)
	seed[0] = 0x42

	key, err := GenerateKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return key
}

func TestVoteSignVerify(t *testing.T) {
	key := testKey(t)
	hashes := []ledger.Hash{{1}, {2}}

	v := New(key, 1234, hashes)
	if !v.Verify() {
		t.Fatal("fresh vote must verify")
	}

	// Tampering with a hash breaks the signature.
	v.Hashes[0][0] ^= 0xff
	if v.Verify() {
		t.Fatal("tampered vote must not verify")
	}
}

func TestVoteAccountBinding(t *testing.T) {
	key := testKey(t)
	v := New(key, 1, []ledger.Hash{{1}})

	if v.Account != AccountFromPublicKey(key.PublicKeyBytes()) {
		t.Fatal("vote account not derived from the BLS key")
	}

	// Claiming another account must fail verification.
	v.Account[0] ^= 0xff
	if v.Verify() {
		t.Fatal("forged account binding must not verify")
	}
}

func TestVoteRoundTrip(t *testing.T) {
	key := testKey(t)
	v := New(key, 99, []ledger.Hash{{7}, {8}, {9}})

	var buf bytes.Buffer
	if err := v.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if got.Account != v.Account || got.Timestamp != v.Timestamp || len(got.Hashes) != 3 {
		t.Fatal("vote fields lost in round trip")
	}
	if !got.Verify() {
		t.Fatal("decoded vote must verify")
	}
}

func TestVoteRejectsTooManyHashes(t *testing.T) {
	key := testKey(t)

	hashes := make([]ledger.Hash, MaxHashes+1)
	v := New(key, 1, hashes)

	var buf bytes.Buffer
	if err := v.Encode(&buf); err == nil {
		t.Fatal("oversized vote must not encode")
	}
}
