// Package vote implements the confirm-ack vote: a BLS-signed statement by a
// representative that it has seen a set of block hashes. The representative's
// account is bound to its BLS key as blake3(public key).
package vote

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"Strata/internal/ledger"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// MaxHashes caps the hashes carried by one vote.
	MaxHashes = 12
)

// dst is the domain separation tag for vote signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair holds a representative's BLS private/public key pair.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// GenerateKey creates a new key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed: %w", err)
	}

	return GenerateKeyFromSeed(ikm[:])
}

// GenerateKeyFromSeed creates a key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func GenerateKeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// Account returns the ledger account bound to this key.
func (k *KeyPair) Account() ledger.Account {
	return AccountFromPublicKey(k.PublicKeyBytes())
}

// AccountFromPublicKey derives the account bound to a BLS public key.
func AccountFromPublicKey(publicKey []byte) ledger.Account {
	return ledger.Account(blake3.Sum256(publicKey))
}

// Vote is a signed confirm-ack for a set of block hashes.
type Vote struct {
	Account   ledger.Account // Account is the representative's account
	PublicKey []byte         // PublicKey is the compressed BLS public key
	Signature []byte         // Signature over the vote digest
	Timestamp uint64         // Timestamp is the signing unix time in ms
	Hashes    []ledger.Hash  // Hashes are the confirmed block hashes
}

// New creates and signs a vote over the given hashes.
func New(key *KeyPair, timestamp uint64, hashes []ledger.Hash) *Vote {
	v := &Vote{
		Account:   key.Account(),
		PublicKey: key.PublicKeyBytes(),
		Timestamp: timestamp,
		Hashes:    hashes,
	}

	sig := new(blst.P2Affine).Sign(key.secret, v.digest(), dst)
	v.Signature = sig.Compress()

	return v
}

// digest computes the signed vote digest.
func (v *Vote) digest() []byte {
	h := blake3.New()
	h.Write([]byte("strata vote"))

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], v.Timestamp)
	h.Write(ts[:])

	for _, hash := range v.Hashes {
		h.Write(hash[:])
	}

	return h.Sum(nil)
}

// Verify checks the account binding and the BLS signature.
func (v *Vote) Verify() bool {
	if len(v.Signature) != SignatureSize || len(v.PublicKey) != PublicKeySize {
		return false
	}

	if AccountFromPublicKey(v.PublicKey) != v.Account {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(v.Signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(v.PublicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, v.digest(), dst)
}

// Encode writes the vote in its fixed wire layout.
func (v *Vote) Encode(w io.Writer) error {
	if len(v.Hashes) > MaxHashes {
		return fmt.Errorf("vote carries %d hashes, max %d", len(v.Hashes), MaxHashes)
	}
	if len(v.PublicKey) != PublicKeySize || len(v.Signature) != SignatureSize {
		return fmt.Errorf("vote is unsigned")
	}

	buf := make([]byte, 0, ledger.AccountSize+PublicKeySize+SignatureSize+8+1+len(v.Hashes)*ledger.HashSize)
	buf = append(buf, v.Account[:]...)
	buf = append(buf, v.PublicKey...)
	buf = append(buf, v.Signature...)
	buf = binary.LittleEndian.AppendUint64(buf, v.Timestamp)
	buf = append(buf, byte(len(v.Hashes)))

	for _, h := range v.Hashes {
		buf = append(buf, h[:]...)
	}

	_, err := w.Write(buf)

	return err
}

// Decode reads a vote in its fixed wire layout.
func Decode(r io.Reader) (*Vote, error) {
	v := &Vote{
		PublicKey: make([]byte, PublicKeySize),
		Signature: make([]byte, SignatureSize),
	}

	if _, err := io.ReadFull(r, v.Account[:]); err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	if _, err := io.ReadFull(r, v.PublicKey); err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if _, err := io.ReadFull(r, v.Signature); err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	var tail [9]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, fmt.Errorf("read timestamp: %w", err)
	}

	v.Timestamp = binary.LittleEndian.Uint64(tail[:8])
	count := int(tail[8])
	if count > MaxHashes {
		return nil, fmt.Errorf("vote carries %d hashes, max %d", count, MaxHashes)
	}

	v.Hashes = make([]ledger.Hash, count)
	for i := range v.Hashes {
		if _, err := io.ReadFull(r, v.Hashes[i][:]); err != nil {
			return nil, fmt.Errorf("read hash %d: %w", i, err)
		}
	}

	return v, nil
}
