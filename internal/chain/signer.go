package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySigner signs transactions with an Ed25519 key.
type KeySigner struct {
	key ed25519.PrivateKey
}

// NewKeySigner wraps an Ed25519 private key.
func NewKeySigner(key ed25519.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// LoadKeySigner reads a hex-encoded 32-byte seed from path.
func LoadKeySigner(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key:\n%w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key:\n%w", err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	return NewKeySigner(ed25519.NewKeyFromSeed(seed)), nil
}

// Owner is the base64url public key recorded on signed transactions.
func (s *KeySigner) Owner() string {
	pub := s.key.Public().(ed25519.PublicKey)
	return base64.RawURLEncoding.EncodeToString(pub)
}

// Sign sets the owner, signature and id of tx.
func (s *KeySigner) Sign(tx *Transaction) error {
	tx.Owner = s.Owner()

	sig := ed25519.Sign(s.key, signingHash(tx))
	id := blake3.Sum256(sig)

	tx.Signature = base64.RawURLEncoding.EncodeToString(sig)
	tx.ID = base64.RawURLEncoding.EncodeToString(id[:])

	return nil
}

// Verify checks the signature and id of a signed transaction.
func Verify(tx *Transaction) error {
	pub, err := base64.RawURLEncoding.DecodeString(tx.Owner)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid owner")
	}

	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}

	if !ed25519.Verify(pub, signingHash(tx), sig) {
		return fmt.Errorf("signature mismatch")
	}

	id := blake3.Sum256(sig)
	if tx.ID != base64.RawURLEncoding.EncodeToString(id[:]) {
		return fmt.Errorf("id does not match signature")
	}

	return nil
}

// signingHash commits to every signed field of tx, length-prefixed.
func signingHash(tx *Transaction) []byte {
	h := blake3.New()

	write := func(s string) {
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		h.Write([]byte(s))
	}

	write(strconv.Itoa(tx.Format))
	write(tx.Owner)
	write(tx.LastTx)
	for _, tag := range tx.Tags {
		write(tag.Name)
		write(tag.Value)
	}
	write(tx.DataSize)
	write(tx.DataRoot)
	write(tx.Reward)

	return h.Sum(nil)
}
