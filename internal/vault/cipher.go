package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AlgorithmXChaCha20HKDF identifies the sealing scheme stored with every record.
const AlgorithmXChaCha20HKDF = "xchacha20poly1305-hkdf-sha256"

const (
	saltSize = 32
	hkdfInfo = "classmint/custodial-key/v1"
)

// KeyProvider supplies master keys. The static implementation reads the key from
// configuration; a KMS-backed provider can satisfy the same interface.
type KeyProvider interface {
	Current(ctx context.Context) (id string, key []byte, err error)
	Lookup(ctx context.Context, id string) ([]byte, error)
}

// StaticKeyProvider serves a fixed current key plus any retired keys still needed
// to open records that were not re-encrypted yet.
type StaticKeyProvider struct {
	currentID string
	keys      map[string][]byte
}

// NewStaticKeyProvider builds a provider around a single current master key.
func NewStaticKeyProvider(id string, key []byte) (*StaticKeyProvider, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", chacha20poly1305.KeySize)
	}
	if id == "" {
		return nil, fmt.Errorf("master key id is required")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &StaticKeyProvider{currentID: id, keys: map[string][]byte{id: k}}, nil
}

// Retire registers an older key for decryption only.
func (p *StaticKeyProvider) Retire(id string, key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	p.keys[id] = k
}

// Current returns the key new records are sealed with.
func (p *StaticKeyProvider) Current(_ context.Context) (string, []byte, error) {
	return p.currentID, p.keys[p.currentID], nil
}

// Lookup returns the key registered under id.
func (p *StaticKeyProvider) Lookup(_ context.Context, id string) ([]byte, error) {
	key, ok := p.keys[id]
	if !ok {
		return nil, fmt.Errorf("master key %q is not available", id)
	}
	return key, nil
}

// sealed is the output of a single encryption.
type sealed struct {
	ciphertext []byte
	salt       []byte
	nonce      []byte
	keyID      string
}

// sealer seals key material with a per-record subkey derived from the master key.
type sealer struct {
	keys KeyProvider
}

func (c sealer) seal(ctx context.Context, plaintext []byte, address string) (sealed, error) {
	keyID, master, err := c.keys.Current(ctx)
	if err != nil {
		return sealed{}, err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return sealed{}, fmt.Errorf("read salt: %w", err)
	}
	aead, err := recordAEAD(master, salt)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealed{}, fmt.Errorf("read nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, associatedData(address))
	return sealed{ciphertext: ct, salt: salt, nonce: nonce, keyID: keyID}, nil
}

func (c sealer) open(ctx context.Context, rec EncryptedKey) ([]byte, error) {
	if rec.Algorithm != AlgorithmXChaCha20HKDF {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, rec.Algorithm)
	}
	master, err := c.keys.Lookup(ctx, rec.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(rec.Salt) != saltSize || len(rec.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: malformed salt or nonce", ErrDecryptionFailed)
	}
	aead, err := recordAEAD(master, rec.Salt)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, associatedData(rec.Address))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return pt, nil
}

func recordAEAD(master, salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, chacha20poly1305.KeySize)
	defer wipe(subkey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(hkdfInfo)), subkey); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead, nil
}

// The address binds a ciphertext to its wallet row.
func associatedData(address string) []byte {
	return []byte(strings.ToLower(address))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
