// Package vault encrypts external connection passwords at rest.
//
// Keys are derived with PBKDF2-HMAC-SHA256 from a secret and salt, and
// values are Fernet tokens wrapped in URL-safe base64. Existing rows written
// by the previous admin backend decrypt unchanged with the same secret/salt.
package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSecret is the historical key material of the admin backend.
	DefaultSecret = "dbadmin_password_key"
	// DefaultSalt is the historical salt of the admin backend.
	DefaultSalt = "dbadmin_salt_v1"

	kdfIterations = 100000
	keyLen        = 32

	// Stored credentials never expire.
	noExpiry time.Duration = -1
)

// ErrDecryption reports a stored credential that cannot be recovered with
// the configured key.
var ErrDecryption = errors.New("credential cannot be decrypted")

// Vault is safe for concurrent use.
type Vault struct {
	key *fernet.Key
}

// New derives the symmetric key. Empty inputs fall back to the defaults.
func New(secret, salt string) *Vault {
	if secret == "" {
		secret = DefaultSecret
	}
	if salt == "" {
		salt = DefaultSalt
	}
	raw := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, keyLen, sha256.New)
	var k fernet.Key
	copy(k[:], raw)
	return &Vault{key: &k}
}

// Encrypt returns the ciphertext for plaintext. The empty string encrypts
// to the empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return "", errors.Wrap(err, "encrypt credential")
	}
	return base64.URLEncoding.EncodeToString(tok), nil
}

// Decrypt recovers the plaintext. Any malformed, truncated or foreign
// ciphertext yields ErrDecryption.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	tok, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, "decode envelope")
	}
	msg := fernet.VerifyAndDecrypt(tok, noExpiry, []*fernet.Key{v.key})
	if msg == nil {
		return "", errors.WithHint(errors.WithStack(ErrDecryption),
			"the key or salt changed since the password was stored; reset the connection password")
	}
	return string(msg), nil
}
