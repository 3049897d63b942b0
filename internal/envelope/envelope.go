// Package envelope реализует конвертное шифрование: случайный контентный ключ
// на файл, завёрнутый отдельно под публичный ключ каждого получателя.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"VaultShare/internal/keycodec"
)

var (
	// ErrDecapsulationFailed — конверт не раскрывается: чужой приватный ключ
	// либо повреждённый/обрезанный шифртекст.
	ErrDecapsulationFailed = errors.New("envelope: decapsulation failed")
	// ErrMalformedRecipientKey — публичный ключ получателя неверной длины
	// для активного KEM.
	ErrMalformedRecipientKey = errors.New("envelope: malformed recipient public key")
)

// hkdfInfo привязывает выведенный ключ к назначению.
var hkdfInfo = []byte("vaultshare envelope v1")

// GenerateContentKey возвращает свежий случайный симметричный ключ файла.
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, keycodec.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return key, nil
}

// deriveWrapKey выводит AES-ключ из общего секрета X25519.
func deriveWrapKey(shared []byte) ([]byte, error) {
	key := make([]byte, keycodec.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, hkdfInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// WrapForRecipient заворачивает контентный ключ под публичный ключ получателя.
// Каждый вызов использует свежую эфемерную пару и свежий IV, поэтому два
// конверта для одних и тех же входов всегда различаются.
func WrapForRecipient(contentKey, recipientPub []byte) ([]byte, error) {
	if len(recipientPub) != keycodec.PublicKeySize {
		return nil, ErrMalformedRecipientKey
	}
	ephPriv := make([]byte, keycodec.PrivateKeySize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, fmt.Errorf("wrap: ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, fmt.Errorf("wrap: derive: %w", err)
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	iv := make([]byte, keycodec.IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("wrap: iv: %w", err)
	}
	ct := gcm.Seal(nil, iv, contentKey, nil)
	return keycodec.EncodeEnvelope(iv, ephPub, ct), nil
}

// UnwrapForRecipient раскрывает конверт приватным ключом получателя.
func UnwrapForRecipient(envelope, recipientPriv []byte) ([]byte, error) {
	iv, ephPub, ct, err := keycodec.DecodeEnvelope(envelope)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	if len(recipientPriv) != keycodec.PrivateKeySize {
		return nil, ErrDecapsulationFailed
	}
	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	contentKey, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	return contentKey, nil
}

// SkippedRecipient — получатель, пропущенный при пере-шаринге, и причина.
type SkippedRecipient struct {
	UserID string
	Reason error
}

// Reshare раскрывает конверт владельца один раз и заворачивает контентный ключ
// для каждого нового получателя. Некорректный ключ одного получателя не
// прерывает операцию: он попадает в список пропущенных, остальные получают
// свои конверты.
func Reshare(ownerEnvelope, ownerPriv []byte, recipients map[string]string) (map[string][]byte, []SkippedRecipient, error) {
	contentKey, err := UnwrapForRecipient(ownerEnvelope, ownerPriv)
	if err != nil {
		return nil, nil, err
	}
	wrapped := make(map[string][]byte, len(recipients))
	var skipped []SkippedRecipient
	for userID, pubHex := range recipients {
		pub, err := keycodec.DecodeKey(pubHex, keycodec.PublicKeySize)
		if err != nil {
			skipped = append(skipped, SkippedRecipient{UserID: userID, Reason: ErrMalformedRecipientKey})
			continue
		}
		env, err := WrapForRecipient(contentKey, pub)
		if err != nil {
			skipped = append(skipped, SkippedRecipient{UserID: userID, Reason: err})
			continue
		}
		wrapped[userID] = env
	}
	return wrapped, skipped, nil
}
