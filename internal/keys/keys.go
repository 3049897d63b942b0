// Package keys — жизненный цикл асимметричных ключей пользователя: генерация,
// хранение приватного ключа под парольной фразой, проверка согласованности пары.
package keys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"VaultShare/internal/envelope"
	"VaultShare/internal/keycodec"
	"VaultShare/internal/model"
)

// ErrWrongPassphrase — единственная наружная ошибка расшифровки приватного
// ключа. Структурная причина (битый шифртекст, неверная длина, не-hex) наружу
// не различается, чтобы не давать оракул корректности фразы; детали уходят
// только в лог.
var ErrWrongPassphrase = errors.New("keys: wrong passphrase")

const (
	saltSize = 16
	// MinKDFIterations — нижняя граница работы PBKDF2; меньшее значение из
	// конфигурации поднимается до неё.
	MinKDFIterations = 100_000
)

// Service — инжектируемый сервис ключей; отдельный экземпляр на сессию.
type Service struct {
	iterations int
	log        *zap.SugaredLogger
}

// New создаёт сервис с заданным числом итераций KDF (не ниже MinKDFIterations).
func New(iterations int, log *zap.SugaredLogger) *Service {
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	return &Service{iterations: iterations, log: log}
}

// Generate порождает свежую пару X25519 и немедленно прогоняет её через
// полный цикл wrap/unwrap. Пара, не прошедшая самопроверку, не возвращается:
// ошибка генерации или сериализации не должна тихо сохраниться.
func (s *Service) Generate() (*model.Keypair, error) {
	priv := make([]byte, keycodec.PrivateKeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	kp := &model.Keypair{PublicKey: pub, PrivateKey: priv}

	probe, err := envelope.GenerateContentKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: probe: %w", err)
	}
	env, err := envelope.WrapForRecipient(probe, kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: self-test wrap: %w", err)
	}
	got, err := envelope.UnwrapForRecipient(env, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: self-test unwrap: %w", err)
	}
	if !bytes.Equal(got, probe) {
		return nil, errors.New("generate keypair: self-test mismatch")
	}
	return kp, nil
}

// EncryptPrivateKey шифрует hex-представление приватного ключа под парольной
// фразой. Соль и nonce случайны для каждого вызова и сохраняются рядом с
// шифртекстом.
func (s *Service) EncryptPrivateKey(privateKeyHex, passphrase string) (*model.EncryptedPrivateKey, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("encrypt private key: salt: %w", err)
	}
	gcm, err := s.aead(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encrypt private key: nonce: %w", err)
	}
	return &model.EncryptedPrivateKey{
		Ciphertext: gcm.Seal(nil, nonce, []byte(privateKeyHex), nil),
		Salt:       salt,
		Nonce:      nonce,
	}, nil
}

// DecryptPrivateKey расшифровывает приватный ключ и валидирует его
// структурную форму. Любой сбой — ErrWrongPassphrase.
func (s *Service) DecryptPrivateKey(blob *model.EncryptedPrivateKey, passphrase string) (string, error) {
	gcm, err := s.aead(passphrase, blob.Salt)
	if err != nil {
		s.log.Debugw("private key decryption failed", "stage", "kdf", "error", err)
		return "", ErrWrongPassphrase
	}
	if len(blob.Nonce) != gcm.NonceSize() {
		s.log.Debugw("private key decryption failed", "stage", "nonce")
		return "", ErrWrongPassphrase
	}
	plain, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		s.log.Debugw("private key decryption failed", "stage", "open")
		return "", ErrWrongPassphrase
	}
	privateKeyHex := string(plain)
	if !keycodec.ValidatePrivateKeyHex(privateKeyHex) {
		s.log.Debugw("private key decryption failed", "stage", "shape")
		return "", ErrWrongPassphrase
	}
	return privateKeyHex, nil
}

// Verify — консультативная проверка согласованности пары: заворачивает
// одноразовый маркер под публичный ключ и раскрывает приватным. Никогда не
// возвращает ошибку, только bool; диагностика — в лог.
func (s *Service) Verify(privateKeyHex, publicKeyHex string) bool {
	priv, err := keycodec.DecodeKey(privateKeyHex, keycodec.PrivateKeySize)
	if err != nil {
		s.log.Debugw("keypair verify: bad private key", "error", err)
		return false
	}
	pub, err := keycodec.DecodeKey(publicKeyHex, keycodec.PublicKeySize)
	if err != nil {
		s.log.Debugw("keypair verify: bad public key", "error", err)
		return false
	}
	probe := []byte("vaultshare-verify-" + time.Now().UTC().Format(time.RFC3339Nano))
	// Контентный ключ фиксированной ширины, маркер едет внутри тела.
	key := sha256.Sum256(probe)
	env, err := envelope.WrapForRecipient(key[:], pub)
	if err != nil {
		s.log.Debugw("keypair verify: wrap failed", "error", err)
		return false
	}
	got, err := envelope.UnwrapForRecipient(env, priv)
	if err != nil {
		s.log.Debugw("keypair verify: unwrap failed", "error", err)
		return false
	}
	return bytes.Equal(got, key[:])
}

func (s *Service) aead(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, s.iterations, keycodec.KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
