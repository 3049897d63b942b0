package envelope

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"VaultShare/internal/keycodec"
	"VaultShare/internal/model"
)

// EncryptContent шифрует тело файла контентным ключом, формат IV ‖ Ciphertext.
func EncryptContent(plain, contentKey []byte) ([]byte, error) {
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	iv := make([]byte, keycodec.IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("encrypt content: iv: %w", err)
	}
	return append(iv, gcm.Seal(nil, iv, plain, nil)...), nil
}

// DecryptContent — обратная операция для EncryptContent.
func DecryptContent(blob, contentKey []byte) ([]byte, error) {
	if len(blob) <= keycodec.IVSize {
		return nil, keycodec.ErrInvalidCiphertext
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	plain, err := gcm.Open(nil, blob[:keycodec.IVSize], blob[keycodec.IVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	return plain, nil
}

// EncryptField шифрует короткое значение (имя, размер, JSON тегов) контентным
// ключом. Nonce всегда свежий, в том числе внутри пакетного вызова.
func EncryptField(value string, contentKey []byte) (model.Field, error) {
	gcm, err := newGCM(contentKey)
	if err != nil {
		return model.Field{}, fmt.Errorf("encrypt field: %w", err)
	}
	nonce := make([]byte, keycodec.IVSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return model.Field{}, fmt.Errorf("encrypt field: nonce: %w", err)
	}
	return model.Field{
		Ciphertext: gcm.Seal(nil, nonce, []byte(value), nil),
		Nonce:      nonce,
	}, nil
}

// DecryptField расшифровывает поле. Легаси-строка возвращается как есть:
// это уже открытое значение, а не цель расшифровки.
func DecryptField(f model.Field, contentKey []byte) (string, error) {
	if f.IsPlain() {
		return f.Plain, nil
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	if len(f.Nonce) != gcm.NonceSize() {
		return "", keycodec.ErrInvalidCiphertext
	}
	plain, err := gcm.Open(nil, f.Nonce, f.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return string(plain), nil
}

// EncryptTags сериализует набор тегов в JSON и шифрует его как одно поле.
func EncryptTags(tags []string, contentKey []byte) (model.Field, error) {
	raw, err := json.Marshal(tags)
	if err != nil {
		return model.Field{}, fmt.Errorf("encrypt tags: %w", err)
	}
	return EncryptField(string(raw), contentKey)
}

// DecryptTags — обратная операция; легаси-поле хранит JSON-список открыто.
func DecryptTags(f model.Field, contentKey []byte) ([]string, error) {
	raw, err := DecryptField(f, contentKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decrypt tags: %w", err)
	}
	return tags, nil
}

// EncryptFields — пакетное шифрование соседних полей одной записи.
func EncryptFields(values map[string]string, contentKey []byte) (map[string]model.Field, error) {
	out := make(map[string]model.Field, len(values))
	for name, value := range values {
		f, err := EncryptField(value, contentKey)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = f
	}
	return out, nil
}
