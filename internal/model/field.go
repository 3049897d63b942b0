package model

import (
	"encoding/json"
	"fmt"
)

// Field — зашифрованное короткое значение (имя файла, размер, список тегов).
// Поддерживаются два представления в документе:
//   - объект {ciphertext, nonce} — обычный AEAD-шифртекст под контентным ключом;
//   - голая строка — легаси-запись, значение уже в открытом виде.
//
// Читатель обязан принимать оба варианта; голая строка при расшифровке
// возвращается как есть.
type Field struct {
	Plain      string `json:"-"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
}

// PlainField оборачивает открытую строку в легаси-представление.
func PlainField(s string) Field {
	return Field{Plain: s}
}

// IsPlain сообщает, является ли поле легаси-строкой без шифртекста.
func (f Field) IsPlain() bool {
	return len(f.Ciphertext) == 0 && len(f.Nonce) == 0
}

// IsZero — поле полностью отсутствует (нет ни строки, ни шифртекста).
func (f Field) IsZero() bool {
	return f.Plain == "" && f.IsPlain()
}

type encryptedFieldJSON struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// MarshalJSON сериализует легаси-поле как строку, зашифрованное — как объект.
func (f Field) MarshalJSON() ([]byte, error) {
	if f.IsPlain() {
		return json.Marshal(f.Plain)
	}
	return json.Marshal(encryptedFieldJSON{Ciphertext: f.Ciphertext, Nonce: f.Nonce})
}

// UnmarshalJSON принимает и строку, и объект {ciphertext, nonce}.
func (f *Field) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = Field{Plain: s}
		return nil
	}
	var enc encryptedFieldJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("field: neither string nor {ciphertext,nonce}: %w", err)
	}
	*f = Field{Ciphertext: enc.Ciphertext, Nonce: enc.Nonce}
	return nil
}
