package model

import (
	"encoding/json"
	"time"
)

// FileRecord — общий зашифрованный документ файла: одно тело в blob-хранилище,
// по конверту контентного ключа на каждого пользователя с доступом.
// Поверх общей записи лежат разреженные пер-пользовательские оверлеи
// (папка, персональное имя, избранное, теги); отсутствие ключа в оверлее
// означает «ещё не инициализировано», значение досоздаётся при первой записи.
type FileRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	// Канонические копии владельца.
	Name Field `json:"name"`
	Size Field `json:"size"`

	StoragePath string `json:"storagePath"`

	// userID -> конверт (IV ‖ инкапсулированный ключ ‖ шифртекст).
	EncryptedKeys map[string][]byte `json:"encryptedKeys"`
	SharedWith    []string          `json:"sharedWith"`

	UserFolders   map[string]*string `json:"userFolders,omitempty"`
	UserNames     map[string]Field   `json:"userNames,omitempty"`
	UserFavorites map[string]bool    `json:"userFavorites,omitempty"`
	UserTags      map[string]Field   `json:"userTags,omitempty"`

	ModifiedAt time.Time `json:"modifiedAt"`
}

// HasAccess — есть ли у пользователя конверт для этой записи.
func (r *FileRecord) HasAccess(userID string) bool {
	_, ok := r.EncryptedKeys[userID]
	return ok
}

// VersionToken — версия записи для инвалидации индекса: производная от
// времени последней модификации, меняется при каждом изменении документа.
func (r *FileRecord) VersionToken() string {
	return r.ModifiedAt.UTC().Format(time.RFC3339Nano)
}

// ToDocument переводит запись в представление документного хранилища.
func (r *FileRecord) ToDocument() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RecordFromDocument восстанавливает запись из документа.
func RecordFromDocument(doc map[string]any) (*FileRecord, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var r FileRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CachedMetadata — расшифрованные метаданные файла в TTL-кэше сессии.
// Значение иммутабельно; LastModified проставляется кэшем в момент записи.
type CachedMetadata struct {
	ID            string
	Name          string
	Size          string
	Tags          []string
	Undecryptable bool
	LastModified  time.Time
}
