// Package access — пер-пользовательские структуры доступа поверх общей
// зашифрованной записи файла: размещение в папке, персональное имя, избранное,
// теги. Базовая запись плюс разреженные оверлеи; чтение никогда не мутирует
// запись, отсутствующие ключи получают значения по умолчанию.
package access

import (
	"errors"

	"VaultShare/internal/docstore"
	"VaultShare/internal/model"
)

// ErrKeyNotFound — у пользователя нет конверта для записи. Это не выдача
// доступа, а сигнал вызывающему.
var ErrKeyNotFound = errors.New("access: no envelope for user")

// EffectiveView — эффективное представление записи для конкретного
// пользователя после применения оверлеев. Поля остаются зашифрованными,
// расшифровка — отдельный шаг.
type EffectiveView struct {
	Name     model.Field
	Size     model.Field
	FolderID *string
	Favorite bool
	Tags     model.Field
	HasKey   bool
}

// Resolve применяет оверлеи пользователя к записи. Чистая функция:
// отсутствующий ключ оверлея означает «корень / не избранное / каноническое
// имя / без тегов», запись не дописывается при чтении.
func Resolve(r *model.FileRecord, userID string) EffectiveView {
	v := EffectiveView{
		Name:   r.Name,
		Size:   r.Size,
		HasKey: r.HasAccess(userID),
	}
	if folder, ok := r.UserFolders[userID]; ok {
		v.FolderID = folder
	}
	if name, ok := r.UserNames[userID]; ok && !name.IsZero() {
		v.Name = name
	}
	if fav, ok := r.UserFavorites[userID]; ok {
		v.Favorite = fav
	}
	if tags, ok := r.UserTags[userID]; ok {
		v.Tags = tags
	}
	return v
}

// Envelope возвращает конверт пользователя или ErrKeyNotFound.
func Envelope(r *model.FileRecord, userID string) ([]byte, error) {
	env, ok := r.EncryptedKeys[userID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return env, nil
}

// GrantUpdates строит частичное обновление документа для выдачи доступа:
// конверт нового получателя, членство в sharedWith и ленивое заполнение
// userFolders (null = корень).
func GrantUpdates(r *model.FileRecord, userID string, envelope []byte) map[string]any {
	updates := map[string]any{
		"encryptedKeys." + userID: envelope,
		"userFolders." + userID:   nil,
	}
	if !contains(r.SharedWith, userID) {
		shared := make([]string, 0, len(r.SharedWith)+1)
		shared = append(shared, r.SharedWith...)
		shared = append(shared, userID)
		updates["sharedWith"] = shared
	}
	return updates
}

// RevokeUpdates снимает доступ одного пользователя, не трогая конверты
// остальных. Значение docstore.Delete в карте означает удаление пути.
func RevokeUpdates(r *model.FileRecord, userID string) map[string]any {
	updates := map[string]any{
		"encryptedKeys." + userID: docstore.Delete,
		"userFolders." + userID:   docstore.Delete,
		"userNames." + userID:     docstore.Delete,
		"userFavorites." + userID: docstore.Delete,
		"userTags." + userID:      docstore.Delete,
	}
	shared := make([]string, 0, len(r.SharedWith))
	for _, id := range r.SharedWith {
		if id != userID {
			shared = append(shared, id)
		}
	}
	updates["sharedWith"] = shared
	return updates
}

// RenameUpdates — персональное имя файла для пользователя.
func RenameUpdates(userID string, name model.Field) map[string]any {
	return map[string]any{"userNames." + userID: name}
}

// TagUpdates — пер-пользовательский набор тегов (зашифрованный JSON-список).
func TagUpdates(userID string, tags model.Field) map[string]any {
	return map[string]any{"userTags." + userID: tags}
}

// FavoriteUpdates — флаг избранного.
func FavoriteUpdates(userID string, favorite bool) map[string]any {
	return map[string]any{"userFavorites." + userID: favorite}
}

// MoveUpdates — размещение в папке; nil означает корень.
func MoveUpdates(userID string, folderID *string) map[string]any {
	var v any
	if folderID != nil {
		v = *folderID
	}
	return map[string]any{"userFolders." + userID: v}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
