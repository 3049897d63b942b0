// Package service — прикладные операции над зашифрованными файлами: загрузка,
// чтение, шаринг, отзыв доступа, пер-пользовательские оверлеи и списки через
// кэш метаданных. Бэкенд видит только шифртекст.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"VaultShare/internal/access"
	"VaultShare/internal/cache"
	"VaultShare/internal/docstore"
	"VaultShare/internal/envelope"
	"VaultShare/internal/keycodec"
	"VaultShare/internal/model"
)

// Collection — коллекция документов файловых записей.
const Collection = "files"

// FileService инкапсулирует конвертный протокол поверх документного и
// blob-хранилищ.
type FileService struct {
	docs    docstore.DocumentStore
	blobs   docstore.BlobStore
	meta    *cache.Cache
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewFileService создаёт сервис поверх переданных хранилищ и кэша.
func NewFileService(docs docstore.DocumentStore, blobs docstore.BlobStore, meta *cache.Cache, timeout time.Duration, log *zap.SugaredLogger) *FileService {
	return &FileService{docs: docs, blobs: blobs, meta: meta, timeout: timeout, log: log}
}

func (s *FileService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Upload шифрует содержимое и метаданные свежим контентным ключом, кладёт
// тело в blob-хранилище и создаёт документ с конвертом владельца.
func (s *FileService) Upload(ctx context.Context, ownerID, ownerPublicKeyHex, name string, content []byte) (*model.FileRecord, error) {
	pub, err := keycodec.DecodeKey(ownerPublicKeyHex, keycodec.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("upload: owner key: %w", err)
	}
	contentKey, err := envelope.GenerateContentKey()
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	ownerEnv, err := envelope.WrapForRecipient(contentKey, pub)
	if err != nil {
		return nil, fmt.Errorf("upload: wrap: %w", err)
	}
	nameField, err := envelope.EncryptField(name, contentKey)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	sizeField, err := envelope.EncryptField(strconv.Itoa(len(content)), contentKey)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	body, err := envelope.EncryptContent(content, contentKey)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	r := &model.FileRecord{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Name:          nameField,
		Size:          sizeField,
		StoragePath:   "files/" + uuid.NewString(),
		EncryptedKeys: map[string][]byte{ownerID: ownerEnv},
		SharedWith:    []string{ownerID},
		UserFolders:   map[string]*string{ownerID: nil},
		ModifiedAt:    time.Now().UTC(),
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.blobs.Put(tctx, r.StoragePath, body); err != nil {
		return nil, fmt.Errorf("upload: blob: %w", err)
	}
	doc, err := r.ToDocument()
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if _, err := s.docs.CreateDocument(tctx, Collection, doc); err != nil {
		return nil, fmt.Errorf("upload: document: %w", err)
	}
	s.log.Infow("file uploaded", "record", r.ID, "owner", ownerID)
	return r, nil
}

// Get возвращает запись по id.
func (s *FileService) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := s.docs.GetDocument(tctx, Collection, id)
	if err != nil {
		return nil, err
	}
	return model.RecordFromDocument(doc)
}

// Open раскрывает конверт пользователя и расшифровывает тело файла.
func (s *FileService) Open(ctx context.Context, id, userID string, privateKey []byte) ([]byte, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	env, err := access.Envelope(r, userID)
	if err != nil {
		return nil, err
	}
	contentKey, err := envelope.UnwrapForRecipient(env, privateKey)
	if err != nil {
		return nil, err
	}
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	blob, err := s.blobs.Get(tctx, r.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open: blob: %w", err)
	}
	return envelope.DecryptContent(blob, contentKey)
}

// Share пере-заворачивает контентный ключ для новых получателей. Битый ключ
// одного получателя не прерывает операцию: он возвращается в списке
// пропущенных. Исходный шифртекст тела не меняется.
func (s *FileService) Share(ctx context.Context, id, ownerID string, ownerPrivateKey []byte, recipients map[string]string) ([]envelope.SkippedRecipient, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ownerEnv, err := access.Envelope(r, ownerID)
	if err != nil {
		return nil, err
	}
	wrapped, skipped, err := envelope.Reshare(ownerEnv, ownerPrivateKey, recipients)
	if err != nil {
		return nil, fmt.Errorf("share: %w", err)
	}
	// Членство в sharedWith накапливается по всем получателям разом, иначе
	// каждый следующий GrantUpdates пересчитал бы его от исходной записи.
	updates := map[string]any{}
	shared := append([]string(nil), r.SharedWith...)
	for userID, env := range wrapped {
		for path, v := range access.GrantUpdates(r, userID, env) {
			if path != "sharedWith" {
				updates[path] = v
			}
		}
		if !containsID(shared, userID) {
			shared = append(shared, userID)
		}
	}
	updates["sharedWith"] = shared

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.docs.UpdateDocument(tctx, Collection, id, updates); err != nil {
		return skipped, fmt.Errorf("share: update: %w", err)
	}
	s.meta.Invalidate(id)
	for _, sk := range skipped {
		s.log.Warnw("share: recipient skipped", "record", id, "user", sk.UserID, "reason", sk.Reason)
	}
	return skipped, nil
}

// Revoke удаляет конверт и оверлеи одного пользователя, не трогая остальных.
func (s *FileService) Revoke(ctx context.Context, id, userID string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.docs.UpdateDocument(tctx, Collection, id, access.RevokeUpdates(r, userID)); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	s.meta.Invalidate(id)
	return nil
}

// Delete уничтожает документ и стоящий за ним blob.
func (s *FileService) Delete(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.docs.DeleteDocument(tctx, Collection, id); err != nil {
		return fmt.Errorf("delete: document: %w", err)
	}
	if err := s.blobs.Delete(tctx, r.StoragePath); err != nil {
		return fmt.Errorf("delete: blob: %w", err)
	}
	s.meta.Invalidate(id)
	return nil
}

// Rename задаёт персональное имя файла: шифруется под тем же контентным
// ключом, адресуется по id пользователя.
func (s *FileService) Rename(ctx context.Context, id, userID string, privateKey []byte, newName string) error {
	f, err := s.encryptOverlayField(ctx, id, userID, privateKey, newName)
	if err != nil {
		return err
	}
	return s.applyOverlay(ctx, id, access.RenameUpdates(userID, f))
}

// SetTags задаёт пер-пользовательский набор тегов.
func (s *FileService) SetTags(ctx context.Context, id, userID string, privateKey []byte, tags []string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	contentKey, err := s.unwrapFor(r, userID, privateKey)
	if err != nil {
		return err
	}
	f, err := envelope.EncryptTags(tags, contentKey)
	if err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	return s.applyOverlay(ctx, id, access.TagUpdates(userID, f))
}

// SetFavorite — флаг избранного; единственный оверлей без шифрования.
func (s *FileService) SetFavorite(ctx context.Context, id, userID string, favorite bool) error {
	return s.applyOverlay(ctx, id, access.FavoriteUpdates(userID, favorite))
}

// MoveToFolder — размещение записи в папке пользователя (nil — корень).
func (s *FileService) MoveToFolder(ctx context.Context, id, userID string, folderID *string) error {
	return s.applyOverlay(ctx, id, access.MoveUpdates(userID, folderID))
}

// List возвращает метаданные всех доступных пользователю записей через
// cache-aside. Нерасшифровываемая запись получает заглушку и не прерывает
// построение списка.
func (s *FileService) List(ctx context.Context, userID string, privateKey []byte) ([]model.CachedMetadata, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs, err := s.docs.QueryDocuments(tctx, Collection, map[string]any{"sharedWith": userID})
	if err != nil {
		return nil, err
	}
	out := make([]model.CachedMetadata, 0, len(docs))
	for _, doc := range docs {
		r, err := model.RecordFromDocument(doc)
		if err != nil {
			s.log.Warnw("list: malformed document skipped", "error", err)
			continue
		}
		out = append(out, s.meta.GetOrDecrypt(r, userID, privateKey))
	}
	return out, nil
}

func (s *FileService) unwrapFor(r *model.FileRecord, userID string, privateKey []byte) ([]byte, error) {
	env, err := access.Envelope(r, userID)
	if err != nil {
		return nil, err
	}
	return envelope.UnwrapForRecipient(env, privateKey)
}

func (s *FileService) encryptOverlayField(ctx context.Context, id, userID string, privateKey []byte, value string) (model.Field, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return model.Field{}, err
	}
	contentKey, err := s.unwrapFor(r, userID, privateKey)
	if err != nil {
		return model.Field{}, err
	}
	return envelope.EncryptField(value, contentKey)
}

func (s *FileService) applyOverlay(ctx context.Context, id string, updates map[string]any) error {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.docs.UpdateDocument(tctx, Collection, id, updates); err != nil {
		return err
	}
	s.meta.Invalidate(id)
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
