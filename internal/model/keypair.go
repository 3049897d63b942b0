package model

// Keypair — асимметричная пара X25519. Публичный ключ публикуется в профиле
// пользователя открыто; приватный никогда не покидает клиента в открытом виде.
type Keypair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// EncryptedPrivateKey — приватный ключ, зашифрованный под парольной фразой.
// Соль и nonce сохраняются рядом с шифртекстом; соль уникальна для каждого
// вызова шифрования.
type EncryptedPrivateKey struct {
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
}
