package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Options — настройки сессии ядра. Ядро читает только эту структуру;
// переменные окружения разбирает встраивающее приложение через FromEnv.
type Options struct {
	// Короткое и длинное окна свежести кэша метаданных. Короткое соответствует
	// короткой сессии разблокировки по парольной фразе.
	CacheTTLShort time.Duration `env:"CACHE_TTL_SHORT" envDefault:"5m"`
	CacheTTLLong  time.Duration `env:"CACHE_TTL_LONG" envDefault:"30m"`
	// Период фоновой уборки кэша, ограничивает рост памяти.
	CacheSweep time.Duration `env:"CACHE_SWEEP" envDefault:"10m"`

	// Работа PBKDF2 при шифровании приватного ключа; значения ниже
	// keys.MinKDFIterations поднимаются до минимума.
	KDFIterations int `env:"KDF_ITERATIONS" envDefault:"100000"`

	// Тайм-аут на чтение из документного/blob-хранилища.
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`

	// Пауза-уступка между записями фонового индексирования и число повторов
	// точечного обновления при read-after-write задержке.
	IndexYield   time.Duration `env:"INDEX_YIELD" envDefault:"25ms"`
	IndexRetries uint64        `env:"INDEX_RETRIES" envDefault:"3"`
}

// Default возвращает настройки по умолчанию.
func Default() Options {
	return Options{
		CacheTTLShort:  5 * time.Minute,
		CacheTTLLong:   30 * time.Minute,
		CacheSweep:     10 * time.Minute,
		KDFIterations:  100_000,
		BackendTimeout: 10 * time.Second,
		IndexYield:     25 * time.Millisecond,
		IndexRetries:   3,
	}
}

// FromEnv — настройки из окружения (.env поддерживается), поверх умолчаний.
func FromEnv() Options {
	_ = godotenv.Load()
	opts := Default()
	_ = env.Parse(&opts)
	return opts.Normalized()
}

// Normalized поднимает некорректные значения до умолчаний и гарантирует
// CacheTTLLong >= CacheTTLShort.
func (o Options) Normalized() Options {
	d := Default()
	if o.CacheTTLShort <= 0 {
		o.CacheTTLShort = d.CacheTTLShort
	}
	if o.CacheTTLLong < o.CacheTTLShort {
		o.CacheTTLLong = o.CacheTTLShort
	}
	if o.CacheSweep <= 0 {
		o.CacheSweep = d.CacheSweep
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = d.BackendTimeout
	}
	if o.IndexYield <= 0 {
		o.IndexYield = d.IndexYield
	}
	return o
}
