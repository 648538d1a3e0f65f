package db

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

const DefaultCacheSize = 256

type options struct {
	fs       afero.Fs
	fsSet    bool
	inMemory bool

	pageSize  uint32
	maxPages  uint32
	cacheSize uint64

	kdf    cipher.KDF
	argon2 cipher.Argon2Params

	workers    int
	logger     src.Logger
	registerer prometheus.Registerer
}

func defaultOptions() options {
	return options{
		fs:        afero.NewOsFs(),
		pageSize:  disk.DefaultPageSize,
		cacheSize: DefaultCacheSize,
		kdf:       cipher.KDFArgon2id,
		argon2:    cipher.DefaultArgon2Params(),
		workers:   runtime.NumCPU(),
		logger:    src.NopLogger(),
	}
}

type Option func(*options)

// WithFs runs the store and its log on fs instead of the OS file system.
// It can't be combined with InMemory.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
		o.fsSet = true
	}
}

// InMemory keeps the pages and the log in memory. Nothing survives Close.
func InMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

func (o options) validate() error {
	if o.cacheSize == 0 {
		return fmt.Errorf("%w: cache size must be greater than zero", ErrInvalidOptions)
	}
	if o.inMemory && o.fsSet {
		return fmt.Errorf("%w: InMemory and WithFs are mutually exclusive", ErrInvalidOptions)
	}
	return nil
}

// WithPageSize applies to newly created stores only.
func WithPageSize(size uint32) Option {
	return func(o *options) {
		o.pageSize = size
	}
}

func WithMaxPages(n uint32) Option {
	return func(o *options) {
		o.maxPages = n
	}
}

func WithCacheSize(pages uint64) Option {
	return func(o *options) {
		o.cacheSize = pages
	}
}

// WithKDF selects how the secret turns into a key for newly created stores
// and rekeys. Existing stores keep the function recorded in their header.
func WithKDF(kdf cipher.KDF) Option {
	return func(o *options) {
		o.kdf = kdf
	}
}

func WithArgon2(params cipher.Argon2Params) Option {
	return func(o *options) {
		o.argon2 = params
	}
}

// WithWorkers bounds the goroutines used by IntegrityCheck and Rekey.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = max(n, 1)
	}
}

func WithLogger(logger src.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
