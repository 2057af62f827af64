// Package setup assembles a memory.Engine from a config.Config.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/cache"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/embedder/openai"
	"github.com/becomeliminal/nim-memory/memory/encryption"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/filestore"
	"github.com/becomeliminal/nim-memory/memory/store/memstore"
	"github.com/becomeliminal/nim-memory/memory/store/qdrant"
	"github.com/becomeliminal/nim-memory/memory/store/redisstore"
)

// Runtime owns the engine and every backend it was built from.
type Runtime struct {
	Engine   *memory.Engine
	Embedder memory.Embedder
	Index    memory.VectorIndex
	Records  memory.RecordStore

	closers []func() error
}

// Close stops the engine and releases backends in reverse order of
// creation.
func (r *Runtime) Close() error {
	var errs []error
	if r.Engine != nil {
		errs = append(errs, r.Engine.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Open validates cfg and builds the engine. On error every backend opened
// so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrInvalidInput, err)
	}
	if logger == nil {
		logger = log.Default()
	}

	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	sealer, previous, err := Keys(cfg)
	if err != nil {
		return nil, err
	}

	if rt.Embedder, err = rt.openEmbedder(cfg, logger); err != nil {
		return nil, err
	}
	if rt.Index, err = rt.openIndex(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if rt.Records, err = rt.openRecords(ctx, cfg, logger); err != nil {
		return nil, err
	}

	prev := make([]memory.Sealer, len(previous))
	for i, p := range previous {
		prev[i] = p
	}
	rt.Engine, err = memory.New(ctx, cfg.MemoryConfig(), sealer, rt.Embedder, rt.Records, rt.Index,
		memory.WithLogger(logger),
		memory.WithPreviousKeys(prev...),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("memory engine ready",
		"embedder", cfg.Embedding.Backend,
		"index", cfg.Index.Backend,
		"records", cfg.Records.Backend,
		"dimensions", rt.Embedder.Dimensions(),
	)
	return rt, nil
}

// Keys builds the active cipher and the ciphers for previous keys.
func Keys(cfg *config.Config) (*encryption.Cipher, []*encryption.Cipher, error) {
	var key []byte
	switch {
	case cfg.Encryption.Key != "":
		k, err := encryption.DecodeKey(cfg.Encryption.Key)
		if err != nil {
			return nil, nil, err
		}
		key = k
	case cfg.Encryption.Passphrase != "":
		salt, err := loadSalt(saltPath(cfg))
		if err != nil {
			return nil, nil, err
		}
		iterations := cfg.Encryption.Iterations
		if iterations == 0 {
			iterations = encryption.DefaultIterations
		}
		k, err := encryption.DeriveKey(cfg.Encryption.Passphrase, salt, iterations)
		if err != nil {
			return nil, nil, err
		}
		key = k
	default:
		return nil, nil, fmt.Errorf("%w: no encryption key configured", memory.ErrInvalidInput)
	}

	active, err := encryption.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	previous := make([]*encryption.Cipher, 0, len(cfg.Encryption.PreviousKeys))
	for i, encoded := range cfg.Encryption.PreviousKeys {
		k, err := encryption.DecodeKey(encoded)
		if err != nil {
			return nil, nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		c, err := encryption.NewCipher(k)
		if err != nil {
			return nil, nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		previous = append(previous, c)
	}
	return active, previous, nil
}

func saltPath(cfg *config.Config) string {
	if cfg.Encryption.SaltFile != "" {
		return cfg.Encryption.SaltFile
	}
	return filepath.Join(cfg.DataDir, "salt")
}

// loadSalt reads the salt, creating it on first use. The salt is not
// secret but losing it makes every record unreadable.
func loadSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < encryption.SaltSize {
			return nil, fmt.Errorf("%w: salt file %s is truncated", memory.ErrTamperedOrCorrupted, path)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read salt: %w", memory.ErrBackendUnavailable, err)
	}

	salt, err = encryption.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create salt directory: %w", memory.ErrBackendUnavailable, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Another process created it first.
		return loadSalt(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create salt: %w", memory.ErrBackendUnavailable, err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write salt: %w", memory.ErrBackendUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: write salt: %w", memory.ErrBackendUnavailable, err)
	}
	return salt, nil
}

func (r *Runtime) openEmbedder(cfg *config.Config, logger *log.Logger) (memory.Embedder, error) {
	ec := cfg.Embedding
	var base memory.Embedder
	switch ec.Backend {
	case "mock":
		base = mock.New(mock.WithDimensions(ec.Dimensions), mock.WithMaxChars(ec.MaxChars))
	case "openai":
		e, err := openai.New(openai.Config{
			APIKey:     ec.OpenAI.APIKey,
			BaseURL:    ec.OpenAI.BaseURL,
			Model:      ec.OpenAI.Model,
			Dimensions: ec.Dimensions,
			MaxChars:   ec.MaxChars,
			Timeout:    ec.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: openai embedder: %w", memory.ErrInvalidInput, err)
		}
		base = e
	case "onnx":
		e, closeFn, err := openONNX(ec, logger)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, closeFn)
		base = e
	default:
		return nil, fmt.Errorf("%w: unknown embedding backend %q", memory.ErrInvalidInput, ec.Backend)
	}

	if ec.CacheSize <= 0 {
		return base, nil
	}
	cached, err := cache.New(base, ec.CacheSize)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, cached.Close)
	return cached, nil
}

func (r *Runtime) openIndex(ctx context.Context, cfg *config.Config, logger *log.Logger) (memory.VectorIndex, error) {
	dims := r.Embedder.Dimensions()
	var idx memory.VectorIndex
	switch cfg.Index.Backend {
	case "chromem":
		opts := []chromem.Option{chromem.WithLogger(logger)}
		if cfg.DataDir != "" && cfg.Records.Backend == "file" {
			opts = append(opts, chromem.WithPersistence(filepath.Join(cfg.DataDir, "index"), cfg.Index.Compress))
		}
		i, err := chromem.New(dims, opts...)
		if err != nil {
			return nil, err
		}
		idx = i
	case "qdrant":
		q := cfg.Index.Qdrant
		i, err := qdrant.New(ctx, qdrant.Config{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.TLS,
			Collection: q.Collection,
			Dimension:  dims,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		idx = i
	default:
		return nil, fmt.Errorf("%w: unknown index backend %q", memory.ErrInvalidInput, cfg.Index.Backend)
	}
	r.closers = append(r.closers, idx.Close)
	return idx, nil
}

func (r *Runtime) openRecords(ctx context.Context, cfg *config.Config, logger *log.Logger) (memory.RecordStore, error) {
	var rs memory.RecordStore
	switch cfg.Records.Backend {
	case "file":
		s, err := filestore.Open(filepath.Join(cfg.DataDir, "records"), logger)
		if err != nil {
			return nil, err
		}
		rs = s
	case "memory":
		rs = memstore.New()
	case "redis":
		rc := cfg.Records.Redis
		s, err := redisstore.Open(ctx, redisstore.Options{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return nil, err
		}
		rs = s
	default:
		return nil, fmt.Errorf("%w: unknown record backend %q", memory.ErrInvalidInput, cfg.Records.Backend)
	}
	r.closers = append(r.closers, rs.Close)
	return rs, nil
}
