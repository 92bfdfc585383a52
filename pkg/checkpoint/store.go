// Package checkpoint stores training runs in BadgerDB: one metadata record
// per run and the model parameters of every checkpointed epoch.
//
// Key layout:
//
//	latest                          run ID of the last run that saved metadata
//	runs/<run>/meta                 YAML encoded Meta
//	runs/<run>/epoch/<%06d>/<name>  zstd compressed mat.Dense binary
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/cnclabs/kbreader/pkg/train"
)

// ErrNotFound is returned when a run, epoch or parameter is absent
var ErrNotFound = errors.New("checkpoint not found")

const latestKey = "latest"

// Config selects where the store lives
type Config struct {
	// Path is the database directory, ignored when InMemory is set
	Path     string
	InMemory bool

	// SyncWrites makes every commit durable before returning
	SyncWrites bool

	// Logger receives badger's own log lines; nil disables them
	Logger *zap.Logger
}

// Meta describes a run: enough to rebuild the vocabulary and the model
// shape before loading parameters
type Meta struct {
	RunID      string    `yaml:"run_id"`
	Tokens     []string  `yaml:"tokens"`
	Candidates []string  `yaml:"candidates"`
	ReprDim    int       `yaml:"repr_dim"`
	InitScale  float64   `yaml:"init_scale"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// Store is a checkpoint database
type Store struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }

// badger logs compaction and flush progress at info
func (l badgerLogger) Infof(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }

// Open opens or creates a store
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("checkpoint path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{s: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close releases the database
func (s *Store) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

func metaKey(run string) []byte {
	return []byte("runs/" + run + "/meta")
}

func epochPrefix(run string) string {
	return "runs/" + run + "/epoch/"
}

func paramKey(run string, epoch int, name string) []byte {
	return []byte(fmt.Sprintf("%s%06d/%s", epochPrefix(run), epoch, name))
}

// SaveMeta stores run metadata and marks the run as latest
func (s *Store) SaveMeta(meta Meta) error {
	if meta.RunID == "" {
		return errors.New("checkpoint meta needs a run ID")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(meta.RunID), data); err != nil {
			return err
		}
		return txn.Set([]byte(latestKey), []byte(meta.RunID))
	})
}

func (s *Store) get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// LoadMeta returns a run's metadata
func (s *Store) LoadMeta(run string) (Meta, error) {
	var meta Meta
	data, err := s.get(metaKey(run))
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode meta of run %s: %w", run, err)
	}
	return meta, nil
}

// LatestRun returns the run that saved metadata last
func (s *Store) LatestRun() (string, error) {
	data, err := s.get([]byte(latestKey))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveParameters stores every parameter of one epoch in a single
// transaction
func (s *Store) SaveParameters(run string, epoch int, params []*train.Parameter) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range params {
			blob, err := p.Value.MarshalBinary()
			if err != nil {
				return fmt.Errorf("encode parameter %s: %w", p.Name, err)
			}
			if err := txn.Set(paramKey(run, epoch, p.Name), s.enc.EncodeAll(blob, nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Epochs lists the checkpointed epochs of a run in ascending order
func (s *Store) Epochs(run string) ([]int, error) {
	prefix := []byte(epochPrefix(run))
	var epochs []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		last := -1
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			field, _, _ := strings.Cut(rest, "/")
			epoch, err := strconv.Atoi(field)
			if err != nil {
				return fmt.Errorf("malformed checkpoint key %q: %w", it.Item().Key(), err)
			}
			if epoch != last {
				epochs = append(epochs, epoch)
				last = epoch
			}
		}
		return nil
	})
	return epochs, err
}

// LatestEpoch returns the highest checkpointed epoch of a run
func (s *Store) LatestEpoch(run string) (int, error) {
	epochs, err := s.Epochs(run)
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		return 0, fmt.Errorf("%w: no epochs for run %s", ErrNotFound, run)
	}
	return epochs[len(epochs)-1], nil
}

// LoadParameters returns all parameters stored for one epoch by name
func (s *Store) LoadParameters(run string, epoch int) (map[string]*mat.Dense, error) {
	prefix := []byte(fmt.Sprintf("%s%06d/", epochPrefix(run), epoch))
	params := make(map[string]*mat.Dense)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), string(prefix))
			blob, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raw, err := s.dec.DecodeAll(blob, nil)
			if err != nil {
				return fmt.Errorf("decompress parameter %s: %w", name, err)
			}
			var m mat.Dense
			if err := m.UnmarshalBinary(raw); err != nil {
				return fmt.Errorf("decode parameter %s: %w", name, err)
			}
			params[name] = &m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: run %s epoch %d", ErrNotFound, run, epoch)
	}
	return params, nil
}
