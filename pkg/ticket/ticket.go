package ticket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	_defaultLifetime = 24 * time.Hour

	_keyNameSize = 16
	_keySize     = 32 // AES-256
	_issuedSize  = 8
)

// Config is the configuration of Tickets.
type Config struct {
	// Lifetime is both how long a ticket key is used for new tickets and how old
	// a ticket may get before it is refused.
	Lifetime time.Duration
	// Rand is the random source for keys and nonces. Defaults to crypto/rand.
	Rand io.Reader
}

// Tickets encrypts TLS session tickets with rotating AES-256-GCM keys.
//
// A ticket is laid out as key name || nonce || sealed(issue time || session state),
// with the key name as additional data. Keys stay usable for decryption for one
// more Lifetime after they stop being used for encryption.
type Tickets struct {
	cfg  Config
	keys *cache.Cache
	now  func() time.Time

	mu      sync.Mutex
	current *ticketKey

	initialized bool
	lg          *zap.Logger
}

type ticketKey struct {
	name    []byte
	aead    cipher.AEAD
	created time.Time
	expires time.Time
}

// New creates Tickets and generates the first key. If that fails the error is logged,
// and Enable refuses to install the adapter.
func New(cfg Config, logger *zap.Logger) *Tickets {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = _defaultLifetime
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	t := &Tickets{
		cfg: cfg,
		// expired keys are purged on rotation, no janitor goroutine
		keys: cache.New(2*cfg.Lifetime, 0),
		now:  time.Now,
		lg:   logger,
	}
	if err := t.rotate(t.now()); err != nil {
		logger.Error("failed to initialize session tickets", zap.Error(err))
		return t
	}
	t.initialized = true
	logger.Info("session tickets initialized", zap.Duration("lifetime", cfg.Lifetime))
	return t
}

// Enable makes cfg encrypt its session tickets with t. It returns false and leaves cfg
// untouched if t failed to initialize. Enabling the same config twice is a no-op.
func (t *Tickets) Enable(cfg *tls.Config) bool {
	if !t.initialized {
		return false
	}
	cfg.SessionTicketsDisabled = false
	cfg.WrapSession = t.wrap
	cfg.UnwrapSession = t.unwrap
	return true
}

// KeyCount returns the number of keys usable for decryption.
func (t *Tickets) KeyCount() int {
	return t.keys.ItemCount()
}

func (t *Tickets) rotate(now time.Time) error {
	buf := make([]byte, _keyNameSize+_keySize)
	if _, err := io.ReadFull(t.cfg.Rand, buf); err != nil {
		return errors.Wrap(err, "generate ticket key")
	}
	block, err := aes.NewCipher(buf[_keyNameSize:])
	if err != nil {
		return errors.Wrap(err, "create ticket cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "create ticket aead")
	}

	key := &ticketKey{
		name:    buf[:_keyNameSize],
		aead:    aead,
		created: now,
		expires: now.Add(2 * t.cfg.Lifetime),
	}
	t.keys.DeleteExpired()
	t.keys.Set(string(key.name), key, cache.DefaultExpiration)
	t.current = key
	return nil
}

// currentKey returns the key for new tickets, rotating it once it is a Lifetime old.
func (t *Tickets) currentKey(now time.Time) *ticketKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.current.created) >= t.cfg.Lifetime {
		if err := t.rotate(now); err != nil {
			t.lg.Warn("failed to rotate ticket key, keep using the old one", zap.Error(err))
		} else {
			t.lg.Info("ticket key rotated", zap.Int("keys", t.keys.ItemCount()))
		}
	}
	return t.current
}

func (t *Tickets) wrap(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	state, err := ss.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode session state")
	}
	now := t.now()
	key := t.currentKey(now)

	nonceSize := key.aead.NonceSize()
	out := make([]byte, _keyNameSize+nonceSize, _keyNameSize+nonceSize+_issuedSize+len(state)+key.aead.Overhead())
	copy(out, key.name)
	nonce := out[_keyNameSize:]
	if _, err := io.ReadFull(t.cfg.Rand, nonce); err != nil {
		return nil, errors.Wrap(err, "generate ticket nonce")
	}

	plain := make([]byte, _issuedSize, _issuedSize+len(state))
	binary.BigEndian.PutUint64(plain, uint64(now.Unix()))
	plain = append(plain, state...)
	return key.aead.Seal(out, nonce, plain, key.name), nil
}

// unwrap returns a nil state for every ticket it does not accept, which falls back to a full handshake.
func (t *Tickets) unwrap(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
	logger := t.lg
	if len(identity) < _keyNameSize {
		return nil, nil
	}
	name := identity[:_keyNameSize]
	v, ok := t.keys.Get(string(name))
	if !ok {
		logger.Debug("unknown ticket key")
		return nil, nil
	}
	key := v.(*ticketKey)
	now := t.now()
	if now.After(key.expires) {
		logger.Debug("ticket key expired")
		return nil, nil
	}

	nonceSize := key.aead.NonceSize()
	if len(identity) < _keyNameSize+nonceSize {
		return nil, nil
	}
	nonce := identity[_keyNameSize : _keyNameSize+nonceSize]
	plain, err := key.aead.Open(nil, nonce, identity[_keyNameSize+nonceSize:], name)
	if err != nil || len(plain) < _issuedSize {
		logger.Debug("failed to decrypt ticket", zap.Error(err))
		return nil, nil
	}
	issued := time.Unix(int64(binary.BigEndian.Uint64(plain)), 0)
	if now.Sub(issued) > t.cfg.Lifetime {
		logger.Debug("ticket too old", zap.Time("issued", issued))
		return nil, nil
	}

	ss, err := tls.ParseSessionState(plain[_issuedSize:])
	if err != nil {
		logger.Debug("failed to parse session state", zap.Error(err))
		return nil, nil
	}
	return ss, nil
}
