// Package seckey holds session key material with best-effort memory
// zeroing. Go's GC may copy the backing array, so this is defense in
// depth, not a guarantee. The server zeroes a connection's session keys
// when that control connection closes; Session.Stop does not zero them.
package seckey

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("seckey")

const redacted = "[REDACTED]"

// Key wraps a fixed piece of key material (an HKDF-derived session key, a
// pairing PIN, a keystore passphrase). It never prints its contents.
type Key struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

// New copies b into a Key. The caller retains ownership of b.
func New(b []byte) *Key {
	k := &Key{data: make([]byte, len(b))}
	copy(k.data, b)
	return k
}

// NewFromString is a convenience for deriving a Key from PIN/passphrase text.
func NewFromString(s string) *Key {
	return New([]byte(s))
}

// Reveal returns a copy of the plaintext key material, or nil once zeroed.
func (k *Key) Reveal() []byte {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.data == nil {
		if !k.warnedOnce.Swap(true) {
			log.Warn("key material revealed after zeroing")
		}
		return nil
	}
	out := make([]byte, len(k.data))
	copy(out, k.data)
	return out
}

// IsZeroed reports whether Zero has already run.
func (k *Key) IsZeroed() bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data == nil
}

// Zero overwrites the backing byte slice with zeros and releases it.
func (k *Key) Zero() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.data {
		k.data[i] = 0
	}
	k.data = nil
}

func (k *Key) String() string   { return redacted }
func (k *Key) GoString() string { return redacted }

func (k *Key) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (k *Key) UnmarshalJSON([]byte) error {
	return fmt.Errorf("seckey: Key cannot be unmarshaled directly")
}

func (k *Key) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
