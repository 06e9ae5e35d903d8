package principal

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/sudogate/internal/util"
)

type memoryRecord struct {
	principal Principal
	salt      []byte
	params    util.Argon2idParams
	key       []byte
}

// MemoryDirectory is a thread-safe in-memory Directory with
// Argon2id-hashed passwords.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]memoryRecord
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{accounts: make(map[string]memoryRecord)}
}

// Add registers a principal with the given plaintext password. The
// password is NFKD-normalized before hashing.
func (d *MemoryDirectory) Add(p Principal, password string) error {
	if p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	salt, err := util.RandomBytes(16)
	if err != nil {
		return err
	}
	params := util.DefaultArgon2idParams()
	key, err := util.DeriveArgon2idKey([]byte(util.Normalize(password)), salt, params)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[p.ID] = memoryRecord{
		principal: p,
		salt:      salt,
		params:    params,
		key:       key,
	}
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, id string) (Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.accounts[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return rec.principal, nil
}

func (d *MemoryDirectory) VerifyPassword(ctx context.Context, id string, password []byte) (bool, error) {
	d.mu.RLock()
	rec, ok := d.accounts[id]
	d.mu.RUnlock()
	if !ok {
		// Unknown principals verify as false so callers cannot probe
		// for account existence through the error path.
		return false, nil
	}
	normalized := []byte(util.Normalize(string(password)))
	defer util.WipeBytes(normalized)
	return util.CompareArgon2idKey(normalized, rec.salt, rec.params, rec.key)
}
