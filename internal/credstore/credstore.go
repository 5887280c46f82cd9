// Package credstore holds session credentials in memguard enclaves so the
// identity token never sits in plain GC-managed memory. Encryption-at-rest of
// the values is opaque to the rest of the coordinator; callers only see
// get/set/clear per field.
package credstore

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// Field names the credential slots.
type Field string

const (
	FieldIdentityToken Field = "identity_token"
	FieldTenantCode    Field = "tenant_code"
)

// SecureStore keeps each credential field in its own sealed enclave.
type SecureStore struct {
	mu       sync.RWMutex
	enclaves map[Field]*memguard.Enclave
}

// New creates an empty secure store.
func New() *SecureStore {
	return &SecureStore{enclaves: make(map[Field]*memguard.Enclave)}
}

// Set seals a value into the field's enclave, replacing any previous value.
func (s *SecureStore) Set(field Field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.enclaves, field)
		return
	}
	s.enclaves[field] = memguard.NewEnclave([]byte(value))
}

// Get opens the field's enclave and returns a copy of its value. Returns ""
// when the field is unset.
func (s *SecureStore) Get(field Field) (string, error) {
	s.mu.RLock()
	enclave, ok := s.enclaves[field]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open credential enclave %s: %w", field, err)
	}
	// Copy out before Destroy wipes the backing memory.
	val := string(buf.Bytes())
	buf.Destroy()
	return val, nil
}

// Has reports whether the field currently holds a value.
func (s *SecureStore) Has(field Field) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enclaves[field]
	return ok
}

// Clear wipes a single field.
func (s *SecureStore) Clear(field Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enclaves, field)
}

// ClearAll wipes every field. Idempotent.
func (s *SecureStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclaves = make(map[Field]*memguard.Enclave)
}

// Empty reports whether no field holds a value.
func (s *SecureStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.enclaves) == 0
}
