package secrets

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

// mapStore is an in-memory SecretStore.
type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mapStore) raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data[key])
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "session/current", []byte("tok-123")))

	val, err := v.Resolve(ctx, "session/current")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-123"), val)

	raw := s.raw("session/current")
	assert.False(t, bytes.Contains(raw, []byte("tok-123")), "stored encrypted")
}

func TestAESVault_CiphertextBoundToKey(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "connection/a", []byte("a-token")))
	require.NoError(t, s.StoreSecret(ctx, "connection/b", s.raw("connection/a")))

	_, err := v.Resolve(ctx, "connection/b")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeVault, oe.Code)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	v, err := NewAESVault(newMapStore(), VaultConfig{
		Passphrase: "correct horse",
		Salt:       []byte("onboard-salt-16b"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, err := NewAESVault(s, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "secret")
	assert.Error(t, err)
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("1")))
	require.NoError(t, v.Store(ctx, "b", []byte("2")))
	require.NoError(t, v.Delete(ctx, "a"))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	_, err = v.Resolve(ctx, "a")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeNotFound, oe.Code)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("same")))
	first := s.raw("k")
	require.NoError(t, v.Store(ctx, "k", []byte("same")))
	assert.False(t, bytes.Equal(first, s.raw("k")))
}

func TestAESVault_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("too-short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESVault(newMapStore(), tt.cfg)
			var oe *schema.OnboardError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, schema.ErrCodeVault, oe.Code)
		})
	}
}

func TestAESVault_ShortCiphertext(t *testing.T) {
	v, s := testVault(t)
	require.NoError(t, s.StoreSecret(context.Background(), "bad", []byte{1, 2}))
	_, err := v.Resolve(context.Background(), "bad")
	assert.Error(t, err)
}

func TestOpenAESVault_SaltAndPassphraseCheck(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	v, err := OpenAESVault(ctx, s, "correct horse")
	require.NoError(t, err)
	salt := s.raw(saltKey)
	require.Len(t, salt, saltSize)
	require.NoError(t, v.Store(ctx, "session/current", []byte("tok")))

	again, err := OpenAESVault(ctx, s, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, salt, s.raw(saltKey), "salt is reused")
	val, err := again.Resolve(ctx, "session/current")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), val)

	_, err = OpenAESVault(ctx, s, "battery staple")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeVault, oe.Code)
}

func TestAESVault_ReservedKeys(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()
	v, err := OpenAESVault(ctx, s, "pass")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, "connection/gmail", []byte("at")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"connection/gmail"}, keys)

	assert.Error(t, v.Store(ctx, saltKey, []byte("x")))
	_, err = v.Resolve(ctx, saltKey)
	assert.Error(t, err)
	assert.Error(t, v.Delete(ctx, saltKey))
}

func TestAESVault_UnknownEnvelopeVersion(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "k", []byte("value")))

	raw := s.raw("k")
	assert.Equal(t, envelopeV1, raw[0])
	raw[0] = 9
	require.NoError(t, s.StoreSecret(ctx, "k", raw))

	_, err := v.Resolve(ctx, "k")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Contains(t, oe.Message, "envelope version")
}
