package variant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techplay/ab-cli/internal/store"
)

func TestMemoryStore_ReadMissing(t *testing.T) {
	st := NewMemoryStore()

	_, err := st.Read(context.Background(), "ab-x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestMemoryStore_DisabledIsUnavailable(t *testing.T) {
	st := NewMemoryStore(WithSeed(map[string]string{"ab-x": "A"}))
	st.Disable()

	_, err := st.Read(context.Background(), "ab-x")
	assert.ErrorIs(t, err, ErrUnavailable)

	err = st.Write(context.Background(), "ab-x", "B")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "write", se.Op)

	st.Enable()
	v, err := st.Read(context.Background(), "ab-x")
	require.NoError(t, err)
	assert.Equal(t, "A", v)
}

func TestMemoryStore_CapacityAllowsOverwrite(t *testing.T) {
	st := NewMemoryStore(WithCapacity(1))
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "ab-x", "A"))
	require.NoError(t, st.Write(ctx, "ab-x", "B"))
	assert.ErrorIs(t, st.Write(ctx, "ab-y", "A"), ErrUnavailable)
	assert.Equal(t, 2, st.Writes())
}

type fakeBackend struct {
	data map[string]string
	err  error
}

func (f *fakeBackend) GetAssignment(_ context.Context, visitorID, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.data[visitorID+"/"+key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) PutAssignment(_ context.Context, visitorID, key, value string) error {
	if f.err != nil {
		return f.err
	}
	f.data[visitorID+"/"+key] = value
	return nil
}

func TestKVStore_MapsErrors(t *testing.T) {
	b := &fakeBackend{data: map[string]string{}}
	kv := NewKVStore(b, "visitor-1")
	ctx := context.Background()

	_, err := kv.Read(ctx, "ab-x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Write(ctx, "ab-x", "A"))
	assert.Equal(t, "A", b.data["visitor-1/ab-x"])

	b.err = errors.New("connection refused")
	_, err = kv.Read(ctx, "ab-x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, kv.Write(ctx, "ab-x", "B"), ErrUnavailable)
}

func TestEnvelope_RoundTripAndLegacy(t *testing.T) {
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	raw := EncodeEnvelope("B", exp)
	assert.JSONEq(t, `{"value":"B","expiresAt":`+jsonInt(exp.UnixMilli())+`}`, raw)
	env := DecodeEnvelope(raw)
	assert.Equal(t, "B", env.Value)
	assert.True(t, env.Expired(exp))
	assert.False(t, env.Expired(exp.Add(-time.Millisecond)))

	assert.Equal(t, "A", EncodeEnvelope("A", time.Time{}))
	legacy := DecodeEnvelope("A")
	assert.Equal(t, "A", legacy.Value)
	assert.False(t, legacy.Expired(exp))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
