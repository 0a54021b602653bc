package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := upload(t, env.uploads(false), UploadParams{Filename: "greeting.txt", Mimetype: "text/plain"}, []byte("hello world"))
	svc := NewAliasService(env.meta, false, testLogger())

	expires := time.Now().Add(time.Hour).UTC()
	id1, err := svc.AddAlias(ctx, res.ContentID, "copy.txt", "text/plain; charset=utf-8", &expires)
	require.NoError(t, err)
	// Повтор не проверяется на уникальность
	id2, err := svc.AddAlias(ctx, res.ContentID, "copy.txt", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	aliases, err := svc.GetAliases(ctx, res.ContentID)
	require.NoError(t, err)
	require.Len(t, aliases, 3)
	assert.Equal(t, "text/plain; charset=utf-8", aliases[1].Mimetype)
	assert.Equal(t, "application/octet-stream", aliases[2].Mimetype)

	served, err := env.meta.GetServedAlias(ctx, id1, false)
	require.NoError(t, err)
	require.NotNil(t, served.Alias.Expires)
	assert.True(t, served.Alias.Expires.Equal(expires))
}

func TestAddAlias_Errors(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAliasService(env.meta, false, testLogger())

	_, err := svc.AddAlias(context.Background(), 42, "missing.txt", "text/plain", nil)
	assert.True(t, errors.Is(err, ErrNotFound), "ожидалась ErrNotFound, получено %v", err)

	_, err = svc.AddAlias(context.Background(), 42, "", "text/plain", nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

// TestGetAliases_PartitionIsolation проверяет, что alias закрытого раздела
// не видны публичному экземпляру и наоборот.
func TestGetAliases_PartitionIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pub := upload(t, env.uploads(false), UploadParams{Filename: "public.txt"}, []byte("shared bytes"))
	priv := upload(t, env.uploads(true), UploadParams{Filename: "private.txt"}, []byte("shared bytes"))
	require.Equal(t, pub.ContentID, priv.ContentID)

	public, err := NewAliasService(env.meta, false, testLogger()).GetAliases(ctx, pub.ContentID)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, *pub.AliasID, public[0].ID)

	restricted, err := NewAliasService(env.meta, true, testLogger()).GetAliases(ctx, pub.ContentID)
	require.NoError(t, err)
	require.Len(t, restricted, 1)
	assert.Equal(t, *priv.AliasID, restricted[0].ID)
}

func TestGetAliases_Unknown(t *testing.T) {
	env := newTestEnv(t)
	aliases, err := NewAliasService(env.meta, false, testLogger()).GetAliases(context.Background(), 999)
	require.NoError(t, err)
	assert.NotNil(t, aliases)
	assert.Empty(t, aliases)
}

func TestLookupBySHA1(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAliasService(env.meta, false, testLogger())
	res := upload(t, env.uploads(false), UploadParams{Filename: "greeting.txt"}, []byte("hello world"))

	ids, err := svc.LookupBySHA1(context.Background(), " 2AAE6C35C94FCFB415DBE95F408B9CE91EE846ED ")
	require.NoError(t, err)
	assert.Equal(t, []int64{res.ContentID}, ids)

	ids, err = svc.LookupBySHA1(context.Background(), "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, bad := range []string{"", "abc", "zzae6c35c94fcfb415dbe95f408b9ce91ee846ed"} {
		_, err = svc.LookupBySHA1(context.Background(), bad)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "%q: ожидалась ErrInvalidArgument", bad)
	}
}

func TestLocationCache(t *testing.T) {
	var disabled *LocationCache
	assert.Nil(t, NewLocationCache(0, time.Minute))
	disabled.SetInMirror(1)
	assert.False(t, disabled.InMirror(1))
	assert.Zero(t, disabled.Len())

	c := NewLocationCache(2, time.Minute)
	assert.False(t, c.InMirror(7))
	c.SetInMirror(7)
	assert.True(t, c.InMirror(7))

	c.SetInMirror(100)
	c.SetInMirror(101)
	assert.Equal(t, 2, c.Len(), "размер кэша ограничен")
	assert.False(t, c.InMirror(7), "вытеснена самая старая запись")

	c.Delete(101)
	assert.False(t, c.InMirror(101))

	short := NewLocationCache(2, 10*time.Millisecond)
	short.SetInMirror(1)
	assert.Eventually(t, func() bool { return !short.InMirror(1) }, time.Second, 5*time.Millisecond)
}
