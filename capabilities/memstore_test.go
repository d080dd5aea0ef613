package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFileStoreWriteReadDelete(t *testing.T) {
	store := NewMemFileStore()

	require.NoError(t, store.Write("a.txt", []byte("hello")))
	data, err := store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := store.Stat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(5), info.Size)

	require.NoError(t, store.Delete("a.txt"))
	_, err = store.Read("a.txt")
	assert.Error(t, err)
}

func TestMemFileStoreWatchFiresOnWrite(t *testing.T) {
	store := NewMemFileStore()

	events := make(chan string, 4)
	cancel, err := store.Watch("b.txt", func(event, path string) {
		events <- event + ":" + path
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, store.Write("b.txt", []byte("1")))
	require.NoError(t, store.Write("b.txt", []byte("2")))

	assert.Equal(t, "created:b.txt", <-events)
	assert.Equal(t, "modified:b.txt", <-events)
}

func TestUUIDSourceProducesUniqueIDs(t *testing.T) {
	src := UUIDSource{}
	a := src.NewID()
	b := src.NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
