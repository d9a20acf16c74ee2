package infrastructure

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAssetStore(t *testing.T, srv *fakeMediaServer) (*AssetStore, *AssetIndex, string) {
	t.Helper()
	dir := t.TempDir()
	index, err := OpenAssetIndex(filepath.Join(dir, "assets.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	assetsDir := filepath.Join(dir, "assets")
	return NewAssetStore(assetsDir, index, srv.remote(), nil), index, assetsDir
}

func TestAssetStore_FetchesOnce(t *testing.T) {
	srv := newFakeMediaServer(t)
	srv.setAsset("/assets/cover.png", []byte("image-bytes"))
	store, index, assetsDir := setupAssetStore(t, srv)
	assetURL := srv.URL + "/assets/cover.png"

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Ensure(testCtx(), assetURL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := store.Ensure(testCtx(), assetURL)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(assetsDir, AssetKey(assetURL)+".png"), rec.Path)
	assert.Equal(t, int64(len("image-bytes")), rec.Bytes)
	_, indexed := index.Get(AssetKey(assetURL))
	assert.True(t, indexed)
	assert.Equal(t, 1, srv.hitCount("/assets/cover.png"))

	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestAssetStore_RefetchesMissingFile(t *testing.T) {
	srv := newFakeMediaServer(t)
	srv.setAsset("/assets/a.css", []byte("body{}"))
	store, _, _ := setupAssetStore(t, srv)
	assetURL := srv.URL + "/assets/a.css"

	rec, err := store.Ensure(testCtx(), assetURL)
	require.NoError(t, err)
	_, err = store.Ensure(testCtx(), assetURL)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.hitCount("/assets/a.css"))

	require.NoError(t, os.Remove(rec.Path))
	_, err = store.Ensure(testCtx(), assetURL)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.hitCount("/assets/a.css"))
}

func TestAssetIndex_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.bolt")
	index, err := OpenAssetIndex(path)
	require.NoError(t, err)
	require.NoError(t, index.Put(&AssetRecord{Key: "k", URL: "http://x/a.png", Path: "/tmp/a.png", Bytes: 3}))
	require.NoError(t, index.Close())

	index, err = OpenAssetIndex(path)
	require.NoError(t, err)
	defer index.Close()

	rec, ok := index.Get("k")
	require.True(t, ok)
	assert.Equal(t, "http://x/a.png", rec.URL)

	require.NoError(t, index.Delete("k"))
	_, ok = index.Get("k")
	assert.False(t, ok)
}

func TestAssetStore_DropsStaleRecordWhenRefetchFails(t *testing.T) {
	srv := newFakeMediaServer(t)
	srv.setAsset("/assets/a.png", []byte("a"))
	store, index, _ := setupAssetStore(t, srv)
	assetURL := srv.URL + "/assets/a.png"

	rec, err := store.Ensure(testCtx(), assetURL)
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.Path))
	srv.mu.Lock()
	delete(srv.assets, "/assets/a.png")
	srv.mu.Unlock()

	_, err = store.Ensure(testCtx(), assetURL)
	assert.Error(t, err)
	_, ok := index.Get(AssetKey(assetURL))
	assert.False(t, ok)
}

func TestAssetExt(t *testing.T) {
	assert.Equal(t, ".png", assetExt("http://host/img/Page.PNG?v=2"))
	assert.Empty(t, assetExt("http://host/img/noext"))
	assert.Empty(t, assetExt("http://host/a.verylongext"))
	assert.True(t, strings.HasPrefix(assetExt("http://host/f.woff2"), ".woff"))
}
