package infrastructure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

var bucketAssets = []byte("assets")

// AssetRecord describes one content-addressed asset file
type AssetRecord struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AssetIndex maps asset keys to their files using BoltDB so reuse survives
// restarts without rescanning the asset directory
type AssetIndex struct {
	db *bolt.DB
}

// OpenAssetIndex opens (creating if needed) the index at path
func OpenAssetIndex(indexPath string) (*AssetIndex, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(indexPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open asset index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAssets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &AssetIndex{db: db}, nil
}

// Get returns the record for key, if any
func (i *AssetIndex) Get(key string) (*AssetRecord, bool) {
	var data []byte
	i.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketAssets).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}
	var rec AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Put stores a record
func (i *AssetIndex) Put(rec *AssetRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).Put([]byte(rec.Key), data)
	})
}

// Delete removes a record
func (i *AssetIndex) Delete(key string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).Delete([]byte(key))
	})
}

// Close closes the index
func (i *AssetIndex) Close() error {
	return i.db.Close()
}

// AssetStore downloads each unique asset URL once into a shared directory
type AssetStore struct {
	dir    string
	index  *AssetIndex
	remote domain.RemoteFetch
	group  singleflight.Group
	logger *zap.Logger
}

// NewAssetStore creates a new asset store
func NewAssetStore(dir string, index *AssetIndex, remote domain.RemoteFetch, logger *zap.Logger) *AssetStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetStore{dir: dir, index: index, remote: remote, logger: logger}
}

// AssetKey returns the content address of an absolute URL
func AssetKey(absoluteURL string) string {
	sum := sha256.Sum256([]byte(absoluteURL))
	return hex.EncodeToString(sum[:])
}

// Ensure returns the local record for absoluteURL, fetching it if it is not
// already on disk. Concurrent callers for the same URL share one fetch.
func (s *AssetStore) Ensure(ctx context.Context, absoluteURL string) (*AssetRecord, error) {
	key := AssetKey(absoluteURL)
	if rec, ok := s.index.Get(key); ok && fileExists(rec.Path) {
		return rec, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if rec, ok := s.index.Get(key); ok {
			if fileExists(rec.Path) {
				return rec, nil
			}
			// the file was removed behind the index
			if err := s.index.Delete(key); err != nil {
				s.logger.Warn("Failed to drop stale asset record", zap.String("url", absoluteURL), zap.Error(err))
			}
		}
		data, err := s.remote.GetAsset(ctx, absoluteURL)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return nil, err
		}
		filePath := filepath.Join(s.dir, key+assetExt(absoluteURL))
		if err := writeFileAtomic(filePath, data); err != nil {
			return nil, err
		}
		rec := &AssetRecord{
			Key:       key,
			URL:       absoluteURL,
			Path:      filePath,
			Bytes:     int64(len(data)),
			FetchedAt: time.Now(),
		}
		if err := s.index.Put(rec); err != nil {
			s.logger.Warn("Failed to index asset", zap.String("url", absoluteURL), zap.Error(err))
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AssetRecord), nil
}

func assetExt(absoluteURL string) string {
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 6 {
		return ""
	}
	return ext
}

func writeFileAtomic(filePath string, data []byte) error {
	tmp := filePath + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
