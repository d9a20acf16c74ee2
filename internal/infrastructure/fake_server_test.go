package infrastructure

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// fakeMediaServer serves the subset of the media server API the client uses
type fakeMediaServer struct {
	*httptest.Server

	mu        sync.Mutex
	hits      map[string]int
	pages     map[int]string
	failPages map[int]int
	files     map[string][]byte
	assets    map[string][]byte
	cover     []byte
	detail    *domain.Detail
	apiKeys   []string
}

func newFakeMediaServer(t *testing.T) *fakeMediaServer {
	t.Helper()
	s := &fakeMediaServer{
		hits:      make(map[string]int),
		pages:     make(map[int]string),
		failPages: make(map[int]int),
		files:     make(map[string][]byte),
		assets:    make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeMediaServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	s.hits[key]++
	s.apiKeys = append(s.apiKeys, r.Header.Get("x-api-key"))

	switch {
	case strings.HasSuffix(r.URL.Path, "/book-page"):
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if code, ok := s.failPages[page]; ok {
			w.WriteHeader(code)
			return
		}
		markup, ok := s.pages[page]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(markup))

	case strings.HasSuffix(r.URL.Path, "/detail"):
		if s.detail == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(s.detail)

	case strings.HasPrefix(r.URL.Path, "/api/Series/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/Series/"), 10, 64)
		json.NewEncoder(w).Encode(domain.Series{ID: id, Name: "Series " + strconv.FormatInt(id, 10)})

	case strings.HasPrefix(r.URL.Path, "/api/Image/"):
		if s.cover == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(s.cover)

	case strings.HasPrefix(r.URL.Path, "/api/Reader/"), strings.HasPrefix(r.URL.Path, "/api/Download/"):
		data, ok := s.files[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="book.bin"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)

	case strings.HasPrefix(r.URL.Path, "/assets/"):
		data, ok := s.assets[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeMediaServer) hitCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *fakeMediaServer) setPage(page int, markup string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = markup
}

func (s *fakeMediaServer) failPage(page, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPages[page] = code
}

func (s *fakeMediaServer) healPage(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failPages, page)
}

func (s *fakeMediaServer) setFile(pathAndQuery string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[pathAndQuery] = data
}

func (s *fakeMediaServer) setAsset(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[path] = data
}

func (s *fakeMediaServer) remote() *HTTPRemote {
	return NewHTTPRemote(&domain.RemoteConfig{BaseURL: s.URL, APIKey: "secret"}, nil)
}

func pageHits(chapterID int64, page int) string {
	return "/api/Book/" + strconv.FormatInt(chapterID, 10) + "/book-page?page=" + strconv.Itoa(page)
}

// testPNG encodes a solid w x h image
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// switchGate is a network gate toggled by tests
type switchGate struct {
	deferred atomic.Bool
}

func (g *switchGate) ShouldDeferNetworkWork() bool {
	return g.deferred.Load()
}
