package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// HTTPRemote implements domain.RemoteFetch against the media server REST API
type HTTPRemote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall deadline: a large file may take longer
	// than timeout to arrive. Only connecting and waiting for headers are
	// bounded; the caller's context ends the transfer.
	streamClient *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// NewHTTPRemote creates a new media server client. Requests are throttled to
// config.RequestsPerSecond.
func NewHTTPRemote(config *domain.RemoteConfig, logger *zap.Logger) *HTTPRemote {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPRemote{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		apiKey:       config.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: streamTransport(timeout)},
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
	}
}

func streamTransport(timeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return transport
}

// BaseURL returns the server base URL
func (c *HTTPRemote) BaseURL() string {
	return c.baseURL
}

// do performs a throttled, authenticated GET and returns the open response
// for 2xx statuses
func (c *HTTPRemote) do(ctx context.Context, client *http.Client, reqURL string) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, domain.ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" && strings.HasPrefix(reqURL, c.baseURL) {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		c.logger.Debug("Remote request failed",
			zap.String("url", reqURL),
			zap.Int("status", resp.StatusCode))
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode, URL: reqURL}
	}
	return resp, nil
}

func (c *HTTPRemote) getBytes(ctx context.Context, reqURL string) ([]byte, error) {
	resp, err := c.do(ctx, c.httpClient, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) == 0 {
		return nil, domain.ErrEmptyBody
	}
	return body, nil
}

func (c *HTTPRemote) getJSON(ctx context.Context, path string, query url.Values, dest interface{}) error {
	reqURL := c.baseURL + path
	if query != nil {
		reqURL += "?" + query.Encode()
	}
	body, err := c.getBytes(ctx, reqURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// GetSeries fetches one series
func (c *HTTPRemote) GetSeries(ctx context.Context, id int64) (*domain.Series, error) {
	var series domain.Series
	if err := c.getJSON(ctx, fmt.Sprintf("/api/Series/%d", id), nil, &series); err != nil {
		return nil, err
	}
	return &series, nil
}

// GetSeriesList fetches one page of series matching the filter
func (c *HTTPRemote) GetSeriesList(ctx context.Context, filter domain.ListFilter, page, pageSize int) ([]domain.Series, error) {
	query := url.Values{}
	query.Set("PageNumber", strconv.Itoa(page))
	query.Set("PageSize", strconv.Itoa(pageSize))
	if filter.LibraryID != 0 {
		query.Set("libraryId", strconv.FormatInt(filter.LibraryID, 10))
	}
	if filter.CollectionID != 0 {
		query.Set("collectionId", strconv.FormatInt(filter.CollectionID, 10))
	}
	if filter.ReadingList != 0 {
		query.Set("readingListId", strconv.FormatInt(filter.ReadingList, 10))
	}

	var series []domain.Series
	if err := c.getJSON(ctx, "/api/Series", query, &series); err != nil {
		return nil, err
	}
	return series, nil
}

// GetDetail fetches the complete detail snapshot of a series
func (c *HTTPRemote) GetDetail(ctx context.Context, seriesID int64) (*domain.Detail, error) {
	var detail domain.Detail
	if err := c.getJSON(ctx, fmt.Sprintf("/api/Series/%d/detail", seriesID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetPageContent fetches the raw markup of one book page
func (c *HTTPRemote) GetPageContent(ctx context.Context, chapterID int64, page int) (string, error) {
	reqURL := fmt.Sprintf("%s/api/Book/%d/book-page?page=%d", c.baseURL, chapterID, page)
	body, err := c.getBytes(ctx, reqURL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetFileStream opens a whole-file download. The caller closes the body.
func (c *HTTPRemote) GetFileStream(ctx context.Context, kind domain.FileKind, id int64) (*domain.FileStream, error) {
	path, err := filePath(kind, id)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, c.streamClient, c.baseURL+path)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength == 0 {
		resp.Body.Close()
		return nil, domain.ErrEmptyBody
	}
	return &domain.FileStream{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func filePath(kind domain.FileKind, id int64) (string, error) {
	switch kind {
	case domain.FileSeries:
		return fmt.Sprintf("/api/Download/series?seriesId=%d", id), nil
	case domain.FileVolume:
		return fmt.Sprintf("/api/Download/volume?volumeId=%d", id), nil
	case domain.FileChapter:
		return fmt.Sprintf("/api/Download/chapter?chapterId=%d", id), nil
	case domain.FilePDF:
		return fmt.Sprintf("/api/Reader/pdf?chapterId=%d", id), nil
	case domain.FileArchive:
		return fmt.Sprintf("/api/Reader/archive?chapterId=%d", id), nil
	}
	return "", fmt.Errorf("unknown file kind: %s", kind)
}

// GetCover fetches the cover image bytes of an entity
func (c *HTTPRemote) GetCover(ctx context.Context, kind domain.EntityKind, id int64) ([]byte, error) {
	var path string
	switch kind {
	case domain.KindSeries:
		path = fmt.Sprintf("/api/Image/series-cover?seriesId=%d", id)
	case domain.KindVolume:
		path = fmt.Sprintf("/api/Image/volume-cover?volumeId=%d", id)
	case domain.KindChapter:
		path = fmt.Sprintf("/api/Image/chapter-cover?chapterId=%d", id)
	case domain.KindCollection:
		path = fmt.Sprintf("/api/Image/collection-cover?collectionTagId=%d", id)
	case domain.KindReadingList:
		path = fmt.Sprintf("/api/Image/readinglist-cover?readingListId=%d", id)
	case domain.KindPerson:
		path = fmt.Sprintf("/api/Image/person-cover?personId=%d", id)
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	return c.getBytes(ctx, c.baseURL+path)
}

// GetAsset fetches an embedded page asset by absolute URL
func (c *HTTPRemote) GetAsset(ctx context.Context, absoluteURL string) ([]byte, error) {
	return c.getBytes(ctx, absoluteURL)
}
