package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmedia/internal/domain"
	"feedmedia/internal/service"
	"feedmedia/internal/service/memstore"
)

type memoryPosts struct {
	mu    sync.Mutex
	posts []*domain.Post
	err   error
}

func (m *memoryPosts) Create(ctx context.Context, post *domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, p := range m.posts {
		if p.ObjectName == post.ObjectName {
			post.PostID = p.PostID
			return nil
		}
	}
	m.posts = append(m.posts, post)
	return nil
}

func (m *memoryPosts) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type testServer struct {
	router *chi.Mux
	store  *memstore.Store
	posts  *memoryPosts
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memstore.New("https://cdn.example.com/media")
	retrier := service.NewRetrier(2, 0, 0)
	names := service.NewNameResolver(store, service.NewMemoryNameCounter(), retrier, 0)
	uploads := service.NewUploadCoordinator(store, service.NewMemorySessionStore(), names, retrier, 0)
	posts := &memoryPosts{}
	feeds := service.NewFeedService(uploads, posts, nil)

	r := chi.NewRouter()
	r.Post("/uploadFeed", NewFeedHandler(feeds, 0).UploadFeed)
	r.Get("/stream/{objectName}", NewMediaHandler(service.NewRangeStreamer(store, retrier)).Stream)
	r.Get("/health", NewHealthHandler(map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	}).Health)

	return &testServer{router: r, store: store, posts: posts}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile("file", fields["fileName"])
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploadFeed", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) messageResponse {
	t.Helper()
	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestUploadFeedWholeFile(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{
		"userId":      "u-1",
		"userName":    "alice",
		"profilePic":  "https://cdn.example.com/alice.png",
		"fileName":    "clip.mp4",
		"description": "hello",
	}, []byte("video-bytes")))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeMessage(t, rec)
	assert.Equal(t, "feed uploaded successfully", resp.Message)
	assert.Equal(t, "https://cdn.example.com/media/clip.mp4", resp.FeedURL)
	assert.NotEmpty(t, resp.FeedID)

	require.Len(t, s.posts.posts, 1)
	post := s.posts.posts[0]
	assert.Equal(t, "alice", post.AuthorUsername)
	assert.Equal(t, "hello", post.Caption)
	assert.Equal(t, "video/mp4", post.ContentType)
	assert.Equal(t, int64(len("video-bytes")), post.SizeBytes)
}

func TestUploadFeedChunked(t *testing.T) {
	s := newTestServer(t)
	chunks := []string{"aaa", "bbb", "cc"}

	for _, i := range []int{2, 0, 1} {
		rec := s.do(uploadRequest(t, map[string]string{
			"userId":      "u-1",
			"fileName":    "clip.mp4",
			"chunkIndex":  strconv.Itoa(i),
			"totalChunks": "3",
		}, []byte(chunks[i])))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeMessage(t, rec)
		if i == 1 {
			assert.Equal(t, "feed uploaded successfully", resp.Message)
			assert.Equal(t, "https://cdn.example.com/media/clip.mp4", resp.FeedURL)
		} else {
			assert.Equal(t, "chunk staged", resp.Message)
			assert.Empty(t, resp.FeedURL)
		}
	}

	data, _, ok := s.store.Object("clip.mp4")
	require.True(t, ok)
	assert.Equal(t, "aaabbbcc", string(data))
	assert.Len(t, s.posts.posts, 1)
}

func TestUploadFeedValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		fields map[string]string
		data   []byte
	}{
		{"missing file", map[string]string{"userId": "u", "fileName": "a.mp4"}, nil},
		{"missing user", map[string]string{"fileName": "a.mp4"}, []byte("x")},
		{"missing file name", map[string]string{"userId": "u"}, []byte("x")},
		{"chunk index without total", map[string]string{"userId": "u", "fileName": "a.mp4", "chunkIndex": "0"}, []byte("x")},
		{"non numeric index", map[string]string{"userId": "u", "fileName": "a.mp4", "chunkIndex": "one", "totalChunks": "2"}, []byte("x")},
		{"index out of range", map[string]string{"userId": "u", "fileName": "a.mp4", "chunkIndex": "2", "totalChunks": "2"}, []byte("x")},
		{"zero total", map[string]string{"userId": "u", "fileName": "a.mp4", "chunkIndex": "0", "totalChunks": "0"}, []byte("x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(uploadRequest(t, tt.fields, tt.data))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	assert.Empty(t, s.posts.posts)
}

func TestUploadFeedRecorderFailureIsGeneric(t *testing.T) {
	s := newTestServer(t)
	s.posts.err = errors.New("pq: connection refused to 10.0.0.5")

	rec := s.do(uploadRequest(t, map[string]string{"userId": "u", "fileName": "a.mp4"}, []byte("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestUploadFeedChunkedRecoversFromRecorderFailure(t *testing.T) {
	s := newTestServer(t)
	chunk := func(i int, data string) *http.Request {
		return uploadRequest(t, map[string]string{
			"userId":      "u-1",
			"fileName":    "clip.mp4",
			"chunkIndex":  strconv.Itoa(i),
			"totalChunks": "2",
		}, []byte(data))
	}

	require.Equal(t, http.StatusOK, s.do(chunk(0, "aa")).Code)

	s.posts.setErr(errors.New("pq: connection refused"))
	rec := s.do(chunk(1, "bb"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, s.posts.posts)

	s.posts.setErr(nil)
	rec = s.do(chunk(1, "bb"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeMessage(t, rec)
	assert.Equal(t, "feed uploaded successfully", resp.Message)
	assert.Equal(t, "https://cdn.example.com/media/clip.mp4", resp.FeedURL)
	assert.NotEmpty(t, resp.FeedID)
	require.Len(t, s.posts.posts, 1)
	assert.Equal(t, s.posts.posts[0].PostID.String(), resp.FeedID)

	data, _, ok := s.store.Object("clip.mp4")
	require.True(t, ok)
	assert.Equal(t, "aabb", string(data))
}

func seedObject(t *testing.T, s *testServer, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err := s.store.Upload(context.Background(), name, data, "video/mp4")
	require.NoError(t, err)
	return data
}

func TestStreamQueryRange(t *testing.T) {
	s := newTestServer(t)
	data := seedObject(t, s, "clip.mp4", 1000)

	tests := []struct {
		query string
		want  []byte
	}{
		{"?startByte=0&endByte=99", data[0:100]},
		{"?startByte=900&endByte=5000", data[900:1000]},
		{"?startByte=500", data[500:]},
		{"?startByte=0&endByte=-1", data},
		{"?startByte=990&endByte=-3", data[990:]},
		{"", data},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(http.MethodGet, "/stream/clip.mp4"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
			assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
			assert.Equal(t, strconv.Itoa(len(tt.want)), rec.Header().Get("Content-Length"))
			assert.Equal(t, tt.want, rec.Body.Bytes())
		})
	}
}

func TestStreamRangeHeader(t *testing.T) {
	s := newTestServer(t)
	data := seedObject(t, s, "clip.mp4", 1000)

	req := httptest.NewRequest(http.MethodGet, "/stream/clip.mp4", nil)
	req.Header.Set("Range", "bytes=100-199")
	rec := s.do(req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[100:200], rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/stream/clip.mp4", nil)
	req.Header.Set("Range", "bytes=-10")
	rec = s.do(req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 990-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[990:], rec.Body.Bytes())
}

func TestStreamErrors(t *testing.T) {
	s := newTestServer(t)
	seedObject(t, s, "clip.mp4", 1000)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing object", "/stream/nope.mp4", "", http.StatusNotFound},
		{"start after end", "/stream/clip.mp4?startByte=10&endByte=5", "", http.StatusRequestedRangeNotSatisfiable},
		{"start past end of object", "/stream/clip.mp4?startByte=1000", "", http.StatusRequestedRangeNotSatisfiable},
		{"bad start", "/stream/clip.mp4?startByte=abc", "", http.StatusBadRequest},
		{"bad end", "/stream/clip.mp4?endByte=last", "", http.StatusBadRequest},
		{"multiple ranges", "/stream/clip.mp4", "bytes=0-1,5-6", http.StatusRequestedRangeNotSatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Range", tt.header)
			}
			assert.Equal(t, tt.want, s.do(req).Code)
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"database": func(context.Context) error { return errors.New("down") },
	})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
