package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/services"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/testutil/mediatest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockHlsService struct {
	mock.Mock
}

func (m *mockHlsService) StartHlsTranscoding(ctx context.Context, peer *domain.Peer, producer domain.Producer) (*domain.HlsStream, error) {
	args := m.Called(ctx, peer, producer)
	stream, _ := args.Get(0).(*domain.HlsStream)
	return stream, args.Error(1)
}

func (m *mockHlsService) StopHlsTranscoding(stream *domain.HlsStream) {
	m.Called(stream)
}

func (m *mockHlsService) IsHlsStreamReady(id domain.StreamID) bool {
	return m.Called(id).Bool(0)
}

func (m *mockHlsService) GetHlsStreamURL(id domain.StreamID) (string, error) {
	args := m.Called(id)
	return args.String(0), args.Error(1)
}

func (m *mockHlsService) GetStreamURLForProducer(producerID domain.ProducerID) (string, error) {
	args := m.Called(producerID)
	return args.String(0), args.Error(1)
}

func (m *mockHlsService) GetActiveStreams() []*domain.HlsStream {
	streams, _ := m.Called().Get(0).([]*domain.HlsStream)
	return streams
}

func (m *mockHlsService) ListAvailableStreams(ctx context.Context) ([]domain.HlsStreamInfo, error) {
	args := m.Called(ctx)
	streams, _ := args.Get(0).([]domain.HlsStreamInfo)
	return streams, args.Error(1)
}

func (m *mockHlsService) StopAll(ctx context.Context) {
	m.Called(ctx)
}

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	engine := gin.New()
	engine.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	return engine
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHlsHandler_ListStreams(t *testing.T) {
	hls := &mockHlsService{}
	hls.On("ListAvailableStreams", mock.Anything).Return([]domain.HlsStreamInfo{{
		ID:       "peer_producer",
		URL:      "http://localhost:4000/hls/peer_producer/playlist.m3u8",
		Name:     "Stream producer",
		IsActive: true,
	}}, nil)

	engine := newEngine(t)
	NewHlsHandler(hls).SetupRoutes(engine)

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/api/v1/hls/streams", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Streams []domain.HlsStreamInfo `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Streams, 1)
	assert.True(t, body.Streams[0].IsActive)
	hls.AssertExpectations(t)
}

func TestHlsHandler_GetStream(t *testing.T) {
	stream := domain.NewHlsStream("peer", "producer", t.TempDir(), 20000)
	require.True(t, stream.MarkActive())

	hls := &mockHlsService{}
	hls.On("GetHlsStreamURL", stream.ID).Return("http://localhost:4000"+stream.PlaylistURL, nil)
	hls.On("GetActiveStreams").Return([]*domain.HlsStream{stream})
	hls.On("IsHlsStreamReady", stream.ID).Return(true)
	hls.On("GetHlsStreamURL", domain.StreamID("peer_missing")).Return("", domain.ErrStreamNotFound)

	engine := newEngine(t)
	NewHlsHandler(hls).SetupRoutes(engine)

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/api/v1/hls/streams/"+string(stream.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(stream.ID), body["id"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["ready"])

	w = serve(engine, httptest.NewRequest(http.MethodGet, "/api/v1/hls/streams/peer_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(engine, httptest.NewRequest(http.MethodGet, "/api/v1/hls/streams/nounderscore", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMediaHandler_Capabilities(t *testing.T) {
	engine := newEngine(t)
	NewMediaHandler(mediatest.NewRouter()).SetupRoutes(engine)

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/api/v1/router/capabilities", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var caps domain.RtpCapabilities
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &caps))
	assert.Len(t, caps.Codecs, 2)
}

func TestAuthHandler_IssueAndRefresh(t *testing.T) {
	auth := services.NewAuthService("test-secret", 15*time.Minute, time.Hour)
	engine := newEngine(t)
	NewAuthHandler(auth, 15*time.Minute).SetupRoutes(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(`{"username":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(engine, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var issued struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, 900, issued.ExpiresIn)

	claims, err := auth.ValidateToken(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh",
		bytes.NewBufferString(`{"refresh_token":"`+issued.RefreshToken+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w = serve(engine, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh",
		bytes.NewBufferString(`{"refresh_token":"`+issued.AccessToken+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w = serve(engine, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_RejectsBadUsername(t *testing.T) {
	engine := newEngine(t)
	NewAuthHandler(services.NewAuthService("s", time.Minute, time.Hour), time.Minute).SetupRoutes(engine)

	for _, body := range []string{`{}`, `{"username":"a"}`, `{"username":"bad name!"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := serve(engine, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestRegisterHlsFiles(t *testing.T) {
	dir := t.TempDir()
	streamDir := filepath.Join(dir, "peer_producer")
	require.NoError(t, os.MkdirAll(streamDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(streamDir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(streamDir, "segment_000.ts"), []byte{0x47}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(streamDir, "input.sdp"), []byte("v=0\r\n"), 0o644))

	engine := gin.New()
	RegisterHlsFiles(engine, dir)

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/hls/peer_producer/playlist.m3u8", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "#EXTM3U\n", w.Body.String())
	assert.Equal(t, "no-cache, no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))

	w = serve(engine, httptest.NewRequest(http.MethodGet, "/hls/peer_producer/segment_000.ts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))

	w = serve(engine, httptest.NewRequest(http.MethodGet, "/hls/peer_producer/input.sdp", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(engine, httptest.NewRequest(http.MethodGet, "/hls/peer_producer/missing.m3u8", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
