package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"VinoDetServer/engine"
	iface "VinoDetServer/interface"
	"VinoDetServer/store"
	"VinoDetServer/worker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	path string
}

func (m *MockBackend) Detect(ctx context.Context, image []byte) iface.RetData {
	switch string(image) {
	case "broken":
		return iface.RetData{Success: false, Data: []iface.BoundingBox{}, Message: "infer: device lost"}
	case "blank":
		return iface.RetData{Success: true, Data: []iface.BoundingBox{}}
	}
	return iface.RetData{Success: true, Data: []iface.BoundingBox{
		{LabelID: 3, Label: "car", Confidence: 0.9, Coords: [4]int{10, 10, 50, 50}},
	}}
}

func (m *MockBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Name: "mock", Architecture: "ssd", ModelPath: m.path, Device: "CPU", State: engine.IDLE}
}

func (m *MockBackend) Destroy() {}

func (m *MockBackend) Reload(path string) error {
	if strings.HasPrefix(filepath.Base(path), "bad") {
		return errors.New("model shape mismatch")
	}
	m.path = path
	return nil
}

func (m *MockBackend) SwitchDevice(string) error { return nil }

type fakeHistory struct {
	model string
	limit int
}

func (h *fakeHistory) Recent(ctx context.Context, model string, limit int) ([]store.Entry, error) {
	h.model, h.limit = model, limit
	return []store.Entry{{ID: "e1", Model: "mock", Boxes: 1}}, nil
}

func newRouter(t *testing.T) (*Router, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := engine.NewRegistry()
	require.NoError(t, reg.Add("mock", &MockBackend{path: "mock.xml"}))
	pool := worker.NewPool(2, nil, nil)
	t.Cleanup(pool.Close)
	rt := &Router{
		Registry:    reg,
		Pool:        pool,
		History:     &fakeHistory{},
		ModelDir:    t.TempDir(),
		IdleTimeout: 200 * time.Millisecond,
	}
	return rt, rt.Engine()
}

func do(r http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestPingAndModels(t *testing.T) {
	_, r := newRouter(t)

	w := do(r, http.MethodGet, "/api/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", decode(t, w)["message"])

	w = do(r, http.MethodGet, "/api/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "idle", data[0].(map[string]any)["state"])

	w = do(r, http.MethodGet, "/api/models/mock", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodGet, "/api/models/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDetect(t *testing.T) {
	_, r := newRouter(t)

	t.Run("raw body", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/models/mock/detect", "image/jpeg", []byte("jpeg"))
		require.Equal(t, http.StatusOK, w.Code)
		m := decode(t, w)
		assert.Equal(t, true, m["success"])
		assert.NotEmpty(t, m["id"])
		results := m["results"].([]any)
		require.Len(t, results, 1)
		box := results[0].(map[string]any)
		assert.Equal(t, "car", box["label"])
		assert.Equal(t, []any{10.0, 10.0, 50.0, 50.0}, box["coords"])
	})

	t.Run("json data url", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("blank"))})
		w := do(r, http.MethodPost, "/api/models/mock/detect", "application/json", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []any{}, decode(t, w)["results"])
	})

	t.Run("bad base64", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/models/mock/detect", "application/json", []byte(`{"image":"%%%"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("backend failure", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/models/mock/detect", "application/octet-stream", []byte("broken"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "infer: device lost", decode(t, w)["message"])
	})

	t.Run("unknown model", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/models/nope/detect", "image/jpeg", []byte("jpeg"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestReload(t *testing.T) {
	rt, r := newRouter(t)
	v2 := filepath.Join(rt.ModelDir, "v2.xml")
	w := do(r, http.MethodPost, "/api/models/mock/reload", "application/json", []byte(`{"model":"v2.xml"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v2, decode(t, w)["data"].(map[string]any)["model_path"])

	w = do(r, http.MethodPost, "/api/models/mock/reload", "application/json", []byte(`{"model":"bad.xml"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, outside := range []string{"../v3.xml", "/tmp/v3.xml"} {
		body := []byte(`{"model":"` + outside + `"}`)
		w = do(r, http.MethodPost, "/api/models/mock/reload", "application/json", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, outside)
	}
	w = do(r, http.MethodGet, "/api/models/mock", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v2, decode(t, w)["data"].(map[string]any)["model_path"])
}

func TestUpload(t *testing.T) {
	rt, r := newRouter(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../model.xml")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("<net/>"))
	require.NoError(t, mw.Close())

	w := do(r, http.MethodPost, "/api/models/upload", mw.FormDataContentType(), body.Bytes())
	require.Equal(t, http.StatusOK, w.Code)
	path := filepath.Join(rt.ModelDir, "model.xml")
	assert.Equal(t, path, decode(t, w)["data"])
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<net/>", string(got))
}

func TestHistory(t *testing.T) {
	rt, r := newRouter(t)
	w := do(r, http.MethodGet, "/api/history?model=mock&limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)
	h := rt.History.(*fakeHistory)
	assert.Equal(t, "mock", h.model)
	assert.Equal(t, 5, h.limit)

	w = do(r, http.MethodGet, "/api/history?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rt.History = nil
	w = do(r, http.MethodGet, "/api/history", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDecodeBase64(t *testing.T) {
	raw := []byte("payload")
	enc := base64.StdEncoding.EncodeToString(raw)
	for _, in := range []string{enc, "data:image/jpeg;base64," + enc, " " + enc + "\n"} {
		got, err := DecodeBase64(in)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
	_, err := DecodeBase64("not base64!")
	assert.Error(t, err)
}

func TestWebsocketSession(t *testing.T) {
	_, r := newRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/mock", "application/json", nil)
	require.NoError(t, err)
	var alloc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alloc))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := alloc["sessionID"].(string)
	assert.Equal(t, 200.0, alloc["timeoutMs"])

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("binary frame", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("jpeg")))
		var reply detectResponse
		require.NoError(t, conn.ReadJSON(&reply))
		assert.True(t, reply.Success)
		require.Len(t, reply.Results, 1)
		assert.Equal(t, "car", reply.Results[0].Label)
	})

	t.Run("text frame with bad base64", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("???")))
		var reply wsError
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Contains(t, reply.Error, "invalid image")
	})

	t.Run("idle session is released", func(t *testing.T) {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

		resp, err := http.Get(srv.URL + "/ws/" + sessionID)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSessionErrors(t *testing.T) {
	_, r := newRouter(t)
	w := do(r, http.MethodPost, "/api/sessions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, http.MethodDelete, "/api/sessions/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/sessions/mock", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decode(t, w)["sessionID"].(string)
	w = do(r, http.MethodDelete, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
