package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platilloadmin/internal/config"
	"platilloadmin/internal/metrics"
	"platilloadmin/internal/platillo"
	"platilloadmin/internal/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x01}, 2048)...)

type memRecords struct {
	mu       sync.Mutex
	items    []platillo.MenuItem
	failNext int
}

func (m *memRecords) AddRecord(_ context.Context, collection string, item platillo.MenuItem) (platillo.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return platillo.MenuItem{}, errors.New("backend unavailable")
	}
	item.ID = fmt.Sprintf("%s-%d", collection, len(m.items)+1)
	item.CreatedAt = time.Now().UTC()
	m.items = append(m.items, item)
	return item, nil
}

func (m *memRecords) List(_ context.Context, _ string, _ int) ([]platillo.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]platillo.MenuItem, len(m.items))
	for i, it := range m.items {
		out[len(m.items)-1-i] = it
	}
	return out, nil
}

func (m *memRecords) saved() []platillo.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platillo.MenuItem(nil), m.items...)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	release chan struct{}
	during  func()
}

func (f *fakeStore) Upload(_ context.Context, container, name, _ string, body io.Reader, size int64, progress storage.ProgressFunc) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if progress != nil {
		progress(size/2, size)
		progress(size, size)
	}
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[container+"/"+name] = data
	return name, nil
}

func (f *fakeStore) ResolveDownloadURL(ctx context.Context, container, fileID string) (string, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[container+"/"+fileID]; !ok {
		return "", storage.ErrNotFound
	}
	return "https://cdn.test/" + container + "/" + fileID, nil
}

type formResp struct {
	Success  bool                 `json:"success"`
	Message  string               `json:"message"`
	ID       string               `json:"id"`
	State    platillo.FormState   `json:"state"`
	Errors   map[string]string    `json:"errors"`
	Redirect string               `json:"redirect"`
	Platillo platillo.MenuItem    `json:"platillo"`
	Upload   platillo.UploadState `json:"upload"`
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	records *memRecords
	store   *fakeStore
}

func testConfig(policy string) config.Config {
	return config.Config{
		UploadContainer:   "productos",
		RecordsCollection: "productos",
		MenuPath:          "/menu",
		ImagePolicy:       policy,
		ImageMaxBytes:     1 << 20,
		URLResolveTimeout: 2 * time.Second,
		FormTTL:           time.Minute,
	}
}

func newTestEnv(t *testing.T, policy string, store *fakeStore) *testEnv {
	t.Helper()
	recs := &memRecords{}
	s, err := NewServer(testConfig(policy), nil, recs, store, metrics.New())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &testEnv{srv: s, http: ts, records: recs, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, formResp) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out formResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) open(t *testing.T) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/admin/platillos/forms", nil)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out.ID)
	return out.ID
}

func (e *testEnv) fill(t *testing.T, id string, values map[string]string) {
	t.Helper()
	for field, value := range values {
		status, _ := e.do(t, http.MethodPut, "/admin/platillos/forms/"+id+"/fields/"+field, map[string]string{"value": value})
		require.Equal(t, http.StatusOK, status)
	}
}

func (e *testEnv) upload(t *testing.T, id, filename string, data []byte) (int, formResp) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("imagen", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.http.URL+"/admin/platillos/forms/"+id+"/imagen", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out formResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) waitPhase(t *testing.T, id string, want platillo.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, out := e.do(t, http.MethodGet, "/admin/platillos/forms/"+id, nil)
		return out.State.Upload.Phase == want
	}, 2*time.Second, 10*time.Millisecond)
}

var tacos = map[string]string{
	"nombre":      "Tacos",
	"precio":      "45",
	"categoria":   "comida",
	"descripcion": "Tacos de asada con cebolla",
}

func TestCreatePlatilloEndToEnd(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)
	env.fill(t, id, tacos)

	status, up := env.upload(t, id, "tacos.png", pngBytes)
	require.Equal(t, http.StatusAccepted, status)
	assert.True(t, up.Success)
	assert.Equal(t, 100, up.Upload.ProgressPercent)
	assert.True(t, strings.HasSuffix(up.Upload.FileID, ".png"), up.Upload.FileID)

	env.waitPhase(t, id, platillo.PhaseReady)

	status, out := env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.Equal(t, "/menu", out.Redirect)
	assert.Equal(t, "Tacos", out.Platillo.Name)
	assert.Equal(t, 45.0, out.Platillo.Price)
	assert.Equal(t, platillo.CategoryLunch, out.Platillo.Category)
	assert.True(t, out.Platillo.Available)
	assert.Equal(t, "https://cdn.test/productos/"+up.Upload.FileID, out.Platillo.ImageURL)

	require.Len(t, env.records.saved(), 1)

	// The form is unmounted after navigating away.
	status, _ = env.do(t, http.MethodGet, "/admin/platillos/forms/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Get(env.http.URL + "/menu")
	require.NoError(t, err)
	defer resp.Body.Close()
	var menu struct {
		Success   bool                `json:"success"`
		Platillos []platillo.MenuItem `json:"platillos"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&menu))
	require.Len(t, menu.Platillos, 1)
	assert.Equal(t, "Tacos", menu.Platillos[0].Name)
}

func TestSubmitInvalidShowsAllErrors(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)
	env.fill(t, id, map[string]string{"nombre": "Ta"})

	status, out := env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, out.Success)
	assert.Len(t, out.Errors, 4)
	assert.NotEmpty(t, out.Errors["nombre"])
	assert.Len(t, out.State.Touched, 4)
	assert.Empty(t, env.records.saved())
}

func TestFieldErrorsAppearAfterBlur(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)

	_, out := env.do(t, http.MethodPut, "/admin/platillos/forms/"+id+"/fields/precio", map[string]string{"value": "abc"})
	assert.Empty(t, out.State.Errors)

	_, out = env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/fields/precio/blur", nil)
	assert.NotEmpty(t, out.State.Errors[platillo.FieldPrice])
	assert.False(t, out.State.CanSubmit)
}

func TestUnknownFormAndField(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})

	status, out := env.do(t, http.MethodGet, "/admin/platillos/forms/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, out.Success)

	id := env.open(t)
	status, _ = env.do(t, http.MethodPut, "/admin/platillos/forms/"+id+"/fields/color", map[string]string{"value": "rojo"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodDelete, "/admin/platillos/forms/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodDelete, "/admin/platillos/forms/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUploadRejectsNonImage(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)

	status, out := env.upload(t, id, "notes.txt", []byte("hola, esto no es una imagen"))
	assert.Equal(t, http.StatusUnsupportedMediaType, status)
	assert.False(t, out.Success)

	_, state := env.do(t, http.MethodGet, "/admin/platillos/forms/"+id, nil)
	assert.Equal(t, platillo.PhaseIdle, state.State.Upload.Phase)
}

func TestSubmitBlockedWhileURLResolves(t *testing.T) {
	store := &fakeStore{release: make(chan struct{})}
	env := newTestEnv(t, "optional", store)
	id := env.open(t)
	env.fill(t, id, tacos)

	status, _ := env.upload(t, id, "tacos.png", pngBytes)
	require.Equal(t, http.StatusAccepted, status)

	status, out := env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, out.Success)
	assert.Empty(t, env.records.saved())

	close(store.release)
	env.waitPhase(t, id, platillo.PhaseReady)

	status, out = env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, out.Platillo.ImageURL)
}

func TestRequiredImagePolicy(t *testing.T) {
	env := newTestEnv(t, "required", &fakeStore{})
	id := env.open(t)
	env.fill(t, id, tacos)

	status, _ := env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestPersistFailureSurfacesNotice(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	env.records.failNext = 1
	id := env.open(t)
	env.fill(t, id, tacos)

	status, out := env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, platillo.PersistFailedNotice, out.Message)

	// The draft survives and a retry goes through.
	status, out = env.do(t, http.MethodPost, "/admin/platillos/forms/"+id+"/submit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Tacos", out.Platillo.Name)
	assert.Empty(t, out.Platillo.ImageURL)
}

func TestUploadWithoutStore(t *testing.T) {
	recs := &memRecords{}
	s, err := NewServer(testConfig("optional"), nil, recs, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()
	env := &testEnv{srv: s, http: ts, records: recs}

	id := env.open(t)
	status, _ := env.upload(t, id, "tacos.png", pngBytes)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestInvalidImagePolicy(t *testing.T) {
	_, err := NewServer(testConfig("sometimes"), nil, &memRecords{}, nil, nil)
	assert.ErrorIs(t, err, platillo.ErrInvalidPolicy)
}

func TestUploadEventsOverWebsocket(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/admin/platillos/forms/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello FormEvent
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	fs, err := env.srv.forms.get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return fs.hub.clientCount() == 1
	}, time.Second, 5*time.Millisecond)

	status, _ := env.upload(t, id, "tacos.png", pngBytes)
	require.Equal(t, http.StatusAccepted, status)

	var phases []platillo.Phase
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev FormEvent
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, eventUpload, ev.Type)
		var st platillo.UploadState
		require.NoError(t, json.Unmarshal(ev.Payload, &st))
		if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
			phases = append(phases, st.Phase)
		}
		if st.Phase == platillo.PhaseReady {
			assert.NotEmpty(t, st.ResolvedURL)
			break
		}
	}
	assert.Equal(t, []platillo.Phase{platillo.PhaseUploading, platillo.PhaseAwaitingURL, platillo.PhaseReady}, phases)
}

func TestSweepClosesIdleForms(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)
	env.open(t)

	reg := env.srv.forms
	base := time.Now()
	reg.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := reg.get(id)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.sweep())
	assert.Equal(t, 1, reg.len())
	_, err = reg.get(id)
	assert.NoError(t, err)
}

func TestSPAHandlerFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>admin</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	h := SPAHandler(dir)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/platillos/nuevo", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSweepKeepsFormsWithUploadInFlight(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)
	reg := env.srv.forms

	fs, err := reg.get(id)
	require.NoError(t, err)
	require.NoError(t, fs.upload.BeginUpload())

	base := time.Now()
	reg.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Zero(t, reg.sweep(), "a transfer longer than the ttl must not expire the form")
	assert.Equal(t, 1, reg.len())

	fs.upload.OnUploadError(errors.New("connection reset"))
	assert.Equal(t, 1, reg.sweep())
	assert.Zero(t, reg.len())
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	env := newTestEnv(t, "optional", &fakeStore{})
	id := env.open(t)
	reg := env.srv.forms

	later := time.Now().Add(5 * time.Minute)
	reg.now = func() time.Time { return later }
	require.NoError(t, reg.touch(id))

	reg.now = func() time.Time { return later.Add(30 * time.Second) }
	assert.Zero(t, reg.sweep())

	assert.ErrorIs(t, reg.touch("missing"), ErrFormNotFound)
}

func TestUploadAnswersGoneWhenFormClosedMidTransfer(t *testing.T) {
	store := &fakeStore{}
	env := newTestEnv(t, "optional", store)
	id := env.open(t)
	store.during = func() { _ = env.srv.forms.close(id) }

	status, out := env.upload(t, id, "tacos.png", pngBytes)
	assert.Equal(t, http.StatusGone, status)
	assert.False(t, out.Success)
}
