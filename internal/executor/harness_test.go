package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"worker/internal/controlplane"
	"worker/internal/engine"
	"worker/internal/storage"
	"worker/internal/watermark"
)

// fakeControlPlane records every worker call so tests can assert on the
// exact PATCH sequence a job produced.
type fakeControlPlane struct {
	mu sync.Mutex

	allowed       map[string]bool
	consentStatus int // non-zero forces this HTTP status on consent checks
	presets       map[string]map[string]string

	consentCalls      int
	trainingPatches   []map[string]any
	generationPatches []map[string]any
	usageReports      []map[string]any

	server *httptest.Server
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	f := &fakeControlPlane{
		allowed: map[string]bool{},
		presets: map[string]map[string]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/internal/worker")
	switch {
	case strings.HasPrefix(path, "/subjects/"):
		f.consentCalls++
		if f.consentStatus != 0 {
			w.WriteHeader(f.consentStatus)
			return
		}
		subjectID := strings.TrimPrefix(path, "/subjects/")
		json.NewEncoder(w).Encode(map[string]bool{"allowed": f.allowed[subjectID]})
	case strings.HasPrefix(path, "/training-jobs/"):
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.trainingPatches = append(f.trainingPatches, body)
	case strings.HasPrefix(path, "/generation-jobs/"):
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.generationPatches = append(f.generationPatches, body)
	case strings.HasPrefix(path, "/presets/"):
		presetID := strings.TrimPrefix(path, "/presets/")
		preset, ok := f.presets[presetID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(preset)
	case path == "/gpu-usage":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.usageReports = append(f.usageReports, body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeControlPlane) client() *controlplane.Client {
	return controlplane.NewClient(controlplane.Options{
		AppURL: f.server.URL,
		Secret: "test-secret",
	})
}

func (f *fakeControlPlane) trainingStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var statuses []string
	for _, patch := range f.trainingPatches {
		statuses = append(statuses, patch["status"].(string))
	}
	return statuses
}

func (f *fakeControlPlane) generationStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var statuses []string
	for _, patch := range f.generationPatches {
		statuses = append(statuses, patch["status"].(string))
	}
	return statuses
}

// trackingStore counts transfers and can be told to fail uploads into a
// given bucket.
type trackingStore struct {
	inner storage.Store

	mu            sync.Mutex
	downloads     int
	uploads       int
	failUploadsTo storage.Bucket
}

func (s *trackingStore) Download(ctx context.Context, bucket storage.Bucket, objectPath, destPath string) error {
	s.mu.Lock()
	s.downloads++
	s.mu.Unlock()
	return s.inner.Download(ctx, bucket, objectPath, destPath)
}

func (s *trackingStore) Upload(ctx context.Context, bucket storage.Bucket, localPath, objectPath, contentType string) error {
	s.mu.Lock()
	s.uploads++
	fail := s.failUploadsTo != "" && s.failUploadsTo == bucket
	s.mu.Unlock()
	if fail {
		return os.ErrPermission
	}
	return s.inner.Upload(ctx, bucket, localPath, objectPath, contentType)
}

func (s *trackingStore) downloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

// fakeGeneration records requests and writes a placeholder output image.
type fakeGeneration struct {
	mu    sync.Mutex
	calls []engine.GenerateRequest
	err   error
}

func (f *fakeGeneration) Generate(ctx context.Context, req engine.GenerateRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("generated-image"), 0o644)
}

func (f *fakeGeneration) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGeneration) lastCall(t *testing.T) engine.GenerateRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("generation engine was never invoked")
	}
	return f.calls[len(f.calls)-1]
}

// fakeTraining records requests and produces an artifact file.
type fakeTraining struct {
	mu    sync.Mutex
	calls []engine.TrainRequest
	err   error
}

func (f *fakeTraining) Train(ctx context.Context, req engine.TrainRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", err
	}
	artifact := filepath.Join(req.OutputDir, "lora.safetensors")
	if err := os.WriteFile(artifact, []byte("weights"), 0o644); err != nil {
		return "", err
	}
	return artifact, nil
}

func (f *fakeTraining) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testEnv bundles the wired executor with its fakes.
type testEnv struct {
	cp       *fakeControlPlane
	store    *trackingStore
	files    *storage.FileStore
	gen      *fakeGeneration
	training *fakeTraining
	exec     *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cp := newFakeControlPlane(t)
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store := &trackingStore{inner: files}
	gen := &fakeGeneration{}
	training := &fakeTraining{}

	exec, err := New(Options{
		ControlPlane:  cp.client(),
		Store:         store,
		Generation:    gen,
		Training:      training,
		Marker:        watermark.New(watermark.Options{}),
		TrainingSteps: 500,
	})
	if err != nil {
		t.Fatalf("New executor: %v", err)
	}
	return &testEnv{cp: cp, store: store, files: files, gen: gen, training: training, exec: exec}
}

func (env *testEnv) seedUpload(t *testing.T, key, content string) {
	t.Helper()
	env.seedObject(t, storage.BucketUploads, key, content)
}

func (env *testEnv) seedObject(t *testing.T, bucket storage.Bucket, key, content string) {
	t.Helper()
	full := filepath.Join(env.files.BasePath(), string(bucket), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("seed mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}
}

func (env *testEnv) objectExists(bucket storage.Bucket, key string) bool {
	full := filepath.Join(env.files.BasePath(), string(bucket), filepath.FromSlash(key))
	_, err := os.Stat(full)
	return err == nil
}
