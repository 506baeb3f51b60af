package runner

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
	"time"

	"worker/internal/controlplane"
	"worker/internal/engine"
	"worker/internal/executor"
	"worker/internal/storage"
)

// jobsServer is a minimal control plane: it serves one fixed batch and
// records every job PATCH in arrival order.
type jobsServer struct {
	mu      sync.Mutex
	batch   map[string]any
	patches []string // "training/t1=failed" style entries

	server *httptest.Server
}

func newJobsServer(t *testing.T, batch map[string]any) *jobsServer {
	t.Helper()
	s := &jobsServer{batch: batch}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jobsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/internal/worker")
	switch {
	case path == "/jobs":
		json.NewEncoder(w).Encode(s.batch)
	case strings.HasPrefix(path, "/subjects/"):
		json.NewEncoder(w).Encode(map[string]bool{"allowed": true})
	case strings.HasPrefix(path, "/training-jobs/"):
		s.recordPatch(r, "training", strings.TrimPrefix(path, "/training-jobs/"))
	case strings.HasPrefix(path, "/generation-jobs/"):
		s.recordPatch(r, "generation", strings.TrimPrefix(path, "/generation-jobs/"))
	case path == "/gpu-usage":
		// accepted and discarded
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *jobsServer) recordPatch(r *http.Request, jobType, jobID string) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	status, _ := body["status"].(string)
	s.patches = append(s.patches, jobType+"/"+jobID+"="+status)
}

func (s *jobsServer) recordedPatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.patches...)
}

type scriptedGeneration struct {
	fn func(engine.GenerateRequest) error
}

func (g *scriptedGeneration) Generate(ctx context.Context, req engine.GenerateRequest) error {
	if g.fn != nil {
		return g.fn(req)
	}
	return os.WriteFile(req.OutputPath, []byte("generated"), 0o644)
}

func newRunner(t *testing.T, cp *controlplane.Client, gen engine.GenerationEngine, store storage.Store) *Runner {
	t.Helper()
	exec, err := executor.New(executor.Options{
		ControlPlane: cp,
		Store:        store,
		Generation:   gen,
	})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	r, err := New(Options{
		ControlPlane: cp,
		Executor:     exec,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	return r
}

func seedStore(t *testing.T, keys ...string) *storage.FileStore {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, key := range keys {
		full := filepath.Join(store.BasePath(), string(storage.BucketUploads), filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("seed mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("image"), 0o644); err != nil {
			t.Fatalf("seed write: %v", err)
		}
	}
	return store
}

func TestRunOnceExecutesTrainingBeforeGeneration(t *testing.T) {
	server := newJobsServer(t, map[string]any{
		"training_jobs": []map[string]any{
			// Only two sample paths, so this job fails fast; the loop must
			// still reach the generation job afterwards.
			{"id": "t1", "subject_id": "s1", "sample_paths": []string{"s1/a.jpg", "s1/b.jpg"}},
		},
		"generation_jobs": []map[string]any{
			{"id": "g1", "job_type": "lead_sample", "reference_image_path": "leads/1/ref.jpg"},
		},
	})
	cp := controlplane.NewClient(controlplane.Options{AppURL: server.server.URL, Secret: "s"})
	runner := newRunner(t, cp, &scriptedGeneration{}, seedStore(t, "leads/1/ref.jpg"))

	runner.RunOnce(context.Background())

	patches := server.recordedPatches()
	if len(patches) == 0 {
		t.Fatalf("no job patches recorded")
	}
	if !strings.HasPrefix(patches[0], "training/t1=") {
		t.Fatalf("first patch = %q, training jobs should run first", patches[0])
	}
	last := patches[len(patches)-1]
	if last != "generation/g1=completed" {
		t.Fatalf("last patch = %q, want generation/g1=completed", last)
	}
}

func TestRunOnceIndeterminatePollDoesNothing(t *testing.T) {
	cp := controlplane.NewClient(controlplane.Options{})
	runner := newRunner(t, cp, &scriptedGeneration{}, seedStore(t))

	// Must neither panic nor block; an unobserved queue is just a back-off.
	runner.RunOnce(context.Background())
}

func TestRunOnceIsolatesPanickingJob(t *testing.T) {
	server := newJobsServer(t, map[string]any{
		"generation_jobs": []map[string]any{
			{"id": "g-panic", "job_type": "lead_sample", "reference_image_path": "leads/1/ref.jpg"},
			{"id": "g-ok", "job_type": "lead_sample", "reference_image_path": "leads/1/ref.jpg"},
		},
	})
	cp := controlplane.NewClient(controlplane.Options{AppURL: server.server.URL, Secret: "s"})
	gen := &scriptedGeneration{fn: func(req engine.GenerateRequest) error {
		if strings.Contains(req.OutputPath, "g-panic") {
			panic("engine blew up")
		}
		return os.WriteFile(req.OutputPath, []byte("generated"), 0o644)
	}}
	runner := newRunner(t, cp, gen, seedStore(t, "leads/1/ref.jpg"))

	runner.RunOnce(context.Background())

	var sawOK bool
	for _, patch := range server.recordedPatches() {
		if patch == "generation/g-ok=completed" {
			sawOK = true
		}
	}
	if !sawOK {
		t.Fatalf("panicking job halted the batch; patches: %v", server.recordedPatches())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := newJobsServer(t, map[string]any{})
	cp := controlplane.NewClient(controlplane.Options{AppURL: server.server.URL, Secret: "s"})
	runner := newRunner(t, cp, &scriptedGeneration{}, seedStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run returned nil after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for missing control plane")
	}
	cp := controlplane.NewClient(controlplane.Options{})
	exec, err := executor.New(executor.Options{ControlPlane: cp, Store: seedStore(t)})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	if _, err := New(Options{ControlPlane: cp, Executor: exec}); err == nil {
		t.Fatalf("expected error for non-positive poll interval")
	}
}
