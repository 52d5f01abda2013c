package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"visionforge/internal/config"
	"visionforge/internal/queue"
	"visionforge/internal/testsupport"
)

func newTestDaemon(t *testing.T, mutate func(cfg *config.Config)) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("close daemon: %v", err)
		}
	})
	return d
}

func startTestDaemon(t *testing.T) (*Daemon, string) {
	return startTestDaemonWith(t, nil)
}

func startTestDaemonWith(t *testing.T, mutate func(cfg *config.Config)) (*Daemon, string) {
	t.Helper()
	d := newTestDaemon(t, mutate)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	addr := d.Addr()
	if addr == "" {
		t.Fatal("daemon did not bind an address")
	}
	return d, "http://" + addr
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStartEnforcesSingleInstance(t *testing.T) {
	d, _ := startTestDaemon(t)

	second, err := New(d.cfg, nil)
	if err != nil {
		t.Fatalf("new second daemon: %v", err)
	}
	defer second.Close()

	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance must fail to start")
	}
}

func TestStartRequeuesInterruptedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := &queue.Job{
		Priority:       queue.PriorityLow,
		Status:         queue.StatusPending,
		PositivePrompt: "a lighthouse at dusk",
	}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Claim(ctx, job.ID, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Close()
	d.Queue().Pause()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Stop()

	got, err := d.Queue().Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Priority != queue.PriorityHigh {
		t.Fatalf("priority = %s, want high", got.Priority)
	}
	if got.StartedAt != nil {
		t.Fatal("started_at must be cleared on requeue")
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, base := startTestDaemon(t)

	var status Status
	if code := getJSON(t, base+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if !status.Running {
		t.Fatal("daemon must report running")
	}
	if status.Paused || status.PipelineActive {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestQueueEndpoints(t *testing.T) {
	d, base := startTestDaemon(t)
	d.Queue().Pause()

	var created queue.Job
	code := postJSON(t, base+"/api/queue", EnqueueRequest{
		PositivePrompt: "an overgrown greenhouse",
		Priority:       "low",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("enqueue code = %d", code)
	}
	if created.ID == "" || created.Priority != queue.PriorityLow {
		t.Fatalf("unexpected job: %+v", created)
	}
	if created.NegativePrompt == "" {
		t.Fatal("default negative prompt must be applied")
	}

	var listing struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if code := getJSON(t, base+"/api/queue", &listing); code != http.StatusOK {
		t.Fatalf("list code = %d", code)
	}
	if len(listing.Jobs) != 1 || listing.Jobs[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", listing.Jobs)
	}

	if code := postJSON(t, fmt.Sprintf("%s/api/queue/%s/priority", base, created.ID), ReorderRequest{Priority: "high"}, nil); code != http.StatusOK {
		t.Fatalf("reorder code = %d", code)
	}

	var fetched queue.Job
	if code := getJSON(t, base+"/api/queue/"+created.ID, &fetched); code != http.StatusOK {
		t.Fatalf("get code = %d", code)
	}
	if fetched.Priority != queue.PriorityHigh {
		t.Fatalf("priority = %s after reorder", fetched.Priority)
	}

	if code := postJSON(t, fmt.Sprintf("%s/api/queue/%s/cancel", base, created.ID), nil, nil); code != http.StatusOK {
		t.Fatalf("cancel code = %d", code)
	}
	if code := getJSON(t, base+"/api/queue/"+created.ID, &fetched); code != http.StatusOK {
		t.Fatalf("get code = %d", code)
	}
	if fetched.Status != queue.StatusCancelled {
		t.Fatalf("status = %s after cancel", fetched.Status)
	}

	if code := getJSON(t, base+"/api/queue/no-such-job", nil); code != http.StatusNotFound {
		t.Fatalf("missing job code = %d", code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	d, base := startTestDaemon(t)

	if code := postJSON(t, base+"/api/queue/pause", nil, nil); code != http.StatusOK {
		t.Fatalf("pause code = %d", code)
	}
	if !d.Queue().IsPaused() {
		t.Fatal("queue must be paused")
	}
	if code := postJSON(t, base+"/api/queue/resume", nil, nil); code != http.StatusOK {
		t.Fatalf("resume code = %d", code)
	}
	if d.Queue().IsPaused() {
		t.Fatal("queue must be resumed")
	}
}

func TestEventsEndpointReturnsPublished(t *testing.T) {
	d, base := startTestDaemon(t)
	d.Queue().Pause()

	var created queue.Job
	postJSON(t, base+"/api/queue", EnqueueRequest{PositivePrompt: "a paper crane armada"}, &created)
	postJSON(t, base+"/api/queue/"+created.ID+"/cancel", nil, nil)

	var resp EventsResponse
	if code := getJSON(t, base+"/api/events?since=0", &resp); code != http.StatusOK {
		t.Fatalf("events code = %d", code)
	}
	if len(resp.Events) == 0 {
		t.Fatal("expected at least one event")
	}
	found := false
	for _, evt := range resp.Events {
		if evt.Topic == "queue:job_cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("job_cancelled event missing: %+v", resp.Events)
	}
	if resp.Next == 0 {
		t.Fatal("next cursor must advance")
	}
}

func TestAuthMiddlewareGuardsEndpoints(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Paths.APIToken = "secret-token"

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "http://" + d.Addr()

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("unauthenticated get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated code = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated code = %d", resp.StatusCode)
	}
}

type fakeModelServer struct {
	*httptest.Server

	mu          sync.Mutex
	chattedWith []string
}

func newFakeModelServer(t *testing.T) *fakeModelServer {
	t.Helper()
	fake := &fakeModelServer{}
	fake.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, "Ollama is running")
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:8b","size":4661224676,"digest":"abc"}]}`)
		case "/api/chat":
			var req struct {
				Model string `json:"model"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode chat request: %v", err)
			}
			fake.mu.Lock()
			fake.chattedWith = append(fake.chattedWith, req.Model)
			fake.mu.Unlock()
			fmt.Fprint(w, `{"message":{"content":"ready"},"done":true}`)
		default:
			t.Errorf("unexpected model server path %s", r.URL.Path)
		}
	}))
	t.Cleanup(fake.Close)
	return fake
}

func newFakeBackendServer(t *testing.T, freed *sync.Map) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/system_stats":
			fmt.Fprint(w, `{"system":{}}`)
		case "/queue":
			fmt.Fprint(w, `{"queue_running":[["a"]],"queue_pending":[["b"],["c"]]}`)
		case "/free":
			if freed != nil {
				freed.Store("called", true)
			}
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected backend path %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestModelsEndpoint(t *testing.T) {
	models := newFakeModelServer(t)
	_, base := startTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Ollama.Endpoint = models.URL
	})

	var resp struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if code := getJSON(t, base+"/api/models", &resp); code != http.StatusOK {
		t.Fatalf("models code = %d", code)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "llama3:8b" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
	if resp.Models[0].Size != 4661224676 {
		t.Fatalf("size = %d", resp.Models[0].Size)
	}
}

func TestModelWarmEndpoint(t *testing.T) {
	models := newFakeModelServer(t)
	_, base := startTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Ollama.Endpoint = models.URL
	})

	if code := postJSON(t, base+"/api/models/warm", WarmModelRequest{Model: "llama3:8b"}, nil); code != http.StatusOK {
		t.Fatalf("warm code = %d", code)
	}
	models.mu.Lock()
	chatted := append([]string(nil), models.chattedWith...)
	models.mu.Unlock()
	if len(chatted) != 1 || chatted[0] != "llama3:8b" {
		t.Fatalf("model server saw chats %v", chatted)
	}

	if code := postJSON(t, base+"/api/models/warm", WarmModelRequest{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty model code = %d", code)
	}
}

func TestDoctorEndpoint(t *testing.T) {
	models := newFakeModelServer(t)
	backend := newFakeBackendServer(t, nil)
	_, base := startTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Ollama.Endpoint = models.URL
		cfg.ComfyUI.Endpoint = backend.URL
	})

	var report DoctorReport
	if code := getJSON(t, base+"/api/doctor", &report); code != http.StatusOK {
		t.Fatalf("doctor code = %d", code)
	}
	if !report.Ollama.Reachable || !report.ComfyUI.Reachable {
		t.Fatalf("services must be reachable: %+v", report)
	}
	if len(report.Models) != 1 {
		t.Fatalf("models = %+v", report.Models)
	}
	if report.BackendQueue == nil || report.BackendQueue.Running != 1 || report.BackendQueue.Pending != 2 {
		t.Fatalf("backend queue = %+v", report.BackendQueue)
	}
}

func TestDoctorReportsUnreachableServices(t *testing.T) {
	_, base := startTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Ollama.Endpoint = "http://127.0.0.1:1"
		cfg.ComfyUI.Endpoint = "http://127.0.0.1:1"
	})

	var report DoctorReport
	if code := getJSON(t, base+"/api/doctor", &report); code != http.StatusOK {
		t.Fatalf("doctor code = %d", code)
	}
	if report.Ollama.Reachable || report.ComfyUI.Reachable {
		t.Fatalf("unreachable services reported healthy: %+v", report)
	}
	if report.Ollama.Error == "" || report.ComfyUI.Error == "" {
		t.Fatalf("errors must be carried: %+v", report)
	}
}

func TestBackendFreeEndpoint(t *testing.T) {
	var freed sync.Map
	backend := newFakeBackendServer(t, &freed)
	_, base := startTestDaemonWith(t, func(cfg *config.Config) {
		cfg.ComfyUI.Endpoint = backend.URL
	})

	var resp struct {
		Freed bool `json:"freed"`
	}
	if code := postJSON(t, base+"/api/backend/free", nil, &resp); code != http.StatusOK {
		t.Fatalf("free code = %d", code)
	}
	if !resp.Freed {
		t.Fatal("response must acknowledge the free")
	}
	if _, ok := freed.Load("called"); !ok {
		t.Fatal("backend /free was never called")
	}
}

func TestStopLeavesGeneratingJobForRequeue(t *testing.T) {
	d, _ := startTestDaemon(t)
	ctx := context.Background()
	d.Queue().Pause()

	job := &queue.Job{PositivePrompt: "a clockwork owl"}
	if _, err := d.Queue().Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := d.Queue().Store().Claim(ctx, job.ID, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d.Stop()

	got, err := d.Queue().Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusGenerating {
		t.Fatalf("status = %s, want generating preserved across shutdown", got.Status)
	}
}
