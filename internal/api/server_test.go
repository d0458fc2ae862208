package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSurface struct {
	server   *Server
	registry *sched.Registry
	catalog  *sched.Catalog
	coord    *sched.Coordinator
}

// newTestSurface assembles the full component stack behind the router
// without starting any background loops; every handler calls straight
// into the components, so none are needed.
func newTestSurface(t *testing.T) *testSurface {
	t.Helper()
	logger := testLogger()

	regCfg := sched.DefaultRegistryConfig()
	regCfg.EnrollSecret = "api-test-secret"
	regCfg.HeartbeatRate = 1000
	regCfg.HeartbeatBurst = 1000
	registry, err := sched.NewRegistry(regCfg, nil, logger)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	catalogPath := filepath.Join(t.TempDir(), "containers.json")
	entries := []common.ContainerInfo{
		{ID: "ct-llm", Name: "llm runner", Domain: "Programming", RequiredVRAMGB: 8},
		{ID: "ct-vision", Name: "vision runner", Domain: "Vision", RequiredVRAMGB: 6},
	}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	if err := os.WriteFile(catalogPath, data, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	catCfg := sched.DefaultCatalogConfig()
	catCfg.CatalogPath = catalogPath
	catalog, err := sched.NewCatalog(catCfg, logger)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	engine := scoring.NewEngine()
	tm := trust.NewManager(24*time.Hour, nil, logger)
	aggregator := sched.NewAggregator(sched.DefaultAggregatorConfig(), registry, tm, nil, logger)
	dispatcher := sched.NewDispatcher(sched.DefaultDispatcherConfig(),
		registry, engine, tm, aggregator, nil, nil, logger)
	monitor := sched.NewOverloadMonitor(sched.DefaultOverloadConfig(),
		nil, registry, catalog, dispatcher, nil, nil, logger)

	coordCfg := sched.DefaultCoordinatorConfig()
	coordCfg.NodeID = "api-node-0001"
	coord := sched.NewCoordinator(coordCfg, registry, engine, tm, catalog,
		dispatcher, aggregator, monitor, nil, nil, logger)

	server := NewServer(Config{}, coord, registry, catalog, dispatcher,
		aggregator, tm, nil, nil, logger)

	return &testSurface{server: server, registry: registry, catalog: catalog, coord: coord}
}

func (ts *testSurface) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var reply healthReply
	decodeBody(t, rec, &reply)
	if reply.Status != "ok" || reply.NodeID != "api-node-0001" {
		t.Errorf("Unexpected health reply: %+v", reply)
	}
}

func TestServer_EnrollMintsUsableToken(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/nodes/enroll",
		enrollRequest{NodeID: "node-remote-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var reply enrollReply
	decodeBody(t, rec, &reply)
	if reply.Token == "" {
		t.Fatal("Expected a token in the enroll reply")
	}

	node := common.NodeContext{
		NodeID: "node-remote-1", CPUCores: 8, TotalRAMMB: 16384, UserAllowed: true,
	}
	if err := ts.registry.Register(context.Background(), reply.Token, &node); err != nil {
		t.Errorf("Minted token should admit the node, got %v", err)
	}
}

func TestServer_EnrollRequiresNodeID(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/nodes/enroll", enrollRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing node_id, got %d", rec.Code)
	}
}

func TestServer_NodeLifecycle(t *testing.T) {
	ts := newTestSurface(t)

	node := common.NodeContext{
		NodeID: "node-listed", CPUCores: 16, TotalRAMMB: 32768,
		MemoryBandwidthGBps: 100, PCIeLanes: 16, PCIeGen: 4, ComputeUnits: 60,
		UserAllowed: true,
	}
	if err := ts.registry.RegisterLocal(&node); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/nodes/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var views []nodeView
	decodeBody(t, rec, &views)
	if len(views) != 1 || views[0].NodeID != "node-listed" {
		t.Fatalf("Unexpected node list: %+v", views)
	}
	if views[0].TrustScore <= 0 {
		t.Error("Expected the neutral trust score folded into the view")
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/nodes/node-listed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a tracked node, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/nodes/node-listed/allow",
		allowRequest{Allowed: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for allow flip, got %d", rec.Code)
	}
	var updated nodeView
	decodeBody(t, rec, &updated)
	if updated.UserAllowed {
		t.Error("Expected the consent flag cleared")
	}
}

func TestServer_UnknownNodeIs404WithErrorBody(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/nodes/node-ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}

	var body errorBody
	decodeBody(t, rec, &body)
	if body.Error != sched.ErrCodeNodeNotFound {
		t.Errorf("Expected the scheduler error code in the body, got %q", body.Error)
	}
}

func TestServer_SubmitAndFetchTask(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks/", submitTaskRequest{
		ClientID: "client-http",
		Domain:   "Programming",
		Kind:     "inference",
		Payload:  json.RawMessage(`{"prompt":"hi"}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var accepted taskAccepted
	decodeBody(t, rec, &accepted)
	if accepted.TaskID == "" || accepted.Status != common.TaskQueued {
		t.Fatalf("Unexpected intake reply: %+v", accepted)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a tracked task, got %d", rec.Code)
	}
	var task common.Task
	decodeBody(t, rec, &task)
	if task.Domain != "Programming" || task.PayloadDigest == "" {
		t.Errorf("Task not carried faithfully: %+v", task)
	}

	// Intake recorded demand for the task's domain
	if ts.catalog.DemandScore("Programming") <= 0 {
		t.Error("Expected task intake to record domain demand")
	}
}

func TestServer_ClientRequestOffload(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/requests", sched.ClientRequest{
		ClientID:    "client-9",
		Kind:        sched.RequestOffload,
		ContainerID: "ct-vision",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp sched.ClientResponse
	decodeBody(t, rec, &resp)
	if !resp.Accepted || resp.Kind != "offload_accepted" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.TaskID, "offload_client-9_") {
		t.Errorf("Expected the task named after the client, got %q", resp.TaskID)
	}
}

func TestServer_ContainerPlugFlow(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/containers/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list []common.ContainerInfo
	decodeBody(t, rec, &list)
	if len(list) != 2 {
		t.Fatalf("Expected both catalog entries, got %d", len(list))
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/containers/ct-llm/attach", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for attach, got %d: %s", rec.Code, rec.Body.String())
	}
	var info common.ContainerInfo
	decodeBody(t, rec, &info)
	if info.Status != common.ContainerAttached {
		t.Errorf("Expected attached status, got %v", info.Status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/containers/ct-ghost/attach", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown container, got %d", rec.Code)
	}
}

func TestServer_Stats(t *testing.T) {
	ts := newTestSurface(t)

	if err := ts.registry.RegisterLocal(&common.NodeContext{
		NodeID: "node-stat", CPUCores: 16, TotalRAMMB: 32768,
		MemoryBandwidthGBps: 100, PCIeLanes: 16, PCIeGen: 4, ComputeUnits: 60,
		UserAllowed: true,
	}); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var stats common.SwarmStats
	decodeBody(t, rec, &stats)
	if stats.TotalNodes != 1 || stats.HealthyNodes != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestServer_CandidatesRequiresDomain(t *testing.T) {
	ts := newTestSurface(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/candidates", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a domain, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/candidates?domain=Programming", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with a domain, got %d", rec.Code)
	}
}
