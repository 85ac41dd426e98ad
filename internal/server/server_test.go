package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/download-queue/internal/executor"
	"github.com/ChuLiYu/download-queue/internal/jobmanager"
	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/internal/reputation"
	"github.com/ChuLiYu/download-queue/internal/storage/filestore"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// newServices builds a queue over a fresh file store. The queue is never
// started, so admitted jobs stay put.
func newServices(t *testing.T) Services {
	t.Helper()
	store, err := filestore.Open(t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	sm := jobmanager.New(store, notify.Discard, jobmanager.DefaultConfig(),
		jobmanager.WithLogger(log), jobmanager.WithMetrics(m))
	tracker := reputation.New(store, reputation.DefaultConfig(),
		reputation.WithLogger(log), reputation.WithMetrics(m))

	q, err := queue.New(context.Background(), queue.Deps{
		Store:        store,
		StateMachine: sm,
		Tracker:      tracker,
		Executors:    executor.NewRegistry(),
		Metrics:      m,
		Logger:       log,
	}, queue.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	return Services{
		Queue:        q,
		StateMachine: sm,
		Tracker:      tracker,
		Gatherer:     reg,
		Logger:       log,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// ============================================================================
// HTTP
// ============================================================================

func TestHealth(t *testing.T) {
	r := NewRouter(newServices(t), HTTPConfig{})
	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])
}

func TestQueueRoutes(t *testing.T) {
	svc := newServices(t)
	r := NewRouter(svc, HTTPConfig{})

	w := do(t, r, http.MethodPost, "/api/queue", types.Job{ID: "a1", Kind: types.KindAlbum, AlbumName: "Untrue"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct{ Entry queue.Entry }](t, w)
	assert.Equal(t, types.JobID("a1"), created.Entry.ID)
	assert.Equal(t, 10, created.Entry.Priority)

	w = do(t, r, http.MethodPost, "/api/queue", types.Job{ID: "t1", Kind: types.KindTrack, TrackName: "Archangel"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Entries []queue.Entry
		Total   int
	}](t, w)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, types.JobID("a1"), list.Entries[0].ID)

	w = do(t, r, http.MethodGet, "/api/queue/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct{ Job types.Job }](t, w)
	assert.Equal(t, types.StatusQueued, got.Job.Status)

	w = do(t, r, http.MethodGet, "/api/queue/search?q=archangel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	w = do(t, r, http.MethodDelete, "/api/queue/t1?reason=changed+mind", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, "/api/queue/t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	job, err := svc.Queue.Job(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)

	// cancelled is terminal
	w = do(t, r, http.MethodPost, "/api/queue", types.Job{ID: "t1", Kind: types.KindTrack})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueRoutes_Errors(t *testing.T) {
	r := NewRouter(newServices(t), HTTPConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing kind", http.MethodPost, "/api/queue", types.Job{ID: "x"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/queue", "not an object", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/queue/nope", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/queue/nope/cancel", nil, http.StatusNotFound},
		{"unknown dead letter", http.MethodGet, "/api/deadletter/nope", nil, http.StatusNotFound},
		{"bad schedule", http.MethodPut, "/api/schedule", queue.Window{StartHour: 30}, http.StatusBadRequest},
		{"block without source", http.MethodPost, "/api/blocked", map[string]any{"permanent": true}, http.StatusBadRequest},
		{"bad block duration", http.MethodPost, "/api/blocked", map[string]any{"source_id": "s", "duration": "soon"}, http.StatusBadRequest},
		{"import wrong version", http.MethodPost, "/api/import", queue.ExportData{Version: 99}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestPauseResumeAndSchedule(t *testing.T) {
	svc := newServices(t)
	r := NewRouter(svc, HTTPConfig{})

	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/queue/pause", nil).Code)
	assert.True(t, svc.Queue.Paused())
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/queue/resume", nil).Code)
	assert.False(t, svc.Queue.Paused())

	window := queue.Window{Enabled: true, StartHour: 22, EndHour: 6, DaysOfWeek: []time.Weekday{time.Saturday}}
	w := do(t, r, http.MethodPut, "/api/schedule", window)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, window, svc.Queue.Schedule())

	w = do(t, r, http.MethodGet, "/api/schedule", nil)
	assert.Equal(t, window, decode[queue.Window](t, w))

	w = do(t, r, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[queue.Stats](t, w).Schedule.Enabled)
}

func TestBlockedRoutes(t *testing.T) {
	svc := newServices(t)
	r := NewRouter(svc, HTTPConfig{})

	w := do(t, r, http.MethodPost, "/api/blocked", map[string]any{"source_id": "peer-1", "duration": "1h"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Sources []types.BlockedSource
		Total   int
	}](t, w)
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, "peer-1", listed.Sources[0].SourceID)
	assert.Equal(t, "blocked by operator", listed.Sources[0].Reason)

	w = do(t, r, http.MethodDelete, "/api/blocked/peer-1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	blocked, err := svc.Tracker.IsBlocked(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestExportImportOverHTTP(t *testing.T) {
	src := NewRouter(newServices(t), HTTPConfig{})
	for _, id := range []string{"t1", "t2"} {
		require.Equal(t, http.StatusCreated,
			do(t, src, http.MethodPost, "/api/queue", types.Job{ID: types.JobID(id), Kind: types.KindTrack}).Code)
	}
	w := do(t, src, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode[queue.ExportData](t, w)
	assert.Equal(t, queue.ExportVersion, data.Version)
	assert.Len(t, data.Jobs, 2)

	dstSvc := newServices(t)
	dst := NewRouter(dstSvc, HTTPConfig{})
	w = do(t, dst, http.MethodPost, "/api/import", data)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[queue.ImportResult](t, w)
	assert.Equal(t, 2, res.JobsImported)
	assert.Equal(t, 2, dstSvc.Queue.Len())

	// a second import inserts nothing
	w = do(t, dst, http.MethodPost, "/api/import", data)
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[queue.ImportResult](t, w)
	assert.Equal(t, 0, res.JobsImported)
	assert.Equal(t, 2, res.JobsSkipped)
}

func TestMetricsRoute(t *testing.T) {
	svc := newServices(t)

	w := do(t, NewRouter(svc, HTTPConfig{}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, NewRouter(svc, HTTPConfig{Metrics: true}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dlqueue_")
}

func TestCORS(t *testing.T) {
	r := NewRouter(newServices(t), HTTPConfig{CORSOrigins: []string{"http://ui.local"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://ui.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://ui.local", w.Header().Get("Access-Control-Allow-Origin"))
}

// ============================================================================
// gRPC
// ============================================================================

func dialAdmin(t *testing.T, svc Services) *AdminClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewAdmin(svc.Queue, svc.Logger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewAdminClient(conn)
}

func TestAdmin_EnqueueStatsDequeue(t *testing.T) {
	svc := newServices(t)
	client := dialAdmin(t, svc)
	ctx := context.Background()

	entry, err := client.Enqueue(ctx, &types.Job{ID: "a1", Kind: types.KindAlbum, AlbumName: "Untrue"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("a1"), entry.ID)
	assert.Equal(t, 10, entry.Priority)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.ByStatus[types.StatusQueued])

	_, err = client.Dequeue(ctx, "a1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Queue.Len())

	_, err = client.Dequeue(ctx, "a1", "")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Enqueue(ctx, &types.Job{ID: "a1", Kind: types.KindAlbum})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Enqueue(ctx, &types.Job{ID: "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_PauseResumeVerify(t *testing.T) {
	svc := newServices(t)
	client := dialAdmin(t, svc)
	ctx := context.Background()

	require.NoError(t, client.Pause(ctx))
	assert.True(t, svc.Queue.Paused())
	require.NoError(t, client.Resume(ctx))
	assert.False(t, svc.Queue.Paused())

	_, err := client.Enqueue(ctx, &types.Job{ID: "t1", Kind: types.KindTrack})
	require.NoError(t, err)
	report, err := client.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
}

func TestAdmin_RetryDeadLetter(t *testing.T) {
	svc := newServices(t)
	client := dialAdmin(t, svc)
	ctx := context.Background()

	_, err := client.RetryDeadLetter(ctx, RetryRequest{ID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	res, err := client.RetryDeadLetter(ctx, RetryRequest{})
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
}

func TestAdmin_ExportImport(t *testing.T) {
	src := dialAdmin(t, newServices(t))
	ctx := context.Background()
	_, err := src.Enqueue(ctx, &types.Job{ID: "t1", Kind: types.KindTrack, TrackName: "Archangel"})
	require.NoError(t, err)

	data, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, data.Jobs, 1)
	assert.Equal(t, "Archangel", data.Jobs[0].TrackName)

	dstSvc := newServices(t)
	dst := dialAdmin(t, dstSvc)
	res, err := dst.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsImported)
	assert.Equal(t, 1, dstSvc.Queue.Len())

	data.Version = 7
	_, err = dst.Import(ctx, data)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStructRoundTrip(t *testing.T) {
	in := queue.Window{Enabled: true, StartHour: 1, EndHour: 5, DaysOfWeek: []time.Weekday{time.Sunday, time.Monday}}
	s, err := ToStruct(in)
	require.NoError(t, err)
	var out queue.Window
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)

	_, err = ToStruct([]int{1})
	assert.Error(t, err)
}
