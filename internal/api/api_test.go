package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/auth"
	"github.com/friendsincode/smart_schedulers/internal/db"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeWorkers struct {
	reports *state.Store
	err     error
	runs    []string
}

func (f *fakeWorkers) Enabled() []string { return []string{scheduler.WorkerPlanner, scheduler.WorkerSweeper} }

func (f *fakeWorkers) RunOnce(_ context.Context, name string) error {
	f.runs = append(f.runs, name)
	if f.err != nil {
		return f.err
	}
	f.reports.Add(state.CycleReport{Worker: name, StartedAt: time.Now()})
	return nil
}

func (f *fakeWorkers) Reports() *state.Store { return f.reports }

func setupAPI(t *testing.T, workers *fakeWorkers, checks map[string]ReadinessCheck) (http.Handler, *queue.Store) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := queue.New(database, zerolog.Nop())
	if workers == nil {
		workers = &fakeWorkers{reports: state.NewStore(0)}
	}
	r := chi.NewRouter()
	New(store, workers, checks, testSecret, zerolog.Nop()).Routes(r)
	return r, store
}

func enqueue(t *testing.T, store *queue.Store, slotID, deviceID, microID uint) *models.SchedulerCommand {
	t.Helper()
	target := queue.SlotTarget{
		Slot:                models.SchedulerSlot{ID: slotID, SchedulerID: 1},
		DeviceID:            deviceID,
		MicrocontrollerID:   microID,
		MicrocontrollerUUID: fmt.Sprintf("micro-%d", microID),
	}
	cmd := queue.NewCommand(target, models.ActionOn, "1772438400", "SCHEDULER_MATCH")
	if err := store.Enqueue(context.Background(), cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return cmd
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCommandsListFilters(t *testing.T) {
	h, store := setupAPI(t, nil, nil)
	enqueue(t, store, 1, 10, 100)
	enqueue(t, store, 2, 11, 200)

	tests := []struct {
		name  string
		path  string
		code  int
		count int
	}{
		{name: "all", path: "/api/v1/commands", code: http.StatusOK, count: 2},
		{name: "by microcontroller", path: "/api/v1/commands?microcontroller_id=200", code: http.StatusOK, count: 1},
		{name: "by state", path: "/api/v1/commands?state=acked", code: http.StatusOK, count: 0},
		{name: "bad state", path: "/api/v1/commands?state=bogus", code: http.StatusBadRequest},
		{name: "bad limit", path: "/api/v1/commands?limit=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, tt.path, "")
			if rr.Code != tt.code {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Commands []commandResponse `json:"commands"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Commands) != tt.count {
				t.Fatalf("commands = %d, want %d", len(body.Commands), tt.count)
			}
		})
	}
}

func TestCommandGetIncludesEvents(t *testing.T) {
	h, store := setupAPI(t, nil, nil)
	cmd := enqueue(t, store, 1, 10, 100)
	if _, err := store.ClaimPendingBatch(context.Background(), queue.ClaimOptions{Limit: 1, AckTimeout: time.Second}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, _, err := store.MarkTerminal(context.Background(), cmd.ID, queue.Outcome{
		State:         models.CommandFailed,
		EventName:     models.EventSchedulerAckFailed,
		Result:        models.ResultAckFailed,
		TriggerReason: "ack-failed",
		Error:         "relay stuck",
		At:            time.Now(),
	}); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	rr := do(t, h, http.MethodGet, "/api/v1/commands/"+cmd.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var got commandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != string(models.CommandFailed) || len(got.Events) != 1 || got.Events[0].Result != string(models.ResultAckFailed) {
		t.Fatalf("unexpected command %+v", got)
	}

	if rr := do(t, h, http.MethodGet, "/api/v1/commands/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing command status = %d", rr.Code)
	}
}

func TestQueueStats(t *testing.T) {
	h, store := setupAPI(t, nil, nil)
	enqueue(t, store, 1, 10, 100)
	enqueue(t, store, 2, 11, 100)

	rr := do(t, h, http.MethodGet, "/api/v1/queue/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		ByState map[string]int64 `json:"by_state"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ByState["pending"] != 2 {
		t.Fatalf("by_state = %v", body.ByState)
	}
}

func TestWorkerRunRequiresAdmin(t *testing.T) {
	workers := &fakeWorkers{reports: state.NewStore(0)}
	h, _ := setupAPI(t, workers, nil)

	admin, err := auth.Issue(testSecret, auth.Claims{UserID: "ops", Roles: []string{auth.RoleAdmin}}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	viewer, err := auth.Issue(testSecret, auth.Claims{UserID: "viewer"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if rr := do(t, h, http.MethodPost, "/api/v1/workers/planner/run", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/v1/workers/planner/run", viewer); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d", rr.Code)
	}
	if len(workers.runs) != 0 {
		t.Fatalf("worker ran without authorization: %v", workers.runs)
	}

	rr := do(t, h, http.MethodPost, "/api/v1/workers/planner/run", admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", rr.Code, rr.Body.String())
	}
	var report state.CycleReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Worker != scheduler.WorkerPlanner {
		t.Fatalf("report = %+v", report)
	}
}

func TestWorkerRunErrors(t *testing.T) {
	admin, err := auth.Issue(testSecret, auth.Claims{UserID: "ops", Roles: []string{auth.RoleAdmin}}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "unknown", err: fmt.Errorf("%w: nope", scheduler.ErrUnknownWorker), code: http.StatusNotFound},
		{name: "busy", err: scheduler.ErrCycleInProgress, code: http.StatusConflict},
		{name: "failure", err: errors.New("db down"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupAPI(t, &fakeWorkers{reports: state.NewStore(0), err: tt.err}, nil)
			if rr := do(t, h, http.MethodPost, "/api/v1/workers/planner/run", admin); rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
		})
	}
}

func TestReadiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	h, _ := setupAPI(t, nil, map[string]ReadinessCheck{"database": ok, "cache": ok})
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rr.Code)
	}

	h, _ = setupAPI(t, nil, map[string]ReadinessCheck{"database": ok, "transport": down})
	rr := do(t, h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rr.Code)
	}

	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
}
