package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 文件库 + 单连接, 并发的 goroutine 看到的是同一个库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "approval.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type recordingSideEffect struct {
	mu    sync.Mutex
	calls []*SideEffectReq
	err   error
}

func (r *recordingSideEffect) Apply(ctx context.Context, req *SideEffectReq) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *req
	r.calls = append(r.calls, &copied)
	return r.err
}

func (r *recordingSideEffect) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSideEffect) Calls() []*SideEffectReq {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SideEffectReq(nil), r.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_760_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db          *gorm.DB
	repo        ApprovalRepo
	lock        ApprovalLock
	dispatcher  *Dispatcher
	sideEffects map[EntityType]*recordingSideEffect
	metrics     *Metrics
	clock       *fakeClock
	service     *ApprovalServiceImpl
}

// setupTestService 注册 exercise / nutrition / workout 三种实体, 副作用只做记录
func setupTestService(t *testing.T, options ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		db:          newTestDB(t),
		lock:        NewLocalApprovalLock(),
		dispatcher:  NewDispatcher(),
		sideEffects: make(map[EntityType]*recordingSideEffect),
		metrics:     NewMetrics(prometheus.NewRegistry()),
		clock:       newFakeClock(),
	}
	env.repo = NewApprovalRepo(env.db)
	for _, entityType := range []EntityType{EntityTypeExercise, EntityTypeNutrition, EntityTypeWorkout} {
		sideEffect := &recordingSideEffect{}
		env.sideEffects[entityType] = sideEffect
		require.NoError(t, env.dispatcher.Register(entityType, sideEffect))
	}
	options = append([]Option{WithMetrics(env.metrics), WithClock(env.clock.Now)}, options...)
	env.service = NewApprovalService(env.repo, env.dispatcher, env.lock, options...).(*ApprovalServiceImpl)
	return env
}

func (env *testEnv) submit(t *testing.T, tenantID int64, entityType EntityType, entityID string) *ApprovalWorkflow {
	t.Helper()
	w, err := env.service.Submit(context.Background(), &SubmitReq{
		TenantID:    tenantID,
		EntityType:  entityType,
		EntityID:    entityID,
		SubmittedBy: 100,
	})
	require.NoError(t, err)
	return w
}

func (env *testEnv) loadPo(t *testing.T, workflowID int64) *ApprovalWorkflowPo {
	t.Helper()
	po := &ApprovalWorkflowPo{}
	require.NoError(t, env.db.Where("id = ?", workflowID).Take(po).Error)
	return po
}
