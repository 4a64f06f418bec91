package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/blingmoon/simple-approval/content"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	router    *gin.Engine
	exercises content.ExerciseRepo
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, approval.AutoMigrate(db))
	require.NoError(t, content.AutoMigrate(db))

	dispatcher := approval.NewDispatcher()
	require.NoError(t, content.RegisterSideEffects(dispatcher, db))
	service := approval.NewApprovalService(approval.NewApprovalRepo(db), dispatcher, approval.NewLocalApprovalLock())

	router := gin.New()
	RegisterRoutes(router, NewHandler(service), HeaderAccessGuard{})
	return &testServer{router: router, exercises: content.NewExerciseRepo(db)}
}

type actorHeader struct {
	tenantID int64
	userID   int64
	role     string
}

var (
	trainer  = actorHeader{tenantID: 1, userID: 11, role: RoleTrainer}
	reviewer = actorHeader{tenantID: 1, userID: 21, role: RoleReviewer}
)

func (s *testServer) do(t *testing.T, method, path string, actor *actorHeader, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(HeaderTenantID, strconv.FormatInt(actor.tenantID, 10))
		req.Header.Set(HeaderUserID, strconv.FormatInt(actor.userID, 10))
		req.Header.Set(HeaderUserRole, actor.role)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	resp := make(map[string]any)
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func workflowIDFrom(t *testing.T, resp map[string]any) int64 {
	t.Helper()
	approvalResp, ok := resp["approval"].(map[string]any)
	require.True(t, ok, "response has no approval: %v", resp)
	return int64(approvalResp["id"].(float64))
}

func TestApprovalRoutes(t *testing.T) {
	s := setupTestServer(t)
	_, err := s.exercises.CreateExercise(context.Background(), &content.ExercisePo{ID: "E1", TenantID: 1, Name: "Deadlift"})
	require.NoError(t, err)

	code, resp := s.do(t, http.MethodPost, "/api/approvals", &trainer, gin.H{"entity_type": "exercise", "entity_id": "E1", "notes": "new cue"})
	require.Equal(t, http.StatusCreated, code, resp)
	workflowID := workflowIDFrom(t, resp)
	reviewPath := "/api/approvals/" + strconv.FormatInt(workflowID, 10)

	t.Run("重复提交", func(t *testing.T) {
		code, resp := s.do(t, http.MethodPost, "/api/approvals", &trainer, gin.H{"entity_type": "exercise", "entity_id": "E1"})
		assert.Equal(t, http.StatusConflict, code, resp)
	})

	t.Run("未知实体类型", func(t *testing.T) {
		code, _ := s.do(t, http.MethodPost, "/api/approvals", &trainer, gin.H{"entity_type": "meal_photo", "entity_id": "M1"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("待审核列表", func(t *testing.T) {
		code, resp := s.do(t, http.MethodGet, "/api/approvals?entity_type=exercise", &trainer, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(1), resp["count"])
	})

	t.Run("没有审核权限", func(t *testing.T) {
		code, _ := s.do(t, http.MethodPost, reviewPath+"/approve", &trainer, nil)
		assert.Equal(t, http.StatusForbidden, code)
		code, _ = s.do(t, http.MethodPost, reviewPath+"/approve", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("非法审核结果", func(t *testing.T) {
		code, _ := s.do(t, http.MethodPost, reviewPath+"/review", &reviewer, gin.H{"outcome": "maybe"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("审核通过并修改实体", func(t *testing.T) {
		code, resp := s.do(t, http.MethodPost, reviewPath+"/review", &reviewer, gin.H{"outcome": "approved", "notes": "looks good"})
		require.Equal(t, http.StatusOK, code, resp)
		approvalResp := resp["approval"].(map[string]any)
		assert.Equal(t, "approved", approvalResp["status"])
		assert.Equal(t, float64(reviewer.userID), approvalResp["reviewed_by"])

		exercise, err := s.exercises.GetExercise(context.Background(), 1, "E1")
		require.NoError(t, err)
		assert.Equal(t, content.ExerciseStatusApproved, exercise.Status)
	})

	t.Run("重复审核", func(t *testing.T) {
		code, resp := s.do(t, http.MethodPost, reviewPath+"/reject", &actorHeader{tenantID: 1, userID: 22, role: RoleAdmin}, gin.H{"notes": "no"})
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "This item was already approved by 21", resp["error"])
	})

	t.Run("别的租户看不到", func(t *testing.T) {
		code, resp := s.do(t, http.MethodGet, reviewPath, &actorHeader{tenantID: 2, userID: 21, role: RoleReviewer}, nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "Item not found", resp["error"])
	})

	t.Run("审核记录", func(t *testing.T) {
		code, resp := s.do(t, http.MethodGet, "/api/approvals/audit?entity_type=exercise", &reviewer, nil)
		require.Equal(t, http.StatusOK, code)
		records := resp["audit_trail"].([]any)
		require.Len(t, records, 1)
		assert.Equal(t, map[string]any{
			"total":          float64(1),
			"approved":       float64(1),
			"rejected":       float64(0),
			"by_entity_type": map[string]any{"exercise": float64(1)},
		}, resp["summary"])

		code, _ = s.do(t, http.MethodGet, "/api/approvals/audit?start_date=yesterday", &reviewer, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("重试副作用", func(t *testing.T) {
		code, resp := s.do(t, http.MethodPost, reviewPath+"/side-effects/retry", &reviewer, nil)
		require.Equal(t, http.StatusOK, code, resp)
		assert.Equal(t, "applied", resp["approval"].(map[string]any)["side_effect_status"])
	})
}

func TestSubmitKeepsMetadataNumbers(t *testing.T) {
	s := setupTestServer(t)
	body := `{"entity_type": "workout", "entity_id": "W1", "metadata": {"snapshot_id": 9007199254740993, "sets": 5}}`
	req := httptest.NewRequest(http.MethodPost, "/api/approvals", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, strconv.FormatInt(trainer.tenantID, 10))
	req.Header.Set(HeaderUserID, strconv.FormatInt(trainer.userID, 10))
	req.Header.Set(HeaderUserRole, trainer.role)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"snapshot_id":9007199254740993`)

	var resp struct {
		Approval struct {
			ID       int64           `json:"id"`
			Metadata json.RawMessage `json:"metadata"`
		} `json:"approval"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.JSONEq(t, `{"snapshot_id": 9007199254740993, "sets": 5}`, string(resp.Approval.Metadata))

	req = httptest.NewRequest(http.MethodGet, "/api/approvals/"+strconv.FormatInt(resp.Approval.ID, 10), nil)
	req.Header.Set(HeaderTenantID, strconv.FormatInt(trainer.tenantID, 10))
	req.Header.Set(HeaderUserID, strconv.FormatInt(trainer.userID, 10))
	req.Header.Set(HeaderUserRole, trainer.role)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"snapshot_id":9007199254740993`)
}

func TestSideEffectFailureResponse(t *testing.T) {
	s := setupTestServer(t)
	// 实体不存在, 审核结论落库但副作用失败
	code, resp := s.do(t, http.MethodPost, "/api/approvals", &trainer, gin.H{"entity_type": "exercise", "entity_id": "ghost"})
	require.Equal(t, http.StatusCreated, code, resp)
	workflowID := workflowIDFrom(t, resp)
	path := "/api/approvals/" + strconv.FormatInt(workflowID, 10)

	code, resp = s.do(t, http.MethodPost, path+"/approve", &reviewer, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, true, resp["retryable"])
	assert.Equal(t, "approved", resp["approval"].(map[string]any)["status"])

	code, resp = s.do(t, http.MethodGet, path, &reviewer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", resp["approval"].(map[string]any)["side_effect_status"])
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(approval.ErrApprovalParamInvalid, "bad"), http.StatusBadRequest},
		{errors.WithMessage(approval.ErrApprovalWorkflowNotFound, "id 1"), http.StatusNotFound},
		{&approval.InvalidStateError{WorkflowID: 1, Status: approval.ApprovalStatusRejected}, http.StatusConflict},
		{errors.Wrap(approval.ErrApprovalDuplicatePending, "E1"), http.StatusConflict},
		{errors.WithMessage(approval.LockFailedError, "k"), http.StatusConflict},
		{&approval.SideEffectError{WorkflowID: 1, Err: errors.New("x")}, http.StatusInternalServerError},
		{&approval.StoreError{Op: "QueryApprovalWorkflow", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(w)
		ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(ctx, c.err, nil)
		assert.Equal(t, c.code, w.Code, c.err.Error())
	}
}

func TestHeaderAccessGuard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := HeaderAccessGuard{}.Authenticate(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	ctx.Request.Header.Set(HeaderTenantID, "3")
	ctx.Request.Header.Set(HeaderUserID, "9")
	ctx.Request.Header.Set(HeaderUserRole, " Admin ")
	actor, err := HeaderAccessGuard{}.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Actor{TenantID: 3, UserID: 9, Role: RoleAdmin}, actor)
	assert.True(t, actor.CanReview())
	assert.False(t, (&Actor{Role: RoleTrainer}).CanReview())
}
