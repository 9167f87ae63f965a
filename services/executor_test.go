package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/storage"
)

func newExecutorEnv(t *testing.T, handler http.HandlerFunc) (*ReportService, *httptest.Server) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("数据库打开失败: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, _ := newTestClient(srv.URL)
	client.maxAttempts = 1

	// 冷却窗口置零：执行路径测试不关心冷却约束
	svc := NewReportService(db, client, NewCooldownTracker(0), NewEventBus())
	svc.spaceBase = srv.URL
	return svc, srv
}

func seedAccount(t *testing.T, svc *ReportService, name string, status models.AccountStatus) *models.Account {
	t.Helper()
	now := time.Now()
	account := &models.Account{
		Name:         name,
		SessionToken: "sess-" + name,
		CSRFToken:    "csrf-" + name,
		Buvid3:       "b3",
		Status:       status,
		LastCheckAt:  &now,
	}
	if err := svc.db.Create(account).Error; err != nil {
		t.Fatalf("账号写入失败: %v", err)
	}
	return account
}

func seedTarget(t *testing.T, svc *ReportService, typ models.TargetType, identifier string, reason int) *models.Target {
	t.Helper()
	target := &models.Target{
		Type:       typ,
		Identifier: identifier,
		Reason:     reason,
		Detail:     "测试举报",
		Status:     models.TargetStatusPending,
	}
	if err := svc.db.Create(target).Error; err != nil {
		t.Fatalf("目标写入失败: %v", err)
	}
	return target
}

func reloadTarget(t *testing.T, svc *ReportService, id uint) *models.Target {
	t.Helper()
	var target models.Target
	if err := svc.db.First(&target, id).Error; err != nil {
		t.Fatalf("目标加载失败: %v", err)
	}
	return &target
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte(`{"code":0,"message":"0"}`))
}

func TestClaimGate(t *testing.T) {
	svc, _ := newExecutorEnv(t, okHandler)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	claimed, err := svc.Claim(target.ID)
	if err != nil {
		t.Fatalf("首次占用失败: %v", err)
	}
	if claimed.Status != models.TargetStatusProcessing {
		t.Fatalf("status = %s, want processing", claimed.Status)
	}

	// 同一目标的二次占用必须被门闩挡下
	if _, err := svc.Claim(target.ID); !errors.Is(err, ErrTargetNotPending) {
		t.Fatalf("二次占用 err = %v, want ErrTargetNotPending", err)
	}
}

func TestRollback(t *testing.T) {
	svc, _ := newExecutorEnv(t, okHandler)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	if _, err := svc.Claim(target.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := svc.Rollback(target.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := reloadTarget(t, svc, target.ID); got.Status != models.TargetStatusPending {
		t.Fatalf("回滚后 status = %s, want pending", got.Status)
	}
}

func TestVideoReportSuccess(t *testing.T) {
	var gotPath, gotAid, gotTid string
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotPath = r.URL.Path
		gotAid = r.PostForm.Get("aid")
		gotTid = r.PostForm.Get("tid")
		okHandler(w, r)
	})
	account := seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 4)

	result, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != ExecDone || !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.AccountID != account.ID {
		t.Errorf("account = %d, want %d", result.AccountID, account.ID)
	}

	if gotPath != "/x/web-interface/archive/appeal" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAid != "12345" || gotTid != "4" {
		t.Errorf("form: aid=%q tid=%q", gotAid, gotTid)
	}

	if got := reloadTarget(t, svc, target.ID); got.Status != models.TargetStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	var logs []models.ReportLog
	svc.db.Where("target_id = ?", target.ID).Find(&logs)
	if len(logs) != 1 || !logs[0].Success {
		t.Fatalf("日志 = %+v, want 1 条成功记录", logs)
	}
}

func TestAlreadyReportedIsIdempotentSuccess(t *testing.T) {
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":12008,"message":"已举报过"}`))
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	result, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("重复举报应视为幂等成功: %+v", result)
	}
	if got := reloadTarget(t, svc, target.ID); got.Status != models.TargetStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestDeferredWhenNoEligibleAccount(t *testing.T) {
	svc, _ := newExecutorEnv(t, okHandler)
	// 只有失效账号，不可参与选举
	seedAccount(t, svc, "dead", models.AccountStatusInvalid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	result, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != ExecDeferred {
		t.Fatalf("outcome = %v, want ExecDeferred", result.Outcome)
	}

	// 顺延：退回 pending 且不消耗重试次数
	got := reloadTarget(t, svc, target.ID)
	if got.Status != models.TargetStatusPending || got.RetryCount != 0 {
		t.Fatalf("status=%s retry=%d, want pending/0", got.Status, got.RetryCount)
	}
}

func TestElectionErrorDefersTarget(t *testing.T) {
	svc, _ := newExecutorEnv(t, okHandler)
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	// 让选号查询本身报 SQL 错误
	if err := svc.db.Exec("DROP TABLE accounts").Error; err != nil {
		t.Fatalf("故障注入失败: %v", err)
	}

	res, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != ExecDeferred {
		t.Fatalf("outcome = %v, want ExecDeferred", res.Outcome)
	}

	// 目标不能滞留在 processing，也不消耗重试次数
	got := reloadTarget(t, svc, target.ID)
	if got.Status != models.TargetStatusPending {
		t.Fatalf("选号失败后 status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", got.RetryCount)
	}
}

func TestInvalidIdentifierFailsFast(t *testing.T) {
	svc, _ := newExecutorEnv(t, okHandler)
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "不是数字", 1)

	result, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != ExecFailed {
		t.Fatalf("outcome = %v, want ExecFailed", result.Outcome)
	}

	// 参数不合法没有兜底：直接熔断，不走重试
	if got := reloadTarget(t, svc, target.ID); got.Status != models.TargetStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestRetryBudgetCircuitBreaker(t *testing.T) {
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":-509,"message":"too fast"}`))
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)
	svc.maxRetries = 3

	for i := 1; i <= 3; i++ {
		if _, err := svc.Execute(context.Background(), target.ID, nil); err != nil {
			t.Fatalf("第 %d 次 Execute: %v", i, err)
		}
		got := reloadTarget(t, svc, target.ID)
		if got.RetryCount != i {
			t.Fatalf("第 %d 次后 retry_count = %d", i, got.RetryCount)
		}
		if i < 3 && got.Status != models.TargetStatusPending {
			t.Fatalf("第 %d 次后 status = %s, want pending", i, got.Status)
		}
	}

	got := reloadTarget(t, svc, target.ID)
	if got.Status != models.TargetStatusFailed {
		t.Fatalf("达到上限后 status = %s, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("熔断后 last_error 不应为空")
	}

	// 熔断后的目标不可再被占用
	if _, err := svc.Claim(target.ID); !errors.Is(err, ErrTargetNotPending) {
		t.Fatalf("熔断目标占用 err = %v", err)
	}
}

func TestRiskControlFlagsAccount(t *testing.T) {
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":-352,"message":"risk"}`))
	})
	account := seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	if _, err := svc.Execute(context.Background(), target.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var reloaded models.Account
	if err := svc.db.First(&reloaded, account.ID).Error; err != nil {
		t.Fatalf("账号加载失败: %v", err)
	}
	if reloaded.Status != models.AccountStatusInvalid {
		t.Fatalf("风控后账号 status = %s, want invalid", reloaded.Status)
	}
}

func TestCommentReportEndpoint(t *testing.T) {
	var gotPath, gotOid, gotRpid string
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotPath = r.URL.Path
		gotOid = r.PostForm.Get("oid")
		gotRpid = r.PostForm.Get("rpid")
		okHandler(w, r)
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeComment, "111:222", 5)

	if _, err := svc.Execute(context.Background(), target.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/x/v2/reply/report" {
		t.Errorf("path = %q", gotPath)
	}
	if gotOid != "111" || gotRpid != "222" {
		t.Errorf("form: oid=%q rpid=%q", gotOid, gotRpid)
	}
}

func TestUserReportUsesSpaceEndpoint(t *testing.T) {
	var gotPath, gotMid string
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotPath = r.URL.Path
		gotMid = r.PostForm.Get("mid")
		okHandler(w, r)
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeUser, "998877", 7)

	if _, err := svc.Execute(context.Background(), target.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/ajax/report/add" {
		t.Errorf("path = %q", gotPath)
	}
	if gotMid != "998877" {
		t.Errorf("mid = %q", gotMid)
	}
}

func TestReasonFallback(t *testing.T) {
	var gotTid string
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotTid = r.PostForm.Get("tid")
		okHandler(w, r)
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	// 理由 99 不在视频理由域，应替换为兜底值而不是拒绝
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 99)

	result, err := svc.Execute(context.Background(), target.ID, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("兜底理由应照常执行: %+v", result)
	}
	if gotTid != "10" {
		t.Errorf("tid = %q, want 兜底值 10", gotTid)
	}
}

func TestCheckAccountPromotesAndBackfillsUID(t *testing.T) {
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":0,"message":"0","data":{"isLogin":true,"mid":424242}}`))
	})
	account := seedAccount(t, svc, "acc1", models.AccountStatusExpiring)

	if err := svc.CheckAccount(context.Background(), account); err != nil {
		t.Fatalf("CheckAccount: %v", err)
	}
	if account.Status != models.AccountStatusValid {
		t.Fatalf("status = %s, want valid", account.Status)
	}
	if account.UID == nil || *account.UID != 424242 {
		t.Fatalf("uid 未回填: %v", account.UID)
	}
	if account.LastCheckAt == nil {
		t.Fatal("last_check_at 未更新")
	}
}

func TestCheckAccountInvalidatesOnAuthFailure(t *testing.T) {
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":-101,"message":"账号未登录"}`))
	})
	account := seedAccount(t, svc, "acc1", models.AccountStatusValid)

	if err := svc.CheckAccount(context.Background(), account); err != nil {
		t.Fatalf("CheckAccount: %v", err)
	}
	if account.Status != models.AccountStatusInvalid {
		t.Fatalf("status = %s, want invalid", account.Status)
	}
}

func TestSnapshotMasksCSRF(t *testing.T) {
	var logged string
	svc, _ := newExecutorEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":-509,"message":"too fast"}`))
	})
	seedAccount(t, svc, "acc1", models.AccountStatusValid)
	target := seedTarget(t, svc, models.TargetTypeVideo, "12345", 1)

	if _, err := svc.Execute(context.Background(), target.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var entry models.ReportLog
	if err := svc.db.Where("target_id = ?", target.ID).First(&entry).Error; err != nil {
		t.Fatalf("日志加载失败: %v", err)
	}
	logged = entry.Request
	if logged == "" {
		t.Fatal("请求快照为空")
	}
	// 快照里绝不能出现明文 csrf
	if strings.Contains(logged, "csrf-acc1") {
		t.Errorf("快照泄露了 csrf: %s", logged)
	}
}
