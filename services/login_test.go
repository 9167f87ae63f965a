package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/storage"
)

// loginServer 模拟平台登录接口的状态机
type loginServer struct {
	polls      atomic.Int32
	pollScript func(n int32) string // 第 n 次轮询的响应体
	fingerBody string
}

func (s *loginServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/x/passport-login/web/qrcode/generate":
			fmt.Fprint(w, `{"code":0,"data":{"url":"https://passport.example/qr","qrcode_key":"qrkey-1"}}`)
		case "/x/passport-login/web/qrcode/poll":
			n := s.polls.Add(1)
			fmt.Fprint(w, s.pollScript(n))
		case "/x/frontend/finger/spi":
			fmt.Fprint(w, s.fingerBody)
		default:
			http.NotFound(w, r)
		}
	}
}

func pollBody(code int, url, refresh string) string {
	return fmt.Sprintf(`{"code":0,"data":{"url":%q,"refresh_token":%q,"code":%d,"message":""}}`, url, refresh, code)
}

func newLoginEnv(t *testing.T, fake *loginServer) (*LoginService, *gorm.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("数据库打开失败: %v", err)
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	return &LoginService{
		db:           db,
		events:       NewEventBus(),
		http:         srv.Client(),
		passportBase: srv.URL,
		apiBase:      srv.URL,
		pollInterval: 10 * time.Millisecond,
		sessions:     make(map[string]*loginSession),
	}, db
}

func waitForState(t *testing.T, l *LoginService, ref string, want LoginState) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, msg, err := l.Poll(ref)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if state == want {
			return msg
		}
		if state == LoginStateError && want != LoginStateError {
			t.Fatalf("会话进入 error: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, msg, _ := l.Poll(ref)
	t.Fatalf("等待 %s 超时，当前 %s (%s)", want, state, msg)
	return ""
}

const crossURL = "https://passport.example/crossDomain?DedeUserID=654321&SESSDATA=sess-value&bili_jct=jct-value"

func TestLoginHappyPath(t *testing.T) {
	fake := &loginServer{
		pollScript: func(n int32) string {
			switch {
			case n <= 2:
				return pollBody(86101, "", "")
			case n <= 6:
				return pollBody(86090, "", "")
			default:
				return pollBody(0, crossURL, "refresh-abc")
			}
		},
		fingerBody: `{"code":0,"data":{"b_3":"buvid3-x","b_4":"buvid4-y"}}`,
	}
	l, db := newLoginEnv(t, fake)

	ref, qrURL, err := l.Begin(context.Background(), "主账号")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if qrURL == "" {
		t.Fatal("二维码内容为空")
	}

	waitForState(t, l, ref, LoginStateScanned)
	waitForState(t, l, ref, LoginStateSuccess)

	var account models.Account
	if err := db.Where("name = ?", "主账号").First(&account).Error; err != nil {
		t.Fatalf("账号未落库: %v", err)
	}
	if account.SessionToken != "sess-value" || account.CSRFToken != "jct-value" {
		t.Errorf("凭证不对: %+v", account)
	}
	if account.UID == nil || *account.UID != 654321 {
		t.Errorf("uid = %v, want 654321", account.UID)
	}
	if account.Buvid3 != "buvid3-x" || account.Buvid4 != "buvid4-y" {
		t.Errorf("指纹未补齐: %q / %q", account.Buvid3, account.Buvid4)
	}
	if account.RefreshToken != "refresh-abc" {
		t.Errorf("refresh_token = %q", account.RefreshToken)
	}
	if account.Status != models.AccountStatusValid {
		t.Errorf("status = %s, want valid", account.Status)
	}
}

func TestLoginQRExpired(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(86038, "", "") },
	}
	l, _ := newLoginEnv(t, fake)

	ref, _, err := l.Begin(context.Background(), "acc")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitForState(t, l, ref, LoginStateExpired)

	// 二维码过期后允许同名账号重新发起
	if _, _, err := l.Begin(context.Background(), "acc"); err != nil {
		t.Fatalf("过期后重新发起失败: %v", err)
	}
}

func TestLoginFingerprintMandatory(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(0, crossURL, "r") },
		fingerBody: `{"code":-500,"data":{}}`,
	}
	l, db := newLoginEnv(t, fake)

	ref, _, err := l.Begin(context.Background(), "acc")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// 指纹拉取失败：登录不得算成功，账号不得落库
	waitForState(t, l, ref, LoginStateError)

	var count int64
	db.Model(&models.Account{}).Count(&count)
	if count != 0 {
		t.Fatalf("指纹缺失时不应落库账号，实际 %d 条", count)
	}
}

func TestLoginRejectsConcurrentSession(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(86101, "", "") },
	}
	l, _ := newLoginEnv(t, fake)

	if _, _, err := l.Begin(context.Background(), "acc"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if _, _, err := l.Begin(context.Background(), "acc"); err == nil {
		t.Fatal("进行中的会话应拒绝同名重复发起")
	}
	// 其它账号名不受影响
	if _, _, err := l.Begin(context.Background(), "acc2"); err != nil {
		t.Fatalf("不同账号名应可并行登录: %v", err)
	}

	// 收尾：停掉轮询器
	l.mu.Lock()
	for _, s := range l.sessions {
		s.teardown()
	}
	l.mu.Unlock()
}

func TestLoginReplacesSameUID(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(0, crossURL, "r2") },
		fingerBody: `{"code":0,"data":{"b_3":"b3","b_4":"b4"}}`,
	}
	l, db := newLoginEnv(t, fake)

	// 预置同 uid 的旧记录，以及引用它的举报流水
	old := int64(654321)
	oldAccount := models.Account{Name: "旧会话", UID: &old, SessionToken: "old", CSRFToken: "old", Status: models.AccountStatusInvalid}
	db.Create(&oldAccount)
	db.Create(&models.ReportLog{ID: uuid.NewString(), TargetID: 1, AccountID: &oldAccount.ID, Success: true})

	ref, _, err := l.Begin(context.Background(), "新会话")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitForState(t, l, ref, LoginStateSuccess)

	var accounts []models.Account
	db.Where("uid = ?", old).Find(&accounts)
	if len(accounts) != 1 {
		t.Fatalf("同 uid 账号数 = %d, want 1（旧记录应被原地更新）", len(accounts))
	}
	// 主键不变：流水的 account_id 引用不悬空
	if accounts[0].ID != oldAccount.ID {
		t.Errorf("账号主键变了: %d → %d，流水引用会悬空", oldAccount.ID, accounts[0].ID)
	}
	if accounts[0].SessionToken != "sess-value" || accounts[0].Name != "新会话" {
		t.Errorf("凭证未换成新会话: %+v", accounts[0])
	}
	if accounts[0].Status != models.AccountStatusValid {
		t.Errorf("status = %s, want valid", accounts[0].Status)
	}

	var entry models.ReportLog
	if err := db.Where("account_id = ?", oldAccount.ID).First(&entry).Error; err != nil {
		t.Fatalf("重登后历史流水找不到原账号: %v", err)
	}
}

func TestLoginSuccessBlocksRestart(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(0, crossURL, "r") },
		fingerBody: `{"code":0,"data":{"b_3":"b3","b_4":"b4"}}`,
	}
	l, _ := newLoginEnv(t, fake)

	ref, _, err := l.Begin(context.Background(), "acc")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitForState(t, l, ref, LoginStateSuccess)

	// success 不是可重开状态：清理前挡住对已登录账号的重复扫码
	if _, _, err := l.Begin(context.Background(), "acc"); err == nil {
		t.Fatal("success 会话清理前应拒绝重复发起")
	}
	if removed := l.CleanupSessions(0); removed != 1 {
		t.Fatalf("清理数 = %d, want 1", removed)
	}
	if _, _, err := l.Begin(context.Background(), "acc"); err != nil {
		t.Fatalf("清理后重新发起失败: %v", err)
	}

	// 收尾：停掉新会话的轮询器
	l.mu.Lock()
	for _, s := range l.sessions {
		s.teardown()
	}
	l.mu.Unlock()
}

func TestCleanupSessions(t *testing.T) {
	fake := &loginServer{
		pollScript: func(int32) string { return pollBody(86038, "", "") },
	}
	l, _ := newLoginEnv(t, fake)

	ref, _, err := l.Begin(context.Background(), "acc")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitForState(t, l, ref, LoginStateExpired)

	// 终态会话超龄后被回收，之后 Poll 查不到
	if removed := l.CleanupSessions(0); removed != 1 {
		t.Fatalf("清理数 = %d, want 1", removed)
	}
	if _, _, err := l.Poll(ref); err == nil {
		t.Fatal("已清理的会话不应再可查")
	}
}
