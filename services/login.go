package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// LoginState 扫码登录状态机的状态
type LoginState string

const (
	// LoginStateLoading 正在向平台申请二维码
	LoginStateLoading LoginState = "loading"
	// LoginStateWaiting 等待扫码，固定间隔轮询
	LoginStateWaiting LoginState = "waiting"
	// LoginStateScanned 已扫码待确认
	LoginStateScanned LoginState = "scanned"
	// LoginStateSuccess 登录完成（含设备指纹补齐），账号已落库
	LoginStateSuccess LoginState = "success"
	// LoginStateExpired 二维码过期，轮询已停止
	LoginStateExpired LoginState = "expired"
	// LoginStateError 流程出错，轮询已停止
	LoginStateError LoginState = "error"
)

// 平台扫码轮询返回码
const (
	qrCodeSuccess    = 0
	qrCodeExpired    = 86038
	qrCodeScanned    = 86090
	qrCodeNotScanned = 86101
)

type loginSession struct {
	mu          sync.Mutex
	ref         string
	accountName string
	state       LoginState
	message     string
	qrURL       string
	qrcodeKey   string
	createdAt   time.Time
	cancel      chan struct{}
	torn        bool
}

func (s *loginSession) snapshot() (LoginState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.message
}

func (s *loginSession) set(state LoginState, message string) {
	s.mu.Lock()
	s.state = state
	s.message = message
	s.mu.Unlock()
}

// teardown 停止轮询。终态必须先完全拆掉轮询器才允许重新开始，
// 避免出现重复轮询。
func (s *loginSession) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.torn {
		s.torn = true
		close(s.cancel)
	}
}

// restartable 只有 error / expired 允许对同名账号重新发起；
// success 会话在被清理前继续占位，挡住对已登录账号的重复扫码
func (s *loginSession) restartable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == LoginStateError || s.state == LoginStateExpired
}

// terminal 轮询已停止的终态，可被超龄清理
func (s *loginSession) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case LoginStateSuccess, LoginStateError, LoginStateExpired:
		return true
	}
	return false
}

// LoginService 扫码登录：申请二维码、轮询确认、收尾落库。
// 收尾必须做第二次设备指纹拉取——平台首跳不下发全部绑定
// 令牌，缺指纹的会话之后必被风控。
type LoginService struct {
	db           *gorm.DB
	events       *EventBus
	http         *http.Client
	passportBase string
	apiBase      string
	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*loginSession
}

// NewLoginService 创建登录服务
func NewLoginService(db *gorm.DB, events *EventBus) *LoginService {
	return &LoginService{
		db:           db,
		events:       events,
		http:         &http.Client{Timeout: config.GetRequestTimeout()},
		passportBase: config.GetPassportBaseURL(),
		apiBase:      config.GetAPIBaseURL(),
		pollInterval: 2 * time.Second,
		sessions:     make(map[string]*loginSession),
	}
}

func (l *LoginService) emit(ref string, state LoginState, msg string) {
	if l.events != nil {
		l.events.Publish(Event{
			Type:    EventLoginState,
			Success: state == LoginStateSuccess,
			Message: fmt.Sprintf("%s: %s %s", ref, state, msg),
		})
	}
}

// Begin 开始一次扫码登录。同名账号已有会话时拒绝，
// 只有 error / expired 之后才允许重新开始。
func (l *LoginService) Begin(ctx context.Context, accountName string) (string, string, error) {
	l.mu.Lock()
	for _, s := range l.sessions {
		if s.accountName == accountName && !s.restartable() {
			l.mu.Unlock()
			return "", "", fmt.Errorf("账号 %s 已有进行中的登录会话", accountName)
		}
	}
	sess := &loginSession{
		ref:         uuid.NewString(),
		accountName: accountName,
		state:       LoginStateLoading,
		createdAt:   time.Now(),
		cancel:      make(chan struct{}),
	}
	l.sessions[sess.ref] = sess
	l.mu.Unlock()

	qrURL, qrKey, err := l.generateQR(ctx)
	if err != nil {
		sess.set(LoginStateError, "二维码申请失败")
		sess.teardown()
		l.emit(sess.ref, LoginStateError, err.Error())
		return sess.ref, "", fmt.Errorf("二维码申请失败: %w", err)
	}

	sess.mu.Lock()
	sess.qrURL = qrURL
	sess.qrcodeKey = qrKey
	sess.state = LoginStateWaiting
	sess.message = "等待扫码"
	sess.mu.Unlock()
	l.emit(sess.ref, LoginStateWaiting, "")

	go l.pollLoop(sess)
	log.Printf("📱 登录会话 %s 已创建 (账号: %s)", sess.ref, accountName)
	return sess.ref, qrURL, nil
}

// Poll 查询登录会话当前状态
func (l *LoginService) Poll(ref string) (LoginState, string, error) {
	l.mu.Lock()
	sess, ok := l.sessions[ref]
	l.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("登录会话不存在: %s", ref)
	}
	state, msg := sess.snapshot()
	return state, msg, nil
}

// CleanupSessions 清理超龄的终态会话，保证内存有界
func (l *LoginService) CleanupSessions(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for ref, s := range l.sessions {
		if s.terminal() && s.createdAt.Before(cutoff) {
			s.teardown()
			delete(l.sessions, ref)
			removed++
		}
	}
	return removed
}

// generateQR 向平台申请二维码
func (l *LoginService) generateQR(ctx context.Context) (qrURL, qrKey string, err error) {
	body, err := l.getJSON(ctx, l.passportBase+"/x/passport-login/web/qrcode/generate")
	if err != nil {
		return "", "", err
	}
	var envelope struct {
		Code int `json:"code"`
		Data struct {
			URL       string `json:"url"`
			QrcodeKey string `json:"qrcode_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", "", err
	}
	if envelope.Code != 0 || envelope.Data.QrcodeKey == "" {
		return "", "", fmt.Errorf("二维码接口返回异常 (code=%d)", envelope.Code)
	}
	return envelope.Data.URL, envelope.Data.QrcodeKey, nil
}

func (l *LoginService) pollLoop(sess *loginSession) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.cancel:
			return
		case <-ticker.C:
			if done := l.pollOnce(sess); done {
				sess.teardown()
				return
			}
		}
	}
}

// pollOnce 轮询一次平台；返回 true 表示已到终态
func (l *LoginService) pollOnce(sess *loginSession) bool {
	ctx, cancel := context.WithTimeout(context.Background(), config.GetRequestTimeout())
	defer cancel()

	body, err := l.getJSON(ctx, l.passportBase+"/x/passport-login/web/qrcode/poll?qrcode_key="+url.QueryEscape(sess.qrcodeKey))
	if err != nil {
		// 网络波动不终止轮询，下一拍重试
		log.Printf("⚠️ 登录会话 %s 轮询失败: %v", sess.ref, err)
		return false
	}

	var envelope struct {
		Code int `json:"code"`
		Data struct {
			URL          string `json:"url"`
			RefreshToken string `json:"refresh_token"`
			Code         int    `json:"code"`
			Message      string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Printf("⚠️ 登录会话 %s 轮询响应异常: %v", sess.ref, err)
		return false
	}

	switch envelope.Data.Code {
	case qrCodeNotScanned:
		return false
	case qrCodeScanned:
		sess.set(LoginStateScanned, "已扫码，等待确认")
		l.emit(sess.ref, LoginStateScanned, "")
		return false
	case qrCodeExpired:
		sess.set(LoginStateExpired, "二维码已过期，请重新发起登录")
		l.emit(sess.ref, LoginStateExpired, "")
		log.Printf("⌛ 登录会话 %s 二维码过期", sess.ref)
		return true
	case qrCodeSuccess:
		if err := l.finalize(sess, envelope.Data.URL, envelope.Data.RefreshToken); err != nil {
			sess.set(LoginStateError, "登录收尾失败")
			l.emit(sess.ref, LoginStateError, err.Error())
			log.Printf("❌ 登录会话 %s 收尾失败: %v", sess.ref, err)
			return true
		}
		sess.set(LoginStateSuccess, "登录成功")
		l.emit(sess.ref, LoginStateSuccess, "")
		log.Printf("✅ 登录会话 %s 完成 (账号: %s)", sess.ref, sess.accountName)
		return true
	default:
		log.Printf("⚠️ 登录会话 %s 未知轮询码 %d", sess.ref, envelope.Data.Code)
		return false
	}
}

// finalize 成功收尾：解析会话凭证 → 补齐设备指纹 → 事务落库。
// 指纹拉取是 success 的必经步骤，不是可选增强。
func (l *LoginService) finalize(sess *loginSession, crossURL, refreshToken string) error {
	sessData, csrf, uid, err := parseLoginURL(crossURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.GetRequestTimeout())
	defer cancel()
	buvid3, buvid4, err := l.fetchFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("设备指纹拉取失败: %w", err)
	}

	now := time.Now()

	// 同 uid 的旧记录原地换凭证：主键被举报流水引用，不允许硬删
	return l.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Account
		err := tx.Where("uid = ?", uid).First(&existing).Error
		switch {
		case err == nil:
			err = tx.Model(&existing).Updates(map[string]interface{}{
				"name":          sess.accountName,
				"session_token": sessData,
				"csrf_token":    csrf,
				"refresh_token": refreshToken,
				"buvid3":        buvid3,
				"buvid4":        buvid4,
				"status":        models.AccountStatusValid,
				"last_check_at": now,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			err = tx.Create(&models.Account{
				Name:         sess.accountName,
				UID:          &uid,
				SessionToken: sessData,
				CSRFToken:    csrf,
				RefreshToken: refreshToken,
				Buvid3:       buvid3,
				Buvid4:       buvid4,
				Status:       models.AccountStatusValid,
				LastCheckAt:  &now,
			}).Error
		}
		if err != nil {
			return err
		}
		log.Printf("✅ 账号 %s (uid=%d) 会话已保存，SESSDATA: %s", sess.accountName, uid, config.MaskString(sessData))
		return nil
	})
}

// fetchFingerprint 第二跳：拉取设备绑定指纹
func (l *LoginService) fetchFingerprint(ctx context.Context) (string, string, error) {
	body, err := l.getJSON(ctx, l.apiBase+"/x/frontend/finger/spi")
	if err != nil {
		return "", "", err
	}
	var envelope struct {
		Code int `json:"code"`
		Data struct {
			B3 string `json:"b_3"`
			B4 string `json:"b_4"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", "", err
	}
	if envelope.Code != 0 || envelope.Data.B3 == "" {
		return "", "", fmt.Errorf("指纹接口返回异常 (code=%d)", envelope.Code)
	}
	return envelope.Data.B3, envelope.Data.B4, nil
}

func (l *LoginService) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaultFetchUA)
	req.Header.Set("Referer", "https://www.bilibili.com/")

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseLoginURL 从跨域跳转 URL 的查询串里取会话凭证
func parseLoginURL(crossURL string) (sessData, csrf string, uid int64, err error) {
	u, err := url.Parse(crossURL)
	if err != nil {
		return "", "", 0, fmt.Errorf("登录跳转 URL 解析失败: %v", err)
	}
	q := u.Query()
	sessData = q.Get("SESSDATA")
	csrf = q.Get("bili_jct")
	uidRaw := q.Get("DedeUserID")
	if sessData == "" || csrf == "" || uidRaw == "" {
		return "", "", 0, fmt.Errorf("登录跳转 URL 缺少凭证字段")
	}
	uid, err = strconv.ParseInt(uidRaw, 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("DedeUserID 不是合法数字: %q", uidRaw)
	}
	return sessData, csrf, uid, nil
}
