package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// ExecOutcome 单次执行的标签结果：完成 / 顺延 / 失败 三种语义
// 分开表达，调用方不用靠空值猜含义。
type ExecOutcome int

const (
	// ExecDone 本次执行已定论（举报成功或记为一次失败）
	ExecDone ExecOutcome = iota
	// ExecDeferred 没有可用账号，目标退回 pending，不消耗重试次数
	ExecDeferred
	// ExecFailed 执行前置失败（参数不合法等），目标已熔断
	ExecFailed
)

// ExecResult 执行结果
type ExecResult struct {
	Outcome   ExecOutcome
	Success   bool
	Message   string
	AccountID uint
}

// ReportService 单目标举报执行器：选账号、过冷却、发请求、
// 记结果、维护重试熔断，全部状态迁移都从这里走。
type ReportService struct {
	db         *gorm.DB
	client     *Client
	cooldown   *CooldownTracker
	events     *EventBus
	maxRetries int
	spaceBase  string
}

// NewReportService 创建执行器
func NewReportService(db *gorm.DB, client *Client, cooldown *CooldownTracker, events *EventBus) *ReportService {
	return &ReportService{
		db:         db,
		client:     client,
		cooldown:   cooldown,
		events:     events,
		maxRetries: config.GetMaxRetries(),
		spaceBase:  config.GetSpaceBaseURL(),
	}
}

func (s *ReportService) emit(ev Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

// Claim 原子占用目标：pending→processing 在网络调用前先落库，
// 进程中途崩溃会留下可恢复的 processing，由启动对账复位。
func (s *ReportService) Claim(targetID uint) (*models.Target, error) {
	res := s.db.Model(&models.Target{}).
		Where("id = ? AND status = ?", targetID, models.TargetStatusPending).
		Update("status", models.TargetStatusProcessing)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var t models.Target
		if err := s.db.First(&t, targetID).Error; err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w (当前 %s)", ErrTargetNotPending, t.Status)
	}

	var t models.Target
	if err := s.db.First(&t, targetID).Error; err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventTargetState, TargetID: t.ID, Success: true, Message: string(models.TargetStatusProcessing)})
	return &t, nil
}

// Rollback 补偿迁移：异步调度本身失败时 processing→pending
func (s *ReportService) Rollback(targetID uint) error {
	err := s.db.Model(&models.Target{}).
		Where("id = ? AND status = ?", targetID, models.TargetStatusProcessing).
		Update("status", models.TargetStatusPending).Error
	if err == nil {
		s.emit(Event{Type: EventTargetState, TargetID: targetID, Success: false, Message: string(models.TargetStatusPending)})
	}
	return err
}

// Execute 同步执行一个目标：占用后立即跑完
func (s *ReportService) Execute(ctx context.Context, targetID uint, accountIDs []uint) (ExecResult, error) {
	target, err := s.Claim(targetID)
	if err != nil {
		return ExecResult{}, err
	}
	return s.RunClaimed(ctx, target, accountIDs), nil
}

// RunClaimed 执行一个已处于 processing 的目标
func (s *ReportService) RunClaimed(ctx context.Context, target *models.Target, accountIDs []uint) ExecResult {
	account, err := s.electAccount(accountIDs)
	if errors.Is(err, ErrNoEligibleAccount) {
		// 顺延不是失败：退回 pending，不消耗重试次数
		if rbErr := s.Rollback(target.ID); rbErr != nil {
			log.Printf("❌ 目标 %d 顺延回滚失败: %v", target.ID, rbErr)
		}
		log.Printf("⏳ 目标 %d 顺延：%v", target.ID, err)
		return ExecResult{Outcome: ExecDeferred, Message: ErrNoEligibleAccount.Error()}
	}
	if err != nil {
		// 选号查询本身出错：不是目标的问题，同顺延路径退回
		// pending，不消耗重试次数，不能把目标留在 processing
		if rbErr := s.Rollback(target.ID); rbErr != nil {
			log.Printf("❌ 目标 %d 选号失败后回滚失败: %v", target.ID, rbErr)
		}
		log.Printf("❌ 目标 %d 选号失败: %v", target.ID, err)
		return ExecResult{Outcome: ExecDeferred, Message: err.Error()}
	}

	endpoint, form, buildErr := s.buildReport(target)
	if buildErr != nil {
		// 参数不合法且无兜底：直接熔断，重试不会有不同结果
		s.recordFailure(target, &account.ID, "", "", buildErr.Error(), ClassInvalidInput)
		s.forceFailed(target, buildErr.Error())
		return ExecResult{Outcome: ExecFailed, Message: buildErr.Error(), AccountID: account.ID}
	}

	res, err := s.client.PostForm(ctx, endpoint, form, CredentialFromAccount(account))
	if err != nil {
		// 签名密钥不可用或上下文取消：记一次失败走重试通道
		s.recordFailure(target, &account.ID, snapshotRequest(endpoint, form), "", err.Error(), ClassTransient)
		s.advanceAfterFailure(target, ClassTransient, err.Error())
		return ExecResult{Outcome: ExecDone, Message: err.Error(), AccountID: account.ID}
	}

	reqSnap := snapshotRequest(endpoint, form)
	if res.Success() {
		s.recordSuccess(target, account, reqSnap, res.RawBody)
		return ExecResult{Outcome: ExecDone, Success: true, Message: "举报已提交", AccountID: account.ID}
	}

	msg := res.Class.HumanMessage()
	s.recordFailure(target, &account.ID, reqSnap, res.RawBody, res.Err().Error(), res.Class)
	s.flagAccountIfNeeded(account, res.Class)
	s.advanceAfterFailure(target, res.Class, msg)
	return ExecResult{Outcome: ExecDone, Message: msg, AccountID: account.ID}
}

// electAccount 选一个可用账号：只有 valid 账号参与，且要过冷却窗口。
// 指定了 accountIDs 就只在这些账号里选。
func (s *ReportService) electAccount(accountIDs []uint) (*models.Account, error) {
	q := s.db.Where("status = ?", models.AccountStatusValid)
	if len(accountIDs) > 0 {
		q = q.Where("id IN ?", accountIDs)
	}

	var candidates []models.Account
	if err := q.Order("last_check_at ASC").Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		if s.cooldown.TryAcquire(candidates[i].ID) {
			return &candidates[i], nil
		}
	}
	return nil, ErrNoEligibleAccount
}

// buildReport 按目标类型拼出举报请求。理由不在理由域内时替换为
// 该类型的"其他"兜底值；标识符格式错误没有安全兜底，直接拒绝。
func (s *ReportService) buildReport(target *models.Target) (string, url.Values, error) {
	reason, ok := models.NormalizeReason(target.Type, target.Reason)
	if !ok {
		log.Printf("⚠️ 目标 %d 理由 %d 不在理由域，已替换为兜底值 %d", target.ID, target.Reason, reason)
	}

	form := url.Values{}
	switch target.Type {
	case models.TargetTypeVideo:
		aid, err := strconv.ParseInt(target.Identifier, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("视频标识符不是合法 aid: %q", target.Identifier)
		}
		form.Set("aid", strconv.FormatInt(aid, 10))
		form.Set("tid", strconv.Itoa(reason))
		form.Set("desc", target.Detail)
		return "/x/web-interface/archive/appeal", form, nil

	case models.TargetTypeComment:
		// 评论标识符格式 "oid:rpid"
		parts := strings.SplitN(target.Identifier, ":", 2)
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("评论标识符格式应为 oid:rpid: %q", target.Identifier)
		}
		oid, err1 := strconv.ParseInt(parts[0], 10, 64)
		rpid, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return "", nil, fmt.Errorf("评论标识符不是合法数字对: %q", target.Identifier)
		}
		form.Set("oid", strconv.FormatInt(oid, 10))
		form.Set("type", "1")
		form.Set("rpid", strconv.FormatInt(rpid, 10))
		form.Set("reason", strconv.Itoa(reason))
		form.Set("content", target.Detail)
		return "/x/v2/reply/report", form, nil

	case models.TargetTypeUser:
		mid, err := strconv.ParseInt(target.Identifier, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("用户标识符不是合法 mid: %q", target.Identifier)
		}
		form.Set("mid", strconv.FormatInt(mid, 10))
		form.Set("reason", strconv.Itoa(reason))
		return s.spaceBase + "/ajax/report/add", form, nil

	default:
		return "", nil, fmt.Errorf("未知目标类型: %q", target.Type)
	}
}

// recordSuccess 成功收尾：completed + 日志 + 事件
func (s *ReportService) recordSuccess(target *models.Target, account *models.Account, reqSnap, respSnap string) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(target).Update("status", models.TargetStatusCompleted).Error; err != nil {
			return err
		}
		return tx.Create(&models.ReportLog{
			ID:        uuid.NewString(),
			TargetID:  target.ID,
			AccountID: &account.ID,
			Request:   reqSnap,
			Response:  truncate(respSnap, 2000),
			Success:   true,
		}).Error
	})
	if err != nil {
		log.Printf("❌ 目标 %d 成功结果落库失败: %v", target.ID, err)
		return
	}
	target.Status = models.TargetStatusCompleted
	log.Printf("✅ 目标 %d 举报成功 (账号 %d)", target.ID, account.ID)
	s.emit(Event{Type: EventTargetState, TargetID: target.ID, AccountID: account.ID, Success: true, Message: string(models.TargetStatusCompleted)})
	s.emit(Event{Type: EventReportLog, TargetID: target.ID, AccountID: account.ID, Success: true, Message: "举报已提交"})
}

// recordFailure 追加一条失败日志（不负责状态迁移）
func (s *ReportService) recordFailure(target *models.Target, accountID *uint, reqSnap, respSnap, errMsg string, class ErrorClass) {
	entry := &models.ReportLog{
		ID:        uuid.NewString(),
		TargetID:  target.ID,
		AccountID: accountID,
		Request:   reqSnap,
		Response:  truncate(respSnap, 2000),
		Success:   false,
		ErrorMsg:  errMsg,
	}
	if err := s.db.Create(entry).Error; err != nil {
		log.Printf("❌ 目标 %d 失败日志写入失败: %v", target.ID, err)
	}
	var aid uint
	if accountID != nil {
		aid = *accountID
	}
	s.emit(Event{Type: EventReportLog, TargetID: target.ID, AccountID: aid, Success: false, Message: class.HumanMessage()})
}

// advanceAfterFailure 失败后的状态迁移：重试计数单调递增，
// 到达上限强制 failed（熔断），否则退回 pending 等下一轮。
func (s *ReportService) advanceAfterFailure(target *models.Target, class ErrorClass, msg string) {
	target.RetryCount++
	next := models.TargetStatusPending
	if target.RetryCount >= s.maxRetries {
		next = models.TargetStatusFailed
		log.Printf("🛑 目标 %d 达到重试上限 %d，已熔断", target.ID, s.maxRetries)
	}

	err := s.db.Model(target).Updates(map[string]interface{}{
		"status":      next,
		"retry_count": target.RetryCount,
		"last_error":  msg,
	}).Error
	if err != nil {
		log.Printf("❌ 目标 %d 失败状态落库失败: %v", target.ID, err)
		return
	}
	target.Status = next
	target.LastError = msg
	s.emit(Event{Type: EventTargetState, TargetID: target.ID, Success: false, Message: string(next)})
}

// forceFailed 不可恢复的前置失败直接熔断
func (s *ReportService) forceFailed(target *models.Target, msg string) {
	err := s.db.Model(target).Updates(map[string]interface{}{
		"status":      models.TargetStatusFailed,
		"retry_count": target.RetryCount,
		"last_error":  msg,
	}).Error
	if err != nil {
		log.Printf("❌ 目标 %d 熔断落库失败: %v", target.ID, err)
		return
	}
	target.Status = models.TargetStatusFailed
	s.emit(Event{Type: EventTargetState, TargetID: target.ID, Success: false, Message: string(models.TargetStatusFailed)})
}

// FailSupervised 监督器完成回调的补偿入口：异步单元异常逃逸时
// 按重试上限把目标推进到 failed 或退回 pending
func (s *ReportService) FailSupervised(targetID uint, msg string) {
	var t models.Target
	if err := s.db.First(&t, targetID).Error; err != nil {
		log.Printf("❌ 目标 %d 补偿加载失败: %v", targetID, err)
		return
	}
	if t.Status != models.TargetStatusProcessing {
		return
	}
	s.advanceAfterFailure(&t, ClassTransient, msg)
}

// flagAccountIfNeeded 风控/掉登录的账号立刻标记失效，
// 防止后续执行继续消耗这个账号
func (s *ReportService) flagAccountIfNeeded(account *models.Account, class ErrorClass) {
	if class != ClassRiskControl && class != ClassUnauthenticated {
		return
	}
	if err := s.db.Model(account).Update("status", models.AccountStatusInvalid).Error; err != nil {
		log.Printf("❌ 账号 %d 标记失效落库失败: %v", account.ID, err)
		return
	}
	account.Status = models.AccountStatusInvalid
	log.Printf("⚠️ 账号 %d 因 %s 被标记失效", account.ID, class)
	s.emit(Event{Type: EventAccountState, AccountID: account.ID, Success: false, Message: string(models.AccountStatusInvalid)})
}

// CheckAccount 账号健康检查：拉导航接口验证会话。
// 通过则回到 valid（expiring 由此晋升），掉登录降为 invalid，
// 其它波动降为 expiring 留待下轮复查。
func (s *ReportService) CheckAccount(ctx context.Context, account *models.Account) error {
	res, err := s.client.GetJSON(ctx, "/x/web-interface/nav", nil, CredentialFromAccount(account))
	now := time.Now()

	next := account.Status
	switch {
	case err != nil:
		return err
	case res.Success():
		next = models.AccountStatusValid
		// 校验 uid，首次通过时补写
		var nav struct {
			Mid int64 `json:"mid"`
		}
		if json.Unmarshal(res.Data, &nav) == nil && nav.Mid > 0 {
			account.UID = &nav.Mid
		}
	case res.Class == ClassUnauthenticated:
		next = models.AccountStatusInvalid
	default:
		next = models.AccountStatusExpiring
	}

	updates := map[string]interface{}{
		"status":        next,
		"last_check_at": now,
	}
	if account.UID != nil {
		updates["uid"] = *account.UID
	}
	if err := s.db.Model(account).Updates(updates).Error; err != nil {
		return err
	}
	prev := account.Status
	account.Status = next
	account.LastCheckAt = &now
	if prev != next {
		log.Printf("🩺 账号 %d 健康检查: %s → %s", account.ID, prev, next)
	}
	s.emit(Event{Type: EventAccountState, AccountID: account.ID, Success: next == models.AccountStatusValid, Message: string(next)})
	return nil
}

// CheckAccounts 检查全部 valid / expiring 账号
func (s *ReportService) CheckAccounts(ctx context.Context) error {
	var accounts []models.Account
	err := s.db.Where("status IN ?", []models.AccountStatus{
		models.AccountStatusValid, models.AccountStatusExpiring,
	}).Find(&accounts).Error
	if err != nil {
		return err
	}
	for i := range accounts {
		if err := s.CheckAccount(ctx, &accounts[i]); err != nil {
			log.Printf("⚠️ 账号 %d 健康检查失败: %v", accounts[i].ID, err)
		}
	}
	return nil
}

// snapshotRequest 请求快照。csrf 属于会话凭证，快照前抹掉。
func snapshotRequest(endpoint string, form url.Values) string {
	clean := url.Values{}
	for k, vs := range form {
		if k == "csrf" {
			clean.Set(k, "***")
			continue
		}
		for _, v := range vs {
			clean.Add(k, v)
		}
	}
	return endpoint + "?" + clean.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
