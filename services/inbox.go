package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/models"
)

// InboxService 收件箱轮询：定期拉取系统通知未读数，
// 举报的处理结果由平台经站内信下发，未读数变化是唯一的前向信号。
type InboxService struct {
	db     *gorm.DB
	client *Client
	events *EventBus

	lastUnread int
}

// NewInboxService 创建收件箱轮询器
func NewInboxService(db *gorm.DB, client *Client, events *EventBus) *InboxService {
	return &InboxService{db: db, client: client, events: events, lastUnread: -1}
}

// Poll 用一个可用账号查一次未读数。没有可用账号不算错误，
// 下一轮再试。
func (i *InboxService) Poll(ctx context.Context) error {
	var account models.Account
	err := i.db.Where("status = ?", models.AccountStatusValid).
		Order("last_check_at ASC").
		First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			log.Println("⚠️ 收件箱轮询跳过：没有可用账号")
			return nil
		}
		return err
	}

	res, err := i.client.GetJSON(ctx, "/x/msgfeed/unread", nil, CredentialFromAccount(&account))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("未读数查询失败: %w", res.Err())
	}

	var data struct {
		SysMsg int `json:"sys_msg"`
		Reply  int `json:"reply"`
		At     int `json:"at"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return fmt.Errorf("未读数响应解析失败: %w", err)
	}

	if i.lastUnread >= 0 && data.SysMsg > i.lastUnread {
		log.Printf("📅 系统通知新增 %d 条，可能包含举报处理结果", data.SysMsg-i.lastUnread)
		if i.events != nil {
			i.events.Publish(Event{
				Type:      EventTaskRun,
				AccountID: account.ID,
				Success:   true,
				Message:   fmt.Sprintf("系统通知未读 %d 条", data.SysMsg),
			})
		}
	}
	i.lastUnread = data.SysMsg
	return nil
}
