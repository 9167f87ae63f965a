package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// TaskHandler 一种任务类型的执行函数
type TaskHandler func(ctx context.Context, task *models.ScheduledTask) error

// cron 表达式解析器（带秒字段，与教科书式的 crontab 比多一位）
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Scheduler 定时调度器：cron 表达式任务挂在 cron 引擎上，
// 固定间隔任务由巡检循环按 last_run_at 推算是否到期。
// 每个任务的执行相互隔离，单个任务抛出异常不会拖停调度循环。
type Scheduler struct {
	db      *gorm.DB
	events  *EventBus
	cron    *cron.Cron
	tick    time.Duration
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(db *gorm.DB, events *EventBus) *Scheduler {
	return &Scheduler{
		db:       db,
		events:   events,
		cron:     cron.New(cron.WithParser(cronParser)),
		tick:     time.Second,
		timeout:  5 * time.Minute,
		handlers: make(map[string]TaskHandler),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler 注册任务类型的处理函数
func (s *Scheduler) RegisterHandler(taskType string, h TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

func (s *Scheduler) handler(taskType string) (TaskHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Start 加载活动任务并启动调度
func (s *Scheduler) Start() error {
	var tasks []models.ScheduledTask
	if err := s.db.Where("is_active = ?", true).Find(&tasks).Error; err != nil {
		return err
	}

	registered := 0
	for i := range tasks {
		task := tasks[i]
		sched, err := models.ParseSchedule(task.Schedule)
		if err != nil {
			log.Printf("⚠️ 任务 %d (%s) 调度表达式无效: %v", task.ID, task.Name, err)
			continue
		}
		if sched.Kind != models.ScheduleCron {
			continue // 间隔任务由巡检循环接管
		}
		taskID := task.ID
		if _, err := s.cron.AddFunc(sched.Cron, func() { s.runTask(taskID) }); err != nil {
			log.Printf("⚠️ 任务 %d (%s) cron 注册失败: %v", task.ID, task.Name, err)
			continue
		}
		registered++
		log.Printf("📅 cron 任务注册: %s (%s)", task.Name, sched.Cron)
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.intervalLoop()

	log.Printf("✅ 调度器启动：%d 个 cron 任务，巡检间隔 %v", registered, s.tick)
	return nil
}

// Stop 停止调度并等待在途任务
func (s *Scheduler) Stop() {
	close(s.stop)
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	log.Println("🛑 调度器已停止")
}

// intervalLoop 固定间隔任务的巡检循环。每拍重新查库，
// 新建/停用的间隔任务无需重启即可生效。
func (s *Scheduler) intervalLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runDueIntervalTasks()
		}
	}
}

func (s *Scheduler) runDueIntervalTasks() {
	var tasks []models.ScheduledTask
	if err := s.db.Where("is_active = ? AND schedule LIKE ?", true, "every:%").Find(&tasks).Error; err != nil {
		log.Printf("⚠️ 间隔任务查询失败: %v", err)
		return
	}

	now := time.Now()
	for i := range tasks {
		task := tasks[i]
		sched, err := models.ParseSchedule(task.Schedule)
		if err != nil || sched.Kind != models.ScheduleInterval {
			continue
		}
		if task.LastRunAt != nil && now.Sub(*task.LastRunAt) < sched.Interval {
			continue
		}
		s.runTask(task.ID)
	}
}

// runTask 执行一个任务：隔离 panic，记录 TaskRun 历史，
// 无论成败都推进 last_run_at / next_run_at。
func (s *Scheduler) runTask(taskID uint) {
	var task models.ScheduledTask
	if err := s.db.First(&task, taskID).Error; err != nil {
		log.Printf("⚠️ 任务 %d 加载失败: %v", taskID, err)
		return
	}
	if !task.IsActive {
		return
	}

	h, ok := s.handler(task.TaskType)
	if !ok {
		log.Printf("⚠️ 任务 %d 类型 %s 没有注册处理函数", task.ID, task.TaskType)
		return
	}

	start := time.Now()
	log.Printf("⏰ [%s] 任务开始: %s", task.TaskType, task.Name)

	err := s.invoke(h, &task)
	duration := time.Since(start)

	run := models.TaskRun{
		TaskID:     task.ID,
		TaskType:   task.TaskType,
		Success:    err == nil,
		StartedAt:  start,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		run.Message = err.Error()
		log.Printf("❌ [%s] 任务失败 (%v): %v", task.TaskType, duration, err)
	} else {
		log.Printf("✅ [%s] 任务完成 (%v)", task.TaskType, duration)
	}
	if dbErr := s.db.Create(&run).Error; dbErr != nil {
		log.Printf("⚠️ 任务 %d 历史写入失败: %v", task.ID, dbErr)
	}

	next := s.nextRun(&task, start)
	updates := map[string]interface{}{"last_run_at": start}
	if next != nil {
		updates["next_run_at"] = *next
	}
	if dbErr := s.db.Model(&task).Updates(updates).Error; dbErr != nil {
		log.Printf("⚠️ 任务 %d 运行时间落库失败: %v", task.ID, dbErr)
	}

	if s.events != nil {
		s.events.Publish(Event{Type: EventTaskRun, Success: err == nil, Message: task.TaskType})
	}
}

// RunNow 手动触发一次任务，走与定时触发完全相同的路径
func (s *Scheduler) RunNow(taskID uint) {
	go s.runTask(taskID)
}

// invoke 带超时和 panic 隔离地调用处理函数
func (s *Scheduler) invoke(h TaskHandler, task *models.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务 panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return h(ctx, task)
}

func (s *Scheduler) nextRun(task *models.ScheduledTask, from time.Time) *time.Time {
	sched, err := models.ParseSchedule(task.Schedule)
	if err != nil {
		return nil
	}
	switch sched.Kind {
	case models.ScheduleCron:
		spec, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return nil
		}
		next := spec.Next(from)
		return &next
	case models.ScheduleInterval:
		next := from.Add(sched.Interval)
		return &next
	}
	return nil
}

// SeedDefaultTasks 首次启动时按配置生成内置任务，已存在的类型跳过
func SeedDefaultTasks(db *gorm.DB) error {
	defaults := []struct {
		name     string
		taskType string
		schedKey string
		fallback string
	}{
		{"签名密钥刷新", models.TaskTypeKeyRefresh, "key_refresh", "cron:0 */55 * * * *"},
		{"批量举报执行", models.TaskTypeReportBatch, "report_batch", "cron:0 */10 * * * *"},
		{"账号健康检查", models.TaskTypeHealthCheck, "health_check", "cron:0 0 */6 * * *"},
		{"消息收件箱轮询", models.TaskTypeInboxPoll, "inbox_poll", "cron:0 */5 * * * *"},
		{"过期状态清理", models.TaskTypeCleanup, "cleanup", "cron:0 30 4 * * *"},
	}

	for _, d := range defaults {
		var count int64
		if err := db.Model(&models.ScheduledTask{}).Where("task_type = ?", d.taskType).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		schedule := d.fallback
		if expr, ok := config.GetCronSchedule(d.schedKey); ok {
			schedule = "cron:" + expr
		}
		task := models.ScheduledTask{
			Name:     d.name,
			TaskType: d.taskType,
			Schedule: schedule,
			IsActive: true,
		}
		if err := db.Create(&task).Error; err != nil {
			return err
		}
		log.Printf("📅 内置任务已创建: %s (%s)", d.name, schedule)
	}
	return nil
}
