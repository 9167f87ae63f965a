package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// TaskSupervisor 异步工作监督器：受理即保证完成回调一定执行
// （成功、出错、panic 都算完成），补偿迁移由回调统一负责，
// 不在各调用点散落 try/rollback。信号量限制同时在途的工作数。
type TaskSupervisor struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewTaskSupervisor 创建监督器，width 为并发准入宽度
func NewTaskSupervisor(width int) *TaskSupervisor {
	if width <= 0 {
		width = 1
	}
	return &TaskSupervisor{sem: make(chan struct{}, width)}
}

// Submit 受理一个异步工作单元。返回错误表示调度本身失败，
// 工作未开始，调用方要做补偿；受理成功后 done 必然会被调用。
func (s *TaskSupervisor) Submit(run func() error, done func(err error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("异步工作 panic: %v", r)
			}
			done(err)
		}()
		err = run()
	}()
	return nil
}

// InFlight 当前占用的准入额度
func (s *TaskSupervisor) InFlight() int {
	return len(s.sem)
}

// Close 停止受理并等待在途工作完成
func (s *TaskSupervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// TargetRunner 批量编排对执行器的依赖面
type TargetRunner interface {
	Claim(targetID uint) (*models.Target, error)
	Rollback(targetID uint) error
	RunClaimed(ctx context.Context, target *models.Target, accountIDs []uint) ExecResult
	FailSupervised(targetID uint, msg string)
}

// BatchService 批量编排：即发即忘派发，受理即返回，
// 实际执行在监督器里按并发宽度推进。
type BatchService struct {
	db     *gorm.DB
	runner TargetRunner
	sup    *TaskSupervisor
	events *EventBus
}

// NewBatchService 创建批量编排器
func NewBatchService(db *gorm.DB, runner TargetRunner, events *EventBus) *BatchService {
	return &BatchService{
		db:     db,
		runner: runner,
		sup:    NewTaskSupervisor(config.GetBatchConcurrency()),
		events: events,
	}
}

// ExecuteBatch 批量派发。每个目标先同步置为 processing 再受理异步
// 工作；受理失败立即回滚到 pending 并把错误抛给直接调用方。
// 返回实际受理的目标数。
func (b *BatchService) ExecuteBatch(targetIDs []uint, accountIDs []uint) (int, error) {
	accepted := 0
	for _, id := range targetIDs {
		target, err := b.runner.Claim(id)
		if err != nil {
			// 不在 pending（已完成/已熔断/正在执行）的目标跳过
			log.Printf("⏭️ 目标 %d 跳过: %v", id, err)
			continue
		}

		tid := target.ID
		t := target
		submitErr := b.sup.Submit(
			func() error {
				// 目标级无并发：pending→processing 门闩保证同一目标
				// 不会有两个在途执行
				b.runner.RunClaimed(context.Background(), t, accountIDs)
				return nil
			},
			func(err error) {
				if err != nil {
					// 逃逸的异常绝不允许无声结束
					log.Printf("❌ 目标 %d 异步执行异常: %v", tid, err)
					b.runner.FailSupervised(tid, err.Error())
				}
			},
		)
		if submitErr != nil {
			if rbErr := b.runner.Rollback(tid); rbErr != nil {
				log.Printf("❌ 目标 %d 派发失败后回滚失败: %v", tid, rbErr)
			}
			return accepted, fmt.Errorf("异步派发失败: %w", submitErr)
		}
		accepted++
	}
	return accepted, nil
}

// PendingTargetIDs 取一批待执行目标，调度器的批量任务用
func (b *BatchService) PendingTargetIDs(limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []uint
	err := b.db.Model(&models.Target{}).
		Where("status = ?", models.TargetStatusPending).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// Close 等待在途执行结束
func (b *BatchService) Close() {
	b.sup.Close()
}
