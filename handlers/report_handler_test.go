package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
	"github.com/yj147/bilibili-sub001/storage"
)

func newReportRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("数据库打开失败: %v", err)
	}

	events := services.NewEventBus()
	keys := services.NewKeyCache(func(context.Context) (string, string, error) {
		return "img", "sub", nil
	}, time.Hour)
	reports := services.NewReportService(db, services.NewClient(keys), services.NewCooldownTracker(0), events)
	batch := services.NewBatchService(db, reports, events)
	t.Cleanup(batch.Close)

	h := NewReportHandler(db, reports, batch)
	r := gin.New()
	r.POST("/api/targets/:id/execute", h.ExecuteTarget)
	return r, db
}

func TestExecuteTargetAcceptsAsync(t *testing.T) {
	r, db := newReportRouter(t)
	target := models.Target{Type: models.TargetTypeVideo, Identifier: "12345", Reason: 1, Status: models.TargetStatusPending}
	if err := db.Create(&target).Error; err != nil {
		t.Fatalf("目标写入失败: %v", err)
	}

	// 受理即返回：接口不等拟人延迟和退避跑完
	start := time.Now()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/targets/%d/execute", target.ID), nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("受理耗时 %v，接口被同步执行拖住了", elapsed)
	}
}

func TestExecuteTargetRejectsNonPending(t *testing.T) {
	r, db := newReportRouter(t)
	target := models.Target{Type: models.TargetTypeVideo, Identifier: "12345", Reason: 1, Status: models.TargetStatusCompleted}
	if err := db.Create(&target).Error; err != nil {
		t.Fatalf("目标写入失败: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/targets/%d/execute", target.ID), nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}
