package models

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	cron, err := ParseSchedule("cron:0 */10 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule(cron): %v", err)
	}
	if cron.Kind != ScheduleCron || cron.Cron != "0 */10 * * * *" {
		t.Errorf("cron = %+v", cron)
	}

	every, err := ParseSchedule("every:300")
	if err != nil {
		t.Fatalf("ParseSchedule(every): %v", err)
	}
	if every.Kind != ScheduleInterval || every.Interval != 5*time.Minute {
		t.Errorf("every = %+v", every)
	}
}

func TestParseScheduleRejectsInvalid(t *testing.T) {
	invalid := []string{
		"",
		"0 */10 * * * *", // 缺前缀
		"cron:",
		"every:",
		"every:abc",
		"every:0",
		"every:-5",
		"daily:12:00",
	}
	for _, s := range invalid {
		if _, err := ParseSchedule(s); err == nil {
			t.Errorf("ParseSchedule(%q) 应报错", s)
		}
	}
}

func TestValidTaskType(t *testing.T) {
	for _, typ := range []string{TaskTypeKeyRefresh, TaskTypeReportBatch, TaskTypeHealthCheck, TaskTypeInboxPoll, TaskTypeCleanup} {
		if !ValidTaskType(typ) {
			t.Errorf("%s 应为合法任务类型", typ)
		}
	}
	if ValidTaskType("backup") {
		t.Error("backup 不应为合法任务类型")
	}
}
