package models

import "testing"

func TestNormalizeReason(t *testing.T) {
	cases := []struct {
		name   string
		typ    TargetType
		reason int
		want   int
		valid  bool
	}{
		{"视频理由合法", TargetTypeVideo, 4, 4, true},
		{"视频理由越界退兜底", TargetTypeVideo, 99, FallbackVideoReason, false},
		{"评论理由 0 合法", TargetTypeComment, 0, 0, true},
		{"评论理由 11 是空洞", TargetTypeComment, 11, FallbackCommentReason, false},
		{"用户理由合法", TargetTypeUser, 7, 7, true},
		{"用户理由负数退兜底", TargetTypeUser, -1, FallbackUserReason, false},
		{"未知类型原样返回", TargetType("live"), 3, 3, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, valid := NormalizeReason(c.typ, c.reason)
			if got != c.want || valid != c.valid {
				t.Errorf("NormalizeReason(%s, %d) = (%d, %v), want (%d, %v)",
					c.typ, c.reason, got, valid, c.want, c.valid)
			}
		})
	}
}

func TestValidTargetType(t *testing.T) {
	for _, typ := range []TargetType{TargetTypeVideo, TargetTypeComment, TargetTypeUser} {
		if !ValidTargetType(typ) {
			t.Errorf("%s 应为合法类型", typ)
		}
	}
	if ValidTargetType("live") {
		t.Error("live 不应为合法类型")
	}
}

func TestTargetTerminal(t *testing.T) {
	cases := map[TargetStatus]bool{
		TargetStatusPending:    false,
		TargetStatusProcessing: false,
		TargetStatusCompleted:  true,
		TargetStatusFailed:     true,
	}
	for status, want := range cases {
		target := Target{Status: status}
		if target.Terminal() != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, !want, want)
		}
	}
}
