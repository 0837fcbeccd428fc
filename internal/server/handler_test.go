package server

import (
	"net/http"
	"testing"

	"groupchat/internal/service"
)

func TestStatusOf_TotalMapping(t *testing.T) {
	tests := []struct {
		kind service.Kind
		want int
	}{
		{service.KindNotFound, http.StatusNotFound},
		{service.KindForbidden, http.StatusForbidden},
		{service.KindConflict, http.StatusConflict},
		{service.KindValidation, http.StatusBadRequest},
		{service.KindUnexpected, http.StatusInternalServerError},
		// 未知分类也必须有着落，映射是全函数。
		{service.Kind(99), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.kind); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
