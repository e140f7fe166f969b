package main

import (
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGinMode(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", gin.DebugMode},
		{"info", gin.ReleaseMode},
		{"error", gin.ReleaseMode},
	}
	for _, tt := range tests {
		if got := ginMode(tt.level); got != tt.want {
			t.Errorf("ginMode(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
