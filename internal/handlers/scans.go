package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Scan struct {
	Date       string `json:"date"`
	Patient    string `json:"patient"`
	Diagnosis  string `json:"diagnosis"`
	Confidence string `json:"confidence"`
}

// recentScans is fixed sample data for the dashboard; scan history is not stored.
var recentScans = []Scan{
	{Date: "2024-01-15", Patient: "PT-00123", Diagnosis: "PNEUMONIA", Confidence: "87%"},
	{Date: "2024-01-14", Patient: "PT-00119", Diagnosis: "NORMAL", Confidence: "92%"},
}

func (h *Handler) RecentScans(c *gin.Context) {
	c.JSON(http.StatusOK, recentScans)
}
