package handler

import (
	"context"
	"net/http"

	"smart_bays/internal/domain"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
)

// ReportIngester is satisfied by service.SensorIngest.
type ReportIngester interface {
	Ingest(ctx context.Context, r domain.SensorReport) (service.IngestResult, error)
}

// SensorHandler accepts reports from devices that post directly instead of
// going through the broker.
type SensorHandler struct {
	ingest ReportIngester
}

func NewSensorHandler(ingest ReportIngester) *SensorHandler {
	return &SensorHandler{ingest: ingest}
}

// POST /iot/sensor-reports
func (h *SensorHandler) Report(c *gin.Context) {
	var report domain.SensorReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.ingest.Ingest(c.Request.Context(), report)
	if err != nil {
		respondError(c, "SensorHandler.Report", err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
