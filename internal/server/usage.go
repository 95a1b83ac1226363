package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
)

// eventStatusView is the external shape of a usage event. Raw tags and
// rated figures are surfaced; claim bookkeeping stays internal.
type eventStatusView struct {
	ID              string         `json:"id"`
	ModelTag        string         `json:"model_tag"`
	CompanyTag      string         `json:"company_tag,omitempty"`
	Endpoint        string         `json:"endpoint,omitempty"`
	PredictedLabel  string         `json:"predicted_label,omitempty"`
	CallStatus      string         `json:"call_status"`
	ProcessingState string         `json:"processing_state"`
	RetryCount      int            `json:"retry_count"`
	LastError       string         `json:"last_error,omitempty"`
	ReviewRequested bool           `json:"review_requested,omitempty"`
	UserID          *string        `json:"user_id,omitempty"`
	ModelID         *string        `json:"model_id,omitempty"`
	GrossCost       string         `json:"gross_cost"`
	NetCost         string         `json:"net_cost"`
	PeriodYear      *int           `json:"usage_period_year,omitempty"`
	PeriodMonth     *int           `json:"usage_period_month,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func newEventStatusView(e *usagedomain.UsageEvent) eventStatusView {
	view := eventStatusView{
		ID:              e.ID.String(),
		ModelTag:        e.RawModelTag,
		CompanyTag:      e.RawCompanyTag,
		Endpoint:        e.Endpoint,
		PredictedLabel:  e.PredictedLabel,
		CallStatus:      e.CallStatus,
		ProcessingState: string(e.ProcessingState),
		RetryCount:      e.RetryCount,
		LastError:       e.LastError,
		ReviewRequested: e.ReviewRequested,
		GrossCost:       e.GrossCost.String(),
		NetCost:         e.NetCost.String(),
		PeriodYear:      e.UsagePeriodYear,
		PeriodMonth:     e.UsagePeriodMonth,
		ReceivedAt:      e.ReceivedAt,
		ProcessedAt:     e.ProcessedAt,
		Metadata:        e.Metadata,
	}
	if e.UserID != nil {
		id := e.UserID.String()
		view.UserID = &id
	}
	if e.ModelID != nil {
		id := e.ModelID.String()
		view.ModelID = &id
	}
	return view
}

type ingestResponse struct {
	EventID      string `json:"event_id"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.CreateIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ClientIP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	result, err := s.usagesvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, ingestResponse{
		EventID:      result.Event.ID.String(),
		Deduplicated: result.Deduplicated,
	})
}

func (s *Server) IngestUsageBatch(c *gin.Context) {
	var reqs []usagedomain.CreateIngestRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	clientIP := c.ClientIP()
	userAgent := c.Request.UserAgent()
	for i := range reqs {
		reqs[i].ClientIP = clientIP
		reqs[i].UserAgent = userAgent
	}

	result, err := s.usagesvc.IngestBatch(c.Request.Context(), reqs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetUsageStatus(c *gin.Context) {
	id, err := parseEventID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.usagesvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newEventStatusView(event))
}

func (s *Server) RequestUsageReview(c *gin.Context) {
	id, err := parseEventID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.usagesvc.RequestReview(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newEventStatusView(event))
}

func (s *Server) RecentCompanyUsage(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	events, err := s.usagesvc.RecentForCompany(c.Request.Context(), c.Param("tag"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]eventStatusView, 0, len(events))
	for i := range events {
		views = append(views, newEventStatusView(&events[i]))
	}
	c.JSON(http.StatusOK, gin.H{"events": views})
}

func parseEventID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
