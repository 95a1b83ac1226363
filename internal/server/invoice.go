package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
)

type invoiceView struct {
	ID              string     `json:"id"`
	InvoiceNumber   string     `json:"invoice_number"`
	UserID          string     `json:"user_id"`
	PeriodYear      int        `json:"period_year"`
	PeriodMonth     int        `json:"period_month"`
	UsageCost       string     `json:"usage_cost"`
	SubscriptionFee string     `json:"subscription_fee"`
	TotalAmount     string     `json:"total_amount"`
	EventCount      int64      `json:"event_count"`
	TotalTokens     int64      `json:"total_tokens"`
	Status          string     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	DueDate         time.Time  `json:"due_date"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

func newInvoiceView(inv *invoicedomain.MonthlyInvoice) invoiceView {
	return invoiceView{
		ID:              inv.ID.String(),
		InvoiceNumber:   inv.InvoiceNumber,
		UserID:          inv.UserID.String(),
		PeriodYear:      inv.PeriodYear,
		PeriodMonth:     inv.PeriodMonth,
		UsageCost:       inv.UsageCost.StringFixed(2),
		SubscriptionFee: inv.SubscriptionFee.StringFixed(2),
		TotalAmount:     inv.TotalAmount.StringFixed(2),
		EventCount:      inv.EventCount,
		TotalTokens:     inv.TotalTokens,
		Status:          string(inv.Status),
		IssuedAt:        inv.IssuedAt,
		DueDate:         inv.DueDate,
		PaidAt:          inv.PaidAt,
	}
}

func (s *Server) ListUserInvoices(c *gin.Context) {
	userID, err := snowflake.ParseString(c.Query("user_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	invoices, err := s.invoiceSvc.ListForUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]invoiceView, 0, len(invoices))
	for i := range invoices {
		views = append(views, newInvoiceView(&invoices[i]))
	}
	c.JSON(http.StatusOK, gin.H{"invoices": views})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, err := parseEventID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newInvoiceView(invoice))
}

func (s *Server) DownloadInvoicePDF(c *gin.Context) {
	id, err := parseEventID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pdf, err := s.invoiceSvc.RenderPDF(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="invoice.pdf"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	id, err := parseEventID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.invoiceSvc.MarkPaid(c.Request.Context(), id, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceView(invoice))
}
