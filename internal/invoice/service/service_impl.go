package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	"github.com/smallbiznis/jupiter/internal/invoice/render"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"github.com/smallbiznis/jupiter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Users   userdomain.Directory
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	users   userdomain.Directory
	metrics *obsmetrics.PipelineMetrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("invoice.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		users:   p.Users,
		metrics: p.Metrics,
	}
}

// usageTotal is one row of the per-user aggregation.
type usageTotal struct {
	UserID     snowflake.ID
	NetTotal   decimal.Decimal
	EventCount int64
	TokenTotal int64
}

func (s *Service) GenerateForPeriod(ctx context.Context, year int, month int) (invoicedomain.RunSummary, error) {
	if year < 2000 || month < 1 || month > 12 {
		return invoicedomain.RunSummary{}, invoicedomain.ErrInvalidPeriod
	}

	totals, err := s.aggregateUsage(ctx, year, month)
	if err != nil {
		return invoicedomain.RunSummary{}, err
	}
	byUser := make(map[snowflake.ID]usageTotal, len(totals))
	for _, total := range totals {
		byUser[total.UserID] = total
	}

	now := s.clock.Now()
	graceDays := s.billing.Get().PaymentGraceDays
	summary := invoicedomain.RunSummary{}
	var runErr error

	// Every active subscriber gets an invoice, usage or not, so flat fees
	// are billed in idle months. Settled usage from users missing in the
	// active listing is still billed via the totals branch below.
	type billable struct {
		user  *userdomain.User
		total usageTotal
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return invoicedomain.RunSummary{}, err
	}
	billables := make([]billable, 0, len(users)+len(totals))
	listed := make(map[snowflake.ID]bool, len(users))
	for i := range users {
		listed[users[i].ID] = true
		billables = append(billables, billable{user: &users[i], total: byUser[users[i].ID]})
	}
	for _, total := range totals {
		if listed[total.UserID] {
			continue
		}
		user, err := s.users.GetUser(ctx, total.UserID)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("user %s: %w", total.UserID, err))
			continue
		}
		billables = append(billables, billable{user: user, total: total})
	}

	for _, b := range billables {
		if ctx.Err() != nil {
			runErr = errors.Join(runErr, ctx.Err())
			break
		}

		user, total := b.user, b.total
		usageCost := total.NetTotal.RoundBank(4)
		fee := user.MonthlySubscriptionFee
		invoice := &invoicedomain.MonthlyInvoice{
			ID:              s.genID.Generate(),
			InvoiceNumber:   fmt.Sprintf("INV-%04d%02d-%s", year, month, user.ID),
			UserID:          user.ID,
			PeriodYear:      year,
			PeriodMonth:     month,
			UsageCost:       usageCost,
			SubscriptionFee: fee,
			TotalAmount:     usageCost.Add(fee).RoundBank(4),
			EventCount:      total.EventCount,
			TotalTokens:     total.TokenTotal,
			Status:          invoicedomain.InvoiceStatusPending,
			IssuedAt:        now,
			DueDate:         now.AddDate(0, 0, graceDays),
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "user_id"}, {Name: "period_year"}, {Name: "period_month"},
				},
				DoNothing: true,
			}).
			Create(invoice)
		if result.Error != nil {
			// Re-runs racing each other land here on some dialects.
			if db.IsDuplicateKeyErr(result.Error) {
				summary.Skipped++
				continue
			}
			runErr = errors.Join(runErr, fmt.Errorf("invoice %s: %w", invoice.InvoiceNumber, result.Error))
			continue
		}
		if result.RowsAffected == 0 {
			summary.Skipped++
			continue
		}

		summary.Created++
		if s.metrics != nil {
			s.metrics.IncInvoiceCreated()
		}
		s.log.Info("invoice created",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("user_id", user.ID.String()),
			zap.String("total_amount", invoice.TotalAmount.String()),
			zap.Int64("event_count", total.EventCount),
		)
	}

	return summary, runErr
}

func (s *Service) aggregateUsage(ctx context.Context, year int, month int) ([]usageTotal, error) {
	// The window runs on processed_at, not received_at: an event settled
	// late lands on the invoice for the month it was settled in.
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var totals []usageTotal
	err := s.db.WithContext(ctx).Raw(
		`SELECT user_id,
		        SUM(net_cost) AS net_total,
		        COUNT(*) AS event_count,
		        SUM(COALESCE(total_tokens, COALESCE(input_tokens, 0) + COALESCE(output_tokens, 0))) AS token_total
		 FROM usage_events
		 WHERE processing_state = ?
		   AND user_id IS NOT NULL
		   AND processed_at >= ?
		   AND processed_at < ?
		 GROUP BY user_id
		 ORDER BY user_id`,
		usagedomain.StateProcessed,
		start,
		end,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.MonthlyInvoice, error) {
	var invoice invoicedomain.MonthlyInvoice
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) ListForUser(ctx context.Context, userID snowflake.ID) ([]invoicedomain.MonthlyInvoice, error) {
	var invoices []invoicedomain.MonthlyInvoice
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("period_year DESC, period_month DESC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID, paidAt time.Time) error {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return invoicedomain.ErrAlreadyPaid
	}
	return s.db.WithContext(ctx).Model(&invoicedomain.MonthlyInvoice{}).
		Where("id = ? AND status <> ?", id, invoicedomain.InvoiceStatusPaid).
		Updates(map[string]any{
			"status":     invoicedomain.InvoiceStatusPaid,
			"paid_at":    paidAt,
			"updated_at": paidAt,
		}).Error
}

func (s *Service) RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error) {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, invoice.UserID)
	if err != nil {
		return nil, err
	}
	return render.InvoicePDF(invoice, user)
}
