package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	clockpkg "github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	"github.com/smallbiznis/jupiter/internal/reconcile"
	usagerepo "github.com/smallbiznis/jupiter/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordingInvoiceService captures the periods the job asks for.
type recordingInvoiceService struct {
	years  []int
	months []int
}

func (s *recordingInvoiceService) GenerateForPeriod(_ context.Context, year int, month int) (invoicedomain.RunSummary, error) {
	s.years = append(s.years, year)
	s.months = append(s.months, month)
	return invoicedomain.RunSummary{}, nil
}

func (s *recordingInvoiceService) Get(context.Context, snowflake.ID) (*invoicedomain.MonthlyInvoice, error) {
	return nil, invoicedomain.ErrInvoiceNotFound
}

func (s *recordingInvoiceService) ListForUser(context.Context, snowflake.ID) ([]invoicedomain.MonthlyInvoice, error) {
	return nil, nil
}

func (s *recordingInvoiceService) MarkPaid(context.Context, snowflake.ID, time.Time) error {
	return nil
}

func (s *recordingInvoiceService) RenderPDF(context.Context, snowflake.ID) ([]byte, error) {
	return nil, nil
}

func TestMonthlyInvoiceJobTargetsPreviousMonth(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cases := []struct {
		name      string
		now       time.Time
		wantYear  int
		wantMonth int
	}{
		// Naive date arithmetic lands "one month before Mar 31" on Mar 3
		// and would invoice the still-open month.
		{"last day of a 31-day month", time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC), 2026, 2},
		{"first day of a month", time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC), 2026, 3},
		{"january crosses the year", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), 2025, 12},
		{"leap february boundary", time.Date(2028, 3, 30, 9, 0, 0, 0, time.UTC), 2028, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := clockpkg.NewFakeClock(tc.now)
			capture := &recordingInvoiceService{}
			sched, err := New(Params{
				Log:   zap.NewNop(),
				GenID: node,
				Clock: fake,
				Engine: reconcile.NewEngine(reconcile.EngineParam{
					Log:   zap.NewNop(),
					Clock: fake,
				}),
				Pipeline:   usagerepo.ProvidePipeline(db),
				InvoiceSvc: capture,
				Billing:    config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
			})
			require.NoError(t, err)

			require.NoError(t, sched.MonthlyInvoiceJob(context.Background()))

			require.Len(t, capture.years, 1)
			assert.Equal(t, tc.wantYear, capture.years[0])
			assert.Equal(t, tc.wantMonth, capture.months[0])
		})
	}
}
