// Package render produces the customer-facing PDF for a monthly invoice.
package render

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	"github.com/smallbiznis/jupiter/internal/rating"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
)

// InvoicePDF renders one monthly invoice. Amounts are shown at two decimal
// places; the stored four-place figures stay authoritative.
func InvoicePDF(invoice *invoicedomain.MonthlyInvoice, user *userdomain.User) ([]byte, error) {
	if invoice == nil || user == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	period := time.Date(invoice.PeriodYear, time.Month(invoice.PeriodMonth), 1, 0, 0, 0, 0, time.UTC)

	m.AddRow(10,
		text.NewCol(12, "Invoice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.InvoiceNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.IssuedAt.Format("2006-01-02"), props.Text{Top: 4}),
			text.New("Date due: "+invoice.DueDate.Format("2006-01-02"), props.Text{Top: 8}),
			text.New("Service period: "+period.Format("January 2006"), props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(user.OrganizationTag, props.Text{Top: 5}),
			text.New(user.Email, props.Text{Top: 9}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	m.AddRow(15,
		text.NewCol(8, fmt.Sprintf("API usage (%d events, %d tokens)", invoice.EventCount, invoice.TotalTokens), props.Text{Size: 9}),
		text.NewCol(4, rating.Display(invoice.UsageCost).StringFixed(2), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(8, "Monthly subscription", props.Text{Size: 9}),
		text.NewCol(4, rating.Display(invoice.SubscriptionFee).StringFixed(2), props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(10,
		col.New(6),
		text.NewCol(2, "Total due", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, rating.Display(invoice.TotalAmount).StringFixed(2), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
