package migration

import (
	"strings"

	"github.com/smallbiznis/jupiter/internal/config"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
	"github.com/smallbiznis/jupiter/internal/seed"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(conn.Dialector.Name(), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Local sqlite runs have no versioned-migration driver.
			if err := conn.AutoMigrate(
				&modeldomain.AIModel{},
				&userdomain.User{},
				&discountdomain.DiscountRule{},
				&usagedomain.UsageEvent{},
				&invoicedomain.MonthlyInvoice{},
			); err != nil {
				return err
			}
		}

		if cfg.SeedDemoData {
			return seed.EnsureDemoData(conn)
		}
		return nil
	}),
)
