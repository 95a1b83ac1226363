package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the operational knobs of the billing pipeline.
// RetryCeiling bounds automatic reprocessing of unprocessed events;
// ReviewRetryCeiling is the raised ceiling used by the manual failed-event
// review sweep. PaymentGraceDays sets invoice due dates relative to the
// aggregation run date.
type BillingConfig struct {
	RetryCeiling       int `mapstructure:"retryCeiling"`
	ReviewRetryCeiling int `mapstructure:"reviewRetryCeiling"`
	PaymentGraceDays   int `mapstructure:"paymentGraceDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		RetryCeiling:       5,
		ReviewRetryCeiling: 10,
		PaymentGraceDays:   7,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/jupiter/config") // Volume-mounted config
	v.AddConfigPath("/etc/jupiter")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("JUPITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.retryCeiling", defaults.RetryCeiling)
		v.SetDefault("billing.reviewRetryCeiling", defaults.ReviewRetryCeiling)
		v.SetDefault("billing.paymentGraceDays", defaults.PaymentGraceDays)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config, bypassing file watching.
// Used by tests and one-shot commands.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.RetryCeiling <= 0 {
		return errors.New("billing.retryCeiling must be positive")
	}
	if cfg.ReviewRetryCeiling < cfg.RetryCeiling {
		return errors.New("billing.reviewRetryCeiling cannot be below retryCeiling")
	}
	if cfg.PaymentGraceDays < 0 {
		return errors.New("billing.paymentGraceDays cannot be negative")
	}
	return nil
}
