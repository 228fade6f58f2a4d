/**
 * @description
 * This package handles the configuration management for the deposit-service.
 * It uses the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings, and normalizes the interest-plan surface before the ledger core
 * sees it.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the deposit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	CashServiceURL              string  `mapstructure:"CASH_SERVICE_URL"`
	CashServiceInternalAPIKey   string  `mapstructure:"CASH_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey              string  `mapstructure:"INTERNAL_API_KEY"`
	DefaultCurrency             string  `mapstructure:"DEFAULT_CURRENCY"`
	DemandInterestEnabled       bool    `mapstructure:"DEMAND_INTEREST_ENABLED"`
	DemandInterestRate          float64 `mapstructure:"DEMAND_INTEREST_RATE"`
	DemandInterestCycle         string  `mapstructure:"DEMAND_INTEREST_CYCLE"`
	FixedTermPlansJSON          string  `mapstructure:"FIXED_TERM_PLANS"`
	SettlementJobSchedule       string  `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	OperationRateLimitPerMinute int     `mapstructure:"OPERATION_RATE_LIMIT_PER_MINUTE"`

	// Parsed views of the raw values above.
	DemandPolicy   domain.DemandPolicy    `mapstructure:"-"`
	FixedTermPlans []domain.FixedTermPlan `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DEFAULT_CURRENCY", "GLD")
	viper.SetDefault("DEMAND_INTEREST_ENABLED", true)
	viper.SetDefault("DEMAND_INTEREST_RATE", 0.25)
	viper.SetDefault("DEMAND_INTEREST_CYCLE", string(domain.CycleDay))
	viper.SetDefault("FIXED_TERM_PLANS", `[{"name":"weekly","rate":4.35,"cycle":"week"},{"name":"monthly","rate":5,"cycle":"month"}]`)
	// Five past midnight so the day boundary has unambiguously passed.
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", "5 0 * * *")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "pennybot:rate_limit")
	viper.SetDefault("OPERATION_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CASH_SERVICE_URL")
	_ = viper.BindEnv("CASH_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("DEMAND_INTEREST_ENABLED")
	_ = viper.BindEnv("DEMAND_INTEREST_RATE")
	_ = viper.BindEnv("DEMAND_INTEREST_CYCLE")
	_ = viper.BindEnv("FIXED_TERM_PLANS")
	_ = viper.BindEnv("SETTLEMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("OPERATION_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.CashServiceInternalAPIKey = strings.TrimSpace(config.CashServiceInternalAPIKey)
	if config.CashServiceInternalAPIKey == "" {
		config.CashServiceInternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	}

	if config.DemandInterestRate < 0 {
		log.Printf("level=warn component=config msg=\"negative demand interest rate configured; coercing to zero\" rate=%f", config.DemandInterestRate)
		config.DemandInterestRate = 0
	}

	demandCycle := domain.Cycle(strings.ToLower(strings.TrimSpace(config.DemandInterestCycle)))
	if !demandCycle.Valid() {
		log.Printf("level=warn component=config msg=\"invalid demand interest cycle; falling back to day\" cycle=%q", config.DemandInterestCycle)
		demandCycle = domain.CycleDay
	}
	config.DemandPolicy = domain.DemandPolicy{
		Enabled: config.DemandInterestEnabled,
		Rate:    config.DemandInterestRate,
		Cycle:   demandCycle,
	}

	config.FixedTermPlans = parseFixedTermPlans(config.FixedTermPlansJSON)

	if config.OperationRateLimitPerMinute < 0 {
		config.OperationRateLimitPerMinute = 0
	}

	return
}

// parseFixedTermPlans decodes the FIXED_TERM_PLANS JSON array and drops
// entries a settlement could not honor, preserving the configured order.
func parseFixedTermPlans(raw string) []domain.FixedTermPlan {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var plans []domain.FixedTermPlan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		log.Printf("level=warn component=config msg=\"invalid FIXED_TERM_PLANS json; no fixed-term plans offered\" err=%v", err)
		return nil
	}

	valid := plans[:0]
	for _, plan := range plans {
		plan.Cycle = domain.Cycle(strings.ToLower(strings.TrimSpace(string(plan.Cycle))))
		if strings.TrimSpace(plan.Name) == "" || plan.Rate <= 0 || !plan.Cycle.Valid() {
			log.Printf("level=warn component=config msg=\"dropping invalid fixed-term plan\" name=%q rate=%f cycle=%q", plan.Name, plan.Rate, plan.Cycle)
			continue
		}
		valid = append(valid, plan)
	}
	return valid
}
