// Package config loads runtime configuration from the environment, with a
// .env file picked up in development.
package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	Port        string
	Env         string
	DatabaseDSN string

	HostBillURL    string
	HostBillAPIID  string
	HostBillAPIKey string

	ComgateURL      string
	ComgateMerchant string
	ComgateSecret   string

	PayUURL    string
	PayUPosID  string
	PayUSecret string

	BankAccountNumber string
	BankIBAN          string
	BankName          string

	ReturnURL       string
	StatusPageURL   string
	CallbackBaseURL string

	SessionTTL   time.Duration
	SweepEvery   time.Duration
	KafkaBroker  string
	KafkaTopic   string
}

// Load reads configuration from the environment. A missing .env file is
// fine; the environment alone is enough in production.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using environment")
	}

	return Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("APP_ENV", "development"),
		DatabaseDSN: getEnv("DATABASE_DSN", "file:payment-lifecycle.db"),

		HostBillURL:    getEnv("HOSTBILL_URL", ""),
		HostBillAPIID:  getEnv("HOSTBILL_API_ID", ""),
		HostBillAPIKey: getEnv("HOSTBILL_API_KEY", ""),

		ComgateURL:      getEnv("COMGATE_URL", "https://payments.comgate.cz/v1.0"),
		ComgateMerchant: getEnv("COMGATE_MERCHANT", ""),
		ComgateSecret:   getEnv("COMGATE_SECRET", ""),

		PayUURL:    getEnv("PAYU_URL", "https://secure.payu.com"),
		PayUPosID:  getEnv("PAYU_POS_ID", ""),
		PayUSecret: getEnv("PAYU_SECRET", ""),

		BankAccountNumber: getEnv("BANK_ACCOUNT_NUMBER", ""),
		BankIBAN:          getEnv("BANK_IBAN", ""),
		BankName:          getEnv("BANK_NAME", ""),

		ReturnURL:       getEnv("RETURN_URL", "http://localhost:8080/payments/return"),
		StatusPageURL:   getEnv("STATUS_PAGE_URL", "http://localhost:3000/payment/status"),
		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),

		SessionTTL:  getDuration("SESSION_TTL", 24*time.Hour),
		SweepEvery:  getDuration("SESSION_SWEEP_INTERVAL", time.Hour),
		KafkaBroker: getEnv("KAFKA_BROKER", ""),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "invoice-paid"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid duration %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}
