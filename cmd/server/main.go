package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/payment-lifecycle/internal/billing/hostbill"
	"github.com/yourorg/payment-lifecycle/internal/circuitbreaker"
	"github.com/yourorg/payment-lifecycle/internal/config"
	"github.com/yourorg/payment-lifecycle/internal/db"
	"github.com/yourorg/payment-lifecycle/internal/events"
	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/gateway/banktransfer"
	"github.com/yourorg/payment-lifecycle/internal/gateway/comgate"
	"github.com/yourorg/payment-lifecycle/internal/gateway/payu"
	"github.com/yourorg/payment-lifecycle/internal/httpapi"
	"github.com/yourorg/payment-lifecycle/internal/initializer"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/monitor"
	"github.com/yourorg/payment-lifecycle/internal/reconciler"
	"github.com/yourorg/payment-lifecycle/internal/session"
	"github.com/yourorg/payment-lifecycle/internal/workflow"
)

func initTracing() func() {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatalf("Failed to create trace exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}
}

func main() {
	log.Println("Starting server...")
	shutdownTracing := initTracing()
	defer shutdownTracing()

	cfg := config.Load()

	gdb, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// One breaker instance covers all outbound targets; each target keeps
	// its own state inside it.
	breaker := circuitbreaker.New(circuitbreaker.Config{})

	registry := gateway.NewRegistry(
		gateway.WithBreaker(comgate.New(comgate.Config{
			Merchant:   cfg.ComgateMerchant,
			Secret:     cfg.ComgateSecret,
			APIBaseURL: cfg.ComgateURL,
		}, nil), breaker),
		gateway.WithBreaker(payu.New(payu.Config{
			PosID:      cfg.PayUPosID,
			Secret:     cfg.PayUSecret,
			APIBaseURL: cfg.PayUURL,
		}, nil), breaker),
		banktransfer.New(banktransfer.Config{
			AccountNumber: cfg.BankAccountNumber,
			IBAN:          cfg.BankIBAN,
			BankName:      cfg.BankName,
		}),
	)

	billingClient := hostbill.New(hostbill.Config{
		BaseURL: cfg.HostBillURL,
		APIID:   cfg.HostBillAPIID,
		APIKey:  cfg.HostBillAPIKey,
	}, nil, breaker)

	ldg := ledger.New(gdb, billingClient)

	sessions := session.NewStore(gdb, cfg.SessionTTL)
	sessions.StartSweeper(context.Background(), cfg.SweepEvery)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBroker != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	wf := workflow.New(billingClient, ldg, publisher, nil)
	rec := reconciler.New(registry, sessions, ldg, wf)
	init := initializer.New(registry, sessions, ldg, cfg.ReturnURL, cfg.CallbackBaseURL)

	mon, err := monitor.NewInitializeMonitor()
	if err != nil {
		log.Fatalf("Failed to compile request schema: %v", err)
	}

	server := httpapi.New(init, rec, ldg, sessions, registry, mon, cfg.StatusPageURL)
	if err := server.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
