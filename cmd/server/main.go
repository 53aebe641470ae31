/*
main.go - Application entry point

PURPOSE:
  Builds and runs the timecard settlement server and its operator commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API and the deadline scheduler
  sweep     Run one deadline sweep against the configured store and exit
  preview   Normalize a shift and print hours and fees, touching nothing
  token     Sign a bearer token for the API (requires auth.jwt_secret)
  version   Print version information

STARTUP SEQUENCE (serve):
  1. Load config: defaults, then --config YAML, then SETTLE_* env, then flags
  2. Open the SQL store (sqlite or postgres)
  3. Build the payment gateway (sandbox or http) and the executor
  4. Build notifiers (log, webhook, NATS) and Prometheus metrics
  5. Create settlement.Service, the scheduler and the HTTP router
  6. Start server and scheduler; shut both down on SIGINT/SIGTERM

EXAMPLES:
  # Run with an in-memory database and the sandbox gateway
  ./server serve --db=":memory:"

  # Run against postgres with a config file
  ./server --config settle.yaml serve

  # Price a shift without starting anything
  ./server preview --rate 50 --date 2025-03-10 --start 22:07 --end 06:50 --overnight --break 30

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - api/scheduler.go: Deadline scheduler
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/shift-settlement/api"
	"github.com/warp/shift-settlement/auth"
	"github.com/warp/shift-settlement/config"
	"github.com/warp/shift-settlement/gateway"
	"github.com/warp/shift-settlement/notify"
	"github.com/warp/shift-settlement/settlement"
	"github.com/warp/shift-settlement/store/sqlite"
)

const (
	Version = "0.1.0"
	appName = "shift-settlement"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Timecard approval and payment settlement server",
		Long: `Settles approved timecards: a payer approves (or the deadline passes),
fees are fixed, the payer is charged and the worker is paid out.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath), sweepCmd(&configPath), previewCmd(), tokenCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	var (
		addr    string
		dbPath  string
		dialect string
		gwMode  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and deadline scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, func(cfg *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("addr") {
					cfg.Server.Addr = addr
				}
				if flags.Changed("db") {
					cfg.Database.DSN = dbPath
				}
				if flags.Changed("dialect") {
					cfg.Database.Dialect = dialect
				}
				if flags.Changed("gateway") {
					cfg.Gateway.Mode = gwMode
				}
			})
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "settlement.db", "Database DSN (sqlite path, \":memory:\", or postgres URL)")
	cmd.Flags().StringVar(&dialect, "dialect", config.DialectSQLite, "Database dialect (sqlite, postgres)")
	cmd.Flags().StringVar(&gwMode, "gateway", config.GatewaySandbox, "Payment gateway (sandbox, http)")
	return cmd
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, nil)
			if err != nil {
				return err
			}
			a, err := build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.SweepDeadlines(cmd.Context(), cfg.SweepOptions())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func previewCmd() *cobra.Command {
	var (
		rate      string
		date      string
		start     string
		end       string
		overnight bool
		breakMin  int
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Normalize a shift and print billable hours and fees",
		RunE: func(cmd *cobra.Command, args []string) error {
			hourly, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("invalid --rate: %w", err)
			}
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			shift, err := settlement.NormalizeShift(settlement.ShiftInput{
				ShiftDate:    day,
				StartTime:    start,
				EndTime:      end,
				IsOvernight:  overnight,
				BreakMinutes: breakMin,
			})
			if err != nil {
				return err
			}
			fees, err := settlement.CalculateFees(hourly, shift.TotalHours)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"rounded_start":      shift.RoundedStart.Format(time.RFC3339),
				"rounded_end":        shift.RoundedEnd.Format(time.RFC3339),
				"total_hours":        shift.TotalHours.StringFixed(2),
				"gross_amount":       fees.GrossAmount.StringFixed(2),
				"worker_fee":         fees.WorkerFee.StringFixed(2),
				"worker_net_amount":  fees.WorkerNetAmount.StringFixed(2),
				"payer_total_amount": fees.PayerTotalAmount.StringFixed(2),
				"platform_fee_total": fees.PlatformFeeTotal.StringFixed(2),
			})
		},
	}

	cmd.Flags().StringVar(&rate, "rate", "", "Hourly rate in dollars")
	cmd.Flags().StringVar(&date, "date", "", "Shift date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&start, "start", "", "Start time (HH:MM)")
	cmd.Flags().StringVar(&end, "end", "", "End time (HH:MM)")
	cmd.Flags().BoolVar(&overnight, "overnight", false, "Shift ends on the next day")
	cmd.Flags().IntVar(&breakMin, "break", 0, "Unpaid break in minutes")
	for _, name := range []string{"rate", "date", "start", "end"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, nil)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			r, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.Sign([]byte(cfg.Auth.JWTSecret), subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Worker or payer id, or an operator name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "Role (worker, payer, operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

func loadConfig(path string, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type app struct {
	store    *sqlite.Store
	service  *settlement.Service
	registry *prometheus.Registry
	metrics  *api.Metrics
	nats     *notify.NATS
}

func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	a.store.Close()
}

func build(cfg *config.Config) (*app, error) {
	store, err := sqlite.Open(sqlite.Dialect(cfg.Database.Dialect), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{store: store}

	gw, err := buildGateway(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	executor := settlement.NewPaymentExecutor(gw)
	executor.Timeout = cfg.Gateway.Timeout
	executor.Retry = cfg.RetryPolicy()

	notifiers := []settlement.Notifier{notify.Log{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	if cfg.Notify.NATSURL != "" {
		n, err := notify.DialNATS(cfg.Notify.NATSURL, cfg.Notify.NATSPrefix)
		if err != nil {
			// Events are fire-and-forget; the server runs without NATS.
			log.Printf("[Notify] NATS unavailable: %v", err)
		} else {
			a.nats = n
			notifiers = append(notifiers, n)
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = api.NewMetrics(a.registry)

	svc := settlement.NewService(store, store, store, store, executor)
	svc.GracePeriod = cfg.Approval.GracePeriod
	svc.Notifier = notify.NewMulti(notifiers...)
	svc.Observer = a.metrics
	a.service = svc
	return a, nil
}

func buildGateway(cfg *config.Config) (settlement.Gateway, error) {
	switch cfg.Gateway.Mode {
	case config.GatewayHTTP:
		client, err := gateway.NewClient(gateway.ClientConfig{
			BaseURL:   cfg.Gateway.URL,
			SecretKey: cfg.Gateway.SecretKey,
			Timeout:   cfg.Gateway.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gateway: %w", err)
		}
		return client, nil
	default:
		log.Printf("[Gateway] using sandbox gateway, no real money moves")
		return gateway.NewSandbox(), nil
	}
}

func serve(cfg *config.Config) error {
	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := api.NewDeadlineScheduler(a.service)
	scheduler.CheckInterval = cfg.Sweep.Interval
	scheduler.Options = cfg.SweepOptions()

	handler := api.NewHandler(a.service, a.store)
	handler.Health = a.store
	handler.Scheduler = scheduler

	opts := api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     a.metrics,
	}
	if cfg.Auth.JWTSecret != "" {
		opts.Auth = auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))
	} else {
		log.Printf("[Auth] no JWT secret configured, API is open")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s (store: %s, gateway: %s)", cfg.Server.Addr, cfg.Database.Dialect, cfg.Gateway.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
