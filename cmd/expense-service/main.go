// Command expense-service is the pipeline's entrypoint: it wires every
// internal collaborator together and serves the external HTTP surface plus
// the Background Orchestrator's worker loops. Its CLI structure is adapted
// from the teacher's cli.RootCmd/consumeCmd (cobra subcommands, viper
// config-file overlay on top of flags and environment, goroutine-based
// startup, SIGINT/SIGTERM-triggered graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/affinity"
	"github.com/example/expense-core/internal/agents"
	"github.com/example/expense-core/internal/autoauth"
	"github.com/example/expense-core/internal/billmaster"
	"github.com/example/expense-core/internal/blobstore"
	"github.com/example/expense-core/internal/cache"
	"github.com/example/expense-core/internal/categorization"
	"github.com/example/expense-core/internal/chartmaster"
	"github.com/example/expense-core/internal/config"
	"github.com/example/expense-core/internal/dispatcher"
	"github.com/example/expense-core/internal/expensestore"
	"github.com/example/expense-core/internal/extsystems"
	"github.com/example/expense-core/internal/httpapi"
	"github.com/example/expense-core/internal/identity"
	"github.com/example/expense-core/internal/intake"
	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/messaging"
	"github.com/example/expense-core/internal/mlclassify"
	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/ocr"
	"github.com/example/expense-core/internal/orchestrator"
	"github.com/example/expense-core/internal/queue"
	"github.com/example/expense-core/internal/reconciler"
)

var cfgFile string

// rootCmd runs the HTTP API server plus every Background Orchestrator
// worker loop in one process, the default single-binary deployment.
var rootCmd = &cobra.Command{
	Use:   "expense-service",
	Short: "expense tracking, auto-authorization, and reconciliation pipeline",
	Long: `expense-service serves the expense pipeline's external HTTP API
(expense CRUD, receipt intake, auto-authorization runs, chat messaging,
reconciliation review, the dead-letter queue) and drives the Background
Orchestrator's named-job worker loops.

Configuration is read from the environment (EXPENSE_* variables), optionally
overlaid by a config file and command-line flags.`,
	RunE: runServe,
}

// workerCmd runs only the Background Orchestrator's worker loops, for
// deployments that split the HTTP API and job processing into separate
// processes, mirroring the teacher's separate consume subcommand.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run only the Background Orchestrator's job worker loops",
	RunE:  runWorker,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.expense-service.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP server port")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("jwt_secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))

	rootCmd.AddCommand(workerCmd)
}

// initConfig overlays a config file and environment variables onto viper,
// then exports anything viper resolved back into the EXPENSE_-prefixed
// environment internal/config.Load reads, so a config file or flag takes
// the same precedence the teacher's flags > viper > file > default chain
// gives RabbitMQ/CouchDB settings in cli/root.go.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".expense-service")
	}
	viper.SetEnvPrefix("EXPENSE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}

	for key, envName := range map[string]string{
		"port":         "EXPENSE_PORT",
		"database_url": "EXPENSE_DATABASE_URL",
		"jwt_secret":   "EXPENSE_JWT_SECRET",
	} {
		if viper.IsSet(key) {
			if v := viper.GetString(key); v != "" {
				os.Setenv(envName, v)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles every collaborator built from config, shared by the serve and
// worker run paths.
type app struct {
	db           *gorm.DB
	log          *obs.Log
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	httpapi      httpapi.Collaborators
	httpCfg      httpapi.Config
}

// buildApp constructs every internal collaborator in dependency order:
// storage first, then the escalation tiers categorization depends on, then
// the domain engines, then messaging/dispatch, then the orchestrator and
// identity gate the HTTP surface needs last.
func buildApp() (*app, error) {
	cfg := config.Load()

	logger := obs.NewLogger(obs.LoggerConfig{Level: "info", Format: "json", Service: "expense-service"})
	log := obs.NewLog(logger, map[string]interface{}{"service": "expense-service"})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cacheStore, err := cache.New(db, log)
	if err != nil {
		return nil, fmt.Errorf("build cache store: %w", err)
	}
	expenses, err := expensestore.New(db)
	if err != nil {
		return nil, fmt.Errorf("build expense store: %w", err)
	}
	affinityIndex, err := affinity.New(db, expenses, log)
	if err != nil {
		return nil, fmt.Errorf("build affinity index: %w", err)
	}
	intakeQueue, err := intake.New(db, expenses)
	if err != nil {
		return nil, fmt.Errorf("build intake queue: %w", err)
	}
	bills, err := billmaster.New(db)
	if err != nil {
		return nil, fmt.Errorf("build bill master store: %w", err)
	}
	chart, err := chartmaster.New(db, expenses)
	if err != nil {
		return nil, fmt.Errorf("build chart-of-accounts store: %w", err)
	}

	gateway := llmgateway.New(llmgateway.Config{
		APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL,
		Small: cfg.SmallModelID, Large: cfg.LargeModelID, Vision: cfg.VisionModelID,
		SmallTimeout: cfg.LLMSmallTimeout, LargeTimeout: cfg.LLMLargeTimeout, VisionTimeout: cfg.LLMVisionTimeout,
		SmallTokenBudget: cfg.SmallModelTokenBucket, LargeTokenBudget: cfg.LargeModelTokenBucket,
	})
	classifier := mlclassify.New()
	categorizer := categorization.New(cacheStore, affinityIndex, classifier, gateway, chart,
		cfg.MinConfidence, cfg.PowerToolLexicon, cfg.PowerToolQualifiers, log)

	pipeline, err := ocr.New(gateway, db, ocr.AmountTolerance{Abs: cfg.AmountTolAbs, Rel: cfg.AmountTolRel},
		cfg.OCRMaxPages, cfg.OCRMaxDPI, log)
	if err != nil {
		return nil, fmt.Errorf("build ocr pipeline: %w", err)
	}

	escalationAccounts := make(map[string]bool, len(cfg.EscalationAccountIDs))
	for _, id := range cfg.EscalationAccountIDs {
		escalationAccounts[id] = true
	}
	autoAuthEngine, err := autoauth.New(db, autoauth.NewStoreAdapter(expenses), intakeQueue, bills, autoauth.Config{
		BillHintEnabled: cfg.BillHintEnabled, PolicyEscalationCents: cfg.PolicyEscalationCents,
		EscalationAccounts: escalationAccounts, HealthSweepAgeDays: cfg.HealthSweepAgeDays,
		FuzzyThreshold: cfg.FuzzyThreshold, AmountTolAbs: cfg.AmountTolAbs, AmountTolRel: cfg.AmountTolRel,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build auto-authorization engine: %w", err)
	}

	recon, err := reconciler.New(db, gateway, log)
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	blobs, err := blobstore.New(context.Background(), blobstore.Config{
		Endpoint: cfg.BlobEndpoint, Region: cfg.BlobRegion, Bucket: cfg.BlobBucket,
		AccessKey: cfg.BlobAccessKey, SecretKey: cfg.BlobSecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("build blob store: %w", err)
	}

	substrate, err := messaging.New(db, &messaging.LoggingPush{Log: log})
	if err != nil {
		return nil, fmt.Errorf("build messaging substrate: %w", err)
	}

	receiptAgent := agents.NewReceiptAgent(intakeQueue, blobs, pipeline, categorizer, expenses)
	authAgent := agents.NewAuthorizationAgent(autoAuthEngine, expenses)
	chatAgent := agents.NewChatAgent(expenses, &extsystems.BudgetReader{BaseURL: cfg.BudgetServiceBaseURL})
	dispatch := dispatcher.New(gateway, []dispatcher.Agent{receiptAgent, authAgent, chatAgent},
		&messaging.PosterAdapter{Substrate: substrate}, log)

	pub, err := queue.NewPublisher(cfg.AMQPURL, "expense")
	if err != nil {
		return nil, fmt.Errorf("build amqp publisher: %w", err)
	}
	localQueue, err := orchestrator.NewRedisQueue(context.Background(), orchestrator.RedisQueueConfig{URL: cfg.RedisURL, Prefix: "expense:"})
	if err != nil {
		return nil, fmt.Errorf("build redis job queue: %w", err)
	}
	orc, err := orchestrator.New(db, pub, localQueue, log)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	orc.RegisterDefaults(orchestrator.Collaborators{
		Expenses: expenses, AutoAuth: autoAuthEngine, Affinity: affinityIndex,
		Cache: cacheStore, Messaging: substrate, Blobs: blobs,
	})

	tokens := identity.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	gate := identity.NewGate(tokens, &extsystems.RoleProvider{
		BaseURL: cfg.IdentityServiceBaseURL, APIKey: cfg.IdentityServiceAPIKey,
	})

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = cfg.HTTPPort
	httpCfg.RateLimit = cfg.HTTPRateLimit

	return &app{
		db: db, log: log, cfg: cfg, orchestrator: orc, httpCfg: httpCfg,
		httpapi: httpapi.Collaborators{
			Expenses: expenses, Intake: intakeQueue, AutoAuth: autoAuthEngine,
			Reconciler: recon, Messaging: substrate, Orchestrator: orc, Blobs: blobs,
			Gate: gate, Tokens: tokens,
			Credentials: &extsystems.CredentialChecker{BaseURL: cfg.CredentialServiceBaseURL},
			Dispatcher:  dispatch,
		},
	}, nil
}

// orchestratedJobNames is every job RegisterDefaults wires (spec §4.14).
// A loop is started per name even if its handler was never registered
// (e.g. the messaging/blob collaborators were nil); such a loop still polls
// its queue, and any job it finds is recorded as failed and dead-lettered.
var orchestratedJobNames = []string{
	orchestrator.JobWriteChangeLog, orchestrator.JobWriteStatusLog, orchestrator.JobTriggerAutoAuth,
	orchestrator.JobRefreshAffinity, orchestrator.JobInvalidateCacheForVendor,
	orchestrator.JobSendChatDigest, orchestrator.JobCleanupCacheTombstones,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, name := range orchestratedJobNames {
		go a.orchestrator.RunWorker(ctx, name, 5*time.Second)
	}

	e := httpapi.New(a.httpCfg, a.httpapi, a.log)
	go func() {
		if err := httpapi.StartServer(e, a.httpCfg); err != nil {
			a.log.WithError(err).Error("http server stopped")
		}
	}()

	waitForShutdown()
	a.log.Info("shutting down")
	return httpapi.GracefulShutdown(e, a.httpCfg.ShutdownTimeout)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, name := range orchestratedJobNames {
		go a.orchestrator.RunWorker(ctx, name, 5*time.Second)
	}

	a.log.Info("worker started")
	waitForShutdown()
	a.log.Info("worker shutting down")
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
