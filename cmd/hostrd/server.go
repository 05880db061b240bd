package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/api"
	"github.com/kalambet/hostrd/internal/classifier"
	"github.com/kalambet/hostrd/internal/config"
	"github.com/kalambet/hostrd/internal/hub"
	"github.com/kalambet/hostrd/internal/inference"
	"github.com/kalambet/hostrd/internal/jobs"
	"github.com/kalambet/hostrd/internal/knowledge"
	"github.com/kalambet/hostrd/internal/logging"
	"github.com/kalambet/hostrd/internal/messaging"
	"github.com/kalambet/hostrd/internal/metrics"
	"github.com/kalambet/hostrd/internal/ratelimit"
	"github.com/kalambet/hostrd/internal/scheduler"
	"github.com/kalambet/hostrd/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, hub and operational API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipModels, _ := cmd.Flags().GetBool("skip-model-check")
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(skipModels, mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, inference and job status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("skip-model-check", false, "start without checking that inference models are present")
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout (logs move to stderr)")
}

func runServer(skipModels, mcpStdio bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	format := cfg.Log.Format
	if mcpStdio {
		format = "console"
	}
	logger, err := logging.New(cfg.Log.Level, format, "hostrd")
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("starting hostrd", zap.String("version", version))

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	signingKey, err := config.SigningKey(cfg)
	if err != nil {
		return fmt.Errorf("initializing signing key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := inference.New(cfg.Inference.BaseURL, inference.WithDimensions(cfg.Inference.EmbeddingDimensions))
	if !skipModels {
		if err := inference.EnsureReady(ctx, client, cfg.Inference.ClassifyModel, cfg.Inference.EmbedModel); err != nil {
			return err
		}
		logger.Info("models ready",
			zap.String("classify_model", cfg.Inference.ClassifyModel),
			zap.String("embed_model", cfg.Inference.EmbedModel),
		)
	}
	svc := inference.NewService(client, inference.Options{
		ClassifyModel: cfg.Inference.ClassifyModel,
		EmbedModel:    cfg.Inference.EmbedModel,
		Labels:        classifier.Labels,
		Timeout:       config.Duration(cfg.Inference.Timeout, 10*time.Second),
	})

	store, err := storage.Open(cfg.Storage.DataDir, storage.WithEmbeddingDimensions(cfg.Inference.EmbeddingDimensions))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	m := metrics.New()
	h := hub.New(logger, hub.WithObserver(m))
	defer h.Close()

	cls, err := buildClassifier(cfg, svc, store, m, logger)
	if err != nil {
		return err
	}

	sender := buildSender(cfg, logger)

	var schedOpts []scheduler.Option
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("loading scheduler timezone: %w", err)
	}
	schedOpts = append(schedOpts,
		scheduler.WithLocation(loc),
		scheduler.WithRunStore(store),
		scheduler.WithObserver(m),
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, job locks fall back to this process only", zap.Error(err))
		}
		lockTTL := config.Duration(cfg.Scheduler.LockTTL, 10*time.Minute)
		schedOpts = append(schedOpts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb, lockTTL, logger)))
	}
	sched := scheduler.New(logger, schedOpts...)

	deps := jobs.Deps{
		Sessions:    store,
		Logger:      logger.Named("jobs"),
		Parallelism: cfg.Scheduler.TenantParallelism,
	}
	for _, reg := range buildJobs(cfg, deps, svc, sender, h) {
		if err := sched.Register(reg.schedule, reg.job); err != nil {
			return fmt.Errorf("registering %s: %w", reg.job.Name(), err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Jobs: sched, Classifier: cls})
	handler := api.NewRouter(api.Deps{
		Jobs:       sched,
		Classifier: cls,
		Knowledge:  knowledge.NewImporter(store, knowledge.DefaultChunkSize, logger),
		Hub:        h,
		Authorizer: hub.PrincipalAuthorizer,
		Tokens:     api.NewTenantTokens(signingKey),
		Metrics:    m,
		MCP:        server.NewStreamableHTTPServer(mcpSrv),
		Token:      apiToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     logger.Named("api"),
	})

	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", zap.Error(err))
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("stopping scheduler", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

func buildClassifier(cfg config.Config, llm classifier.Inference, store *storage.Store, m *metrics.Metrics, logger *zap.Logger) (*classifier.Classifier, error) {
	mode, err := classifier.ParseMode(cfg.Classifier.Mode)
	if err != nil {
		return nil, err
	}
	opts := classifier.Options{
		Mode:                        mode,
		RegexConfidenceThreshold:    cfg.Classifier.RegexConfidenceThreshold,
		LLMConfidenceThreshold:      cfg.Classifier.LLMConfidenceThreshold,
		EnableLLMForAmbiguous:       cfg.Classifier.EnableLLMForAmbiguous,
		GreetingConfidenceThreshold: cfg.Classifier.GreetingConfidenceThreshold,
		MaxLLMRequestsPerMinute:     cfg.Classifier.MaxLLMRequestsPerMinute,
		EnableClassificationLogging: cfg.Classifier.EnableClassificationLogging,
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("classifier options: %w", err)
	}
	return classifier.New(opts, llm, logger,
		classifier.WithLimiter(ratelimit.NewPerMinute(opts.MaxLLMRequestsPerMinute, ratelimit.SystemClock)),
		classifier.WithRecorder(store),
		classifier.WithObserver(m),
	), nil
}

func buildSender(cfg config.Config, logger *zap.Logger) messaging.Sender {
	if cfg.Messaging.WebhookURL == "" {
		logger.Warn("messaging.webhook_url is empty, outbound guest messages are only logged")
		return messaging.NewLogSender(logger)
	}
	return messaging.NewWebhookSender(
		cfg.Messaging.WebhookURL,
		cfg.Messaging.Token,
		config.Duration(cfg.Messaging.Timeout, 15*time.Second),
		logger,
	)
}

type registration struct {
	schedule string
	job      jobs.Job
}

// buildJobs assembles every job with its configured cadence.
func buildJobs(cfg config.Config, deps jobs.Deps, embedder jobs.Embedder, sender messaging.Sender, publisher hub.Publisher) []registration {
	surveyWindow := jobs.SurveyWindow{
		MinAge:   time.Duration(cfg.Jobs.SurveyWindowMinHours) * time.Hour,
		MaxAge:   time.Duration(cfg.Jobs.SurveyWindowMaxHours) * time.Hour,
		Cooldown: time.Duration(cfg.Jobs.SurveyCooldownDays) * 24 * time.Hour,
	}
	surveyLimiter := ratelimit.NewPerMinute(cfg.Messaging.MaxPerMinute, ratelimit.SystemClock)

	return []registration{
		{cfg.Scheduler.Embeddings, jobs.NewEmbeddingsJob(deps, embedder, cfg.Jobs.EmbeddingBatchSize)},
		{cfg.Scheduler.Ratings, jobs.NewRatingsJob(deps, sender,
			time.Duration(cfg.Jobs.RatingWindowHours)*time.Hour,
			surveyWindow.MaxAge,
			time.Duration(cfg.Jobs.RatingExpiryDays)*24*time.Hour,
		)},
		{cfg.Scheduler.Retention, jobs.NewRetentionJob(deps)},
		{cfg.Scheduler.Analytics, jobs.NewAnalyticsJob(deps)},
		{cfg.Scheduler.BookingStatus, jobs.NewBookingStatusJob(deps, publisher)},
		{cfg.Scheduler.ProactiveMessages, jobs.NewProactiveJob(deps, sender, cfg.Jobs.ProactiveBatchSize, cfg.Jobs.ProactiveMaxRetries)},
		{cfg.Scheduler.Surveys, jobs.NewSurveyJob(deps, sender, surveyLimiter, surveyWindow)},
	}
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	httpClient := &http.Client{Timeout: 2 * time.Second}
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	running := false
	if resp, err := httpClient.Get(serverURL + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if inference.New(cfg.Inference.BaseURL).Ping(ctx) == nil {
		printStatus("Inference", "running at %s", cfg.Inference.BaseURL)
	} else {
		printStatus("Inference", "not reachable at %s", cfg.Inference.BaseURL)
	}
	printStatus("Classify model", "%s", cfg.Inference.ClassifyModel)
	printStatus("Embed model", "%s", cfg.Inference.EmbedModel)
	printStatus("Classifier mode", "%s", cfg.Classifier.Mode)

	if running {
		client, err := newAPIClient()
		if err == nil {
			if infos, err := fetchJobs(ctx, client); err == nil {
				failing := 0
				for _, info := range infos {
					if info.LastRun != nil && info.LastRun.Outcome != jobs.OutcomeSuccess {
						failing++
					}
				}
				printStatus("Jobs", "%d registered, %d with errors on last run", len(infos), failing)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
