package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/orientation-assistant/internal/admission"
	"github.com/suPer8Hu/orientation-assistant/internal/ai"
	"github.com/suPer8Hu/orientation-assistant/internal/answer"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/config"
	"github.com/suPer8Hu/orientation-assistant/internal/db"
	"github.com/suPer8Hu/orientation-assistant/internal/emergency"
	"github.com/suPer8Hu/orientation-assistant/internal/encounter"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"github.com/suPer8Hu/orientation-assistant/internal/retry"
	"github.com/suPer8Hu/orientation-assistant/internal/store/rabbitmq"
	"github.com/suPer8Hu/orientation-assistant/internal/store/redisstore"
)

const module = "main"

func main() {
	cfg := config.Load()
	log := logger.NewZapLogger(cfg.LogFilePath, cfg.IsProd())
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		fatal(log, "config rejected", err)
	}

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		fatal(log, "db open failed", err)
	}
	if err := db.Migrate(gdb); err != nil {
		fatal(log, "db migrate failed", err)
	}

	limits := admission.Limits{PerPatient: cfg.RateLimitPerPatient, PerIP: cfg.RateLimitPerIP, Window: time.Minute}
	var ac admission.Controller
	switch strings.ToLower(cfg.RateLimitBackend) {
	case "redis":
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rds.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rds.Ping(pctx); err != nil {
			log.Warn(module, "redis not reachable yet, admission fails open until it is", map[string]interface{}{"error": err})
		}
		cancel()
		ac = admission.NewShared(rds, limits, log)
	default:
		ac = admission.NewSlidingWindow(limits, nil)
	}

	lists := []emergency.TermList{emergency.DefaultTerms()}
	if cfg.EmergencyTermsFile != "" {
		l, err := emergency.LoadTermList(cfg.EmergencyTermsFile)
		if err != nil {
			fatal(log, "emergency term list", err)
		}
		lists = append(lists, l)
	}
	detector, err := emergency.NewDetector(lists...)
	if err != nil {
		fatal(log, "emergency detector", err)
	}

	provider, err := newRegistry(cfg).Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		fatal(log, "ai provider", err)
	}

	auditRepo := audit.NewRepo(gdb)
	var sink audit.Sink = auditRepo
	if strings.ToLower(cfg.AuditSink) == "rabbit" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitAuditQueue)
		if err != nil {
			fatal(log, "rabbit publisher", err)
		}
		defer pub.Close()
		sink = pub
	}
	recorder := audit.NewRecorder(sink, log, audit.Options{
		Salt:       []byte(cfg.AuditSalt),
		MaxLen:     cfg.AuditMaxLen,
		SampleRate: cfg.AuditSampleRate,
		Workers:    cfg.AuditWorkers,
		QueueSize:  cfg.AuditQueueSize,
	})

	var encounters encounter.Store = encounter.NewRepo(gdb)
	if cfg.EncounterCache > 0 {
		encounters = encounter.NewCachedStore(encounters, cfg.EncounterCache)
	}

	svc := answer.NewService(ac, encounters, ai.NewPromptedModel(provider), detector, recorder, log, answer.Config{
		Salt:           []byte(cfg.AuditSalt),
		ModelTimeout:   cfg.ModelTimeout,
		ContextTimeout: cfg.ContextTimeout,
		Retry: retry.Options{
			Retries:   cfg.ModelRetries,
			BaseDelay: cfg.ModelRetryBase,
			MaxJitter: retry.DefaultOptions().MaxJitter,
		},
		DayLimit: uint(max(cfg.ConsultationDays, 0)),
	})

	h := handlers.NewHandler(svc, auditRepo, recorder)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(h, log, cfg.JWTSecret, cfg.TrustedProxies),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info(module, "api listening", map[string]interface{}{
			"port":        cfg.Port,
			"ai_provider": cfg.AIProvider,
			"admission":   cfg.RateLimitBackend,
			"audit_sink":  cfg.AuditSink,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(module, "server stopped", map[string]interface{}{"error": err})
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(module, "shutting down", nil)

	sctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error(module, "shutdown", map[string]interface{}{"error": err})
	}
	// flush audit records of requests that finished during shutdown
	recorder.Close()
	log.Info(module, "audit flushed", map[string]interface{}{"stats": recorder.Stats()})
}

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for AI_PROVIDER=openai")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, m, ""), nil
	})
	return reg
}

func fatal(log logger.ILogger, msg string, err error) {
	log.Error(module, msg, map[string]interface{}{"error": err})
	_ = log.Sync()
	os.Exit(1)
}
