package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gantry-ai/gantry/pkg/budget"
	"github.com/gantry-ai/gantry/pkg/conversation"
	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/engines/monolith"
	enginesollama "github.com/gantry-ai/gantry/pkg/engines/ollama"
	"github.com/gantry-ai/gantry/pkg/engines/openaicompat"
	"github.com/gantry-ai/gantry/pkg/gateway"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/metrics"
	"github.com/gantry-ai/gantry/pkg/middleware"
	"github.com/gantry-ai/gantry/pkg/observe"
	"github.com/gantry-ai/gantry/pkg/profiles"
	"github.com/gantry-ai/gantry/pkg/routing"
	"github.com/gantry-ai/gantry/pkg/scheduling"
	"github.com/gantry-ai/gantry/pkg/store"
	"github.com/gantry-ai/gantry/pkg/streaming"
	"github.com/gantry-ai/gantry/pkg/vram"
)

const (
	// DefaultPort is the listen port when GANTRY_PORT is unset.
	DefaultPort = "8080"
	// shutdownGrace bounds how long the multiplexer may drain on shutdown.
	shutdownGrace = 5 * time.Second
)

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogrusAdapter(log)

	profilePath := os.Getenv("GANTRY_PROFILE_PATH")
	if profilePath == "" {
		profilePath = "profiles.yaml"
	}
	profileName := os.Getenv("GANTRY_PROFILE")
	if profileName == "" {
		profileName = "default"
	}

	profile, err := profiles.Load(logger.WithField("component", "profiles"), profilePath, profileName)
	if err != nil {
		log.Fatalf("Failed to load profile %s from %s: %v", profileName, profilePath, err)
	}
	manager := profiles.NewManager(logger.WithField("component", "profiles"), profile)

	engineSet := buildEngineSet(logger, profile)

	repo, err := buildRepository(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to connect the repository: %v", err)
	}
	defer repo.Close()

	probe := vram.NewHostProbe(logger.WithField("component", "vram"))
	crashes := scheduling.NewCrashTracker(
		logger.WithField("component", "crash-tracker"),
		profile.CrashThreshold,
		profile.CrashWindow.Std(),
	)
	crashes.Subscribe(manager.OnCrashThreshold)

	registry := scheduling.NewRegistry()
	orch := scheduling.NewOrchestrator(
		logger.WithField("component", "orchestrator"),
		scheduling.OrchestratorConfig{
			SoftLimitGB:           profile.SoftLimitGB,
			HardLimitGB:           profile.HardLimitGB,
			SafetyMarginGB:        profile.SafetyMarginGB,
			LargeModelThresholdGB: profile.LargeModelThresholdGB,
			BypassIfCircuitOpen:   profile.BypassIfCircuitOpen,
		},
		manager, engineSet, registry, probe, crashes,
	)

	queue := scheduling.NewQueue(logger.WithField("component", "queue"), profile.QueueCapacity, profile.MaxRetries)
	mux := streaming.NewMux(logger.WithField("component", "mux"), 0, 0)

	journalPath := os.Getenv("GANTRY_BUDGET_JOURNAL")
	if journalPath == "" {
		journalPath = "gantry-budget-journal.json"
	}
	accountant := budget.NewAccountant(logger.WithField("component", "budget"), repo, profile.WeeklyTokenBudget, journalPath)

	builder := conversation.NewBuilder(
		logger.WithField("component", "conversation"),
		conversation.BuilderConfig{
			TriggerTokens:   profile.Summarization.TriggerTokens,
			KeepRecent:      profile.Summarization.KeepRecent,
			SummarizerModel: profile.SummarizerModel(),
		},
		repo, engineSet,
	)

	router := routing.NewRouter(logger.WithField("component", "router"), profile, engineSet)
	resolver := routing.NewResolver(nil)

	obs, err := observe.NewMetrics()
	if err != nil {
		log.Fatalf("Failed to initialise metrics: %v", err)
	}
	defer obs.Shutdown(context.Background())
	if err := obs.RegisterGauges(
		func() int64 { return int64(queue.Size()) },
		func() int64 { return int64(len(registry.Names())) },
		func() float64 {
			snap, err := probe.Snapshot(context.Background())
			if err != nil {
				return 0
			}
			return snap.UsedGB
		},
	); err != nil {
		log.Fatalf("Failed to register gauges: %v", err)
	}

	scheduler := scheduling.NewScheduler(
		logger.WithField("component", "scheduler"),
		scheduling.Config{
			Workers: profile.Workers,
			Monitor: scheduling.MonitorConfig{
				TextTimeout:  profile.VisibilityTimeout.Std(),
				ImageTimeout: profile.ImageVisibilityTimeout.Std(),
			},
			Worker: scheduling.WorkerConfig{
				TextDeadline:  profile.VisibilityTimeout.Std(),
				ImageDeadline: profile.ImageVisibilityTimeout.Std(),
			},
		},
		queue, orch, crashes, router, resolver, builder, accountant, mux, repo, engineSet, obs,
	)

	series := metrics.NewStore()
	sampler := metrics.NewSampler(logger.WithField("component", "sampler"), series, probe, engineSet, queue.Size)

	internalAPIKey := os.Getenv("GANTRY_INTERNAL_API_KEY")
	if internalAPIKey == "" {
		log.Warn("GANTRY_INTERNAL_API_KEY is unset; the control plane rejects all requests")
	}
	internalHandler := scheduling.NewHTTPHandler(
		logger.WithField("component", "control-plane"),
		scheduler, manager, series, internalAPIKey,
	)

	wsHandler := gateway.NewHandler(
		logger.WithField("component", "gateway"),
		gateway.Config{AllowedOrigins: allowedOrigins()},
		buildVerifier(), queue,
		gateway.NewPreprocessor(queue, profile.QueueWatermark),
		mux, repo, accountant, obs,
	)

	routes := http.NewServeMux()
	routes.Handle(gateway.WSPattern, wsHandler)
	routes.Handle(scheduling.InternalPrefix+"/", internalHandler)
	routes.Handle("GET /metrics", obs.Handler())
	routes.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if orch.Ping(r.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	handler := middleware.Recovery(logger, middleware.Logging(logger.WithField("component", "http"), routes))
	handler = otelhttp.NewHandler(handler, "gantry")

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)

	tcpPort := os.Getenv("GANTRY_PORT")
	if tcpPort == "" {
		tcpPort = DefaultPort
	}
	addr := ":" + tcpPort
	log.Infof("Listening on TCP port %s", tcpPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}
	go func() {
		serverErrors <- server.Serve(ln)
	}()

	schedulerErrors := make(chan error, 1)
	go func() {
		schedulerErrors <- scheduler.Run(ctx)
	}()
	go sampler.Run(ctx)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		if err := server.Close(); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
		log.Infoln("Waiting for the scheduler to stop")
		if err := <-schedulerErrors; err != nil {
			log.Errorf("Scheduler error: %v", err)
		}
		mux.CloseAll(shutdownGrace)
	}
	log.Infoln("gantry stopped")
}

// buildEngineSet binds every catalogue model to its adapter. Adapters are
// shared per endpoint so two models on the same engine reuse one client.
func buildEngineSet(logger logging.Logger, profile *profiles.Profile) *engines.Set {
	set := engines.NewSet()
	httpClient := engineHTTPClient()
	shared := map[string]engines.Engine{}
	for _, m := range profile.Models {
		key := string(m.Engine) + "|" + m.Endpoint
		engine, ok := shared[key]
		if !ok {
			engineLog := logger.WithFields(map[string]interface{}{
				"component": "engine",
				"kind":      string(m.Engine),
			})
			switch m.Engine {
			case profiles.KindOpenAI:
				engine = openaicompat.New(engineLog, m.Endpoint, m.APIKey, httpClient)
			case profiles.KindOllama:
				engine = enginesollama.New(engineLog, m.Endpoint, httpClient)
			case profiles.KindMonolith:
				engine = monolith.New(engineLog, m.Endpoint, m.APIKey, m.Name, httpClient)
			}
			shared[key] = engine
		}
		set.Register(m.Name, engine)
	}
	return set
}

// engineHTTPClient is shared by every engine adapter so egress calls show
// up in the same traces and metrics as the ingress they serve.
func engineHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(nil)}
}

// buildRepository picks Redis when GANTRY_REDIS_ADDR is set, the in-memory
// store otherwise.
func buildRepository(ctx context.Context, logger logging.Logger) (store.Repository, error) {
	addr := os.Getenv("GANTRY_REDIS_ADDR")
	if addr == "" {
		log.Info("GANTRY_REDIS_ADDR unset, using the in-memory repository")
		return store.NewMemory(), nil
	}
	db := 0
	if raw := os.Getenv("GANTRY_REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("Invalid GANTRY_REDIS_DB: %v", err)
		}
		db = parsed
	}
	return store.NewRedis(ctx, logger.WithField("component", "store"), addr, os.Getenv("GANTRY_REDIS_PASSWORD"), db)
}

// buildVerifier parses GANTRY_API_TOKENS ("token:user[:tier],...") into a
// static verifier. Deployments with an identity service replace this.
func buildVerifier() gateway.TokenVerifier {
	verifier := &gateway.StaticVerifier{Tokens: map[string]gateway.Identity{}}
	raw := os.Getenv("GANTRY_API_TOKENS")
	if raw == "" {
		log.Warn("GANTRY_API_TOKENS is unset; all chat connections will be rejected")
		return verifier
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			log.Fatalf("Invalid GANTRY_API_TOKENS entry %q", entry)
		}
		identity := gateway.Identity{UserID: parts[1], Tier: scheduling.TierNormal}
		if len(parts) > 2 {
			switch parts[2] {
			case "normal":
				identity.Tier = scheduling.TierNormal
			case "priority":
				identity.Tier = scheduling.TierPriority
			case "admin":
				identity.Tier = scheduling.TierAdmin
			default:
				log.Fatalf("Unknown tier %q in GANTRY_API_TOKENS", parts[2])
			}
		}
		verifier.Tokens[parts[0]] = identity
	}
	return verifier
}

func allowedOrigins() []string {
	raw := os.Getenv("GANTRY_ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}
	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
