// maiced runs the conversational math tutor: the session router, the four
// tutoring agents and the HTTP front door, wired over Redis, Postgres and
// MongoDB according to a YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/maice-ai/maice/features/bus/pulse"
	pulseclient "github.com/maice-ai/maice/features/bus/pulse/clients/pulse"
	clarifierstore "github.com/maice-ai/maice/features/clarifier/replicated"
	classlogmongo "github.com/maice-ai/maice/features/classlog/mongo"
	classlogclient "github.com/maice-ai/maice/features/classlog/mongo/clients/mongo"
	"github.com/maice-ai/maice/features/httpapi"
	"github.com/maice-ai/maice/features/model/anthropic"
	"github.com/maice-ai/maice/features/model/bedrock"
	"github.com/maice-ai/maice/features/model/middleware"
	"github.com/maice-ai/maice/features/model/openai"
	pgstore "github.com/maice-ai/maice/features/store/postgres"
	"github.com/maice-ai/maice/runtime/tutor/agent"
	"github.com/maice-ai/maice/runtime/tutor/answerer"
	"github.com/maice-ai/maice/runtime/tutor/clarifier"
	"github.com/maice-ai/maice/runtime/tutor/classifier"
	"github.com/maice-ai/maice/runtime/tutor/classlog"
	"github.com/maice-ai/maice/runtime/tutor/config"
	"github.com/maice-ai/maice/runtime/tutor/conversation"
	"github.com/maice-ai/maice/runtime/tutor/model"
	"github.com/maice-ai/maice/runtime/tutor/observer"
	"github.com/maice-ai/maice/runtime/tutor/router"
	"github.com/maice-ai/maice/runtime/tutor/store"
	"github.com/maice-ai/maice/runtime/tutor/store/inmem"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
)

// Fallback model identifiers used when the configuration names none. The
// Anthropic cap is explicit because the Messages API requires one.
const (
	defaultAnthropicModel  = "claude-sonnet-4-5"
	defaultOpenAIModel     = "gpt-4.1-mini"
	defaultBedrockModel    = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	defaultAnthropicTokens = 8192
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Local env files supply credentials during development.
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			log.Fatalf(ctx, err, "load %s", f)
		}
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	logr := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Session bus over Redis.
	ropts, err := redis.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		log.Fatalf(ctx, err, "parse redis url")
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()

	pc, err := pulseclient.New(pulseclient.Options{
		Redis:            rdb,
		StreamMaxLen:     cfg.Bus.StreamMaxLen,
		OperationTimeout: cfg.Bus.OperationTimeout.Duration(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	b, err := pulse.New(pulse.Options{Client: pc, Logger: logr})
	if err != nil {
		log.Fatalf(ctx, err, "build session bus")
	}
	defer b.Close(ctx)

	pingers := []health.Pinger{pc}

	// Conversation repository.
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			log.Fatalf(ctx, err, "open postgres store")
		}
		defer pg.Close()
		st = pg
		pingers = append(pingers, pg)
	default:
		st = inmem.New()
		log.Printf(ctx, "using in-memory store; conversations will not survive restarts")
	}

	// Classification audit log.
	recorder := classlog.Recorder(classlog.NewMemRecorder())
	if uri := cfg.Classlog.MongoURI; uri != "" {
		mdb, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(uri))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongodb")
		}
		defer func() { _ = mdb.Disconnect(context.Background()) }()
		cl, err := classlogclient.New(classlogclient.Options{
			Client:     mdb,
			Database:   cfg.Classlog.Database,
			Collection: cfg.Classlog.Collection,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build classification log client")
		}
		rec, err := classlogmongo.NewRecorder(cl)
		if err != nil {
			log.Fatalf(ctx, err, "build classification recorder")
		}
		recorder = rec
		pingers = append(pingers, cl)
	}

	// Model provider, optionally wrapped in the adaptive token limiter.
	models, err := buildModelClient(ctx, cfg.Model)
	if err != nil {
		log.Fatalf(ctx, err, "build model client")
	}
	models = middleware.Instrument(cfg.Model.Provider, metrics)(models)
	if rl := cfg.Model.RateLimit; rl.Enabled {
		budget, err := rmap.Join(ctx, "maice-model-budget", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "join model budget map")
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, cfg.Model.Provider, rl.InitialTPM, rl.MaxTPM)
		models = limiter.Middleware()(models)
	}

	// Agents.
	clsOpts := []classifier.Option{
		classifier.WithRecorder(recorder),
		classifier.WithTelemetry(logr, metrics, tracer),
	}
	if cfg.Model.Classifier != "" {
		clsOpts = append(clsOpts, classifier.WithModel(cfg.Model.Classifier))
	}
	if d := cfg.Timeouts.Classifier.Duration(); d > 0 {
		clsOpts = append(clsOpts, classifier.WithTimeout(d))
	}
	cls, err := classifier.New(models, b, clsOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "build classifier")
	}

	clarOpts := []clarifier.Option{
		clarifier.WithMaxClarifications(cfg.Clarification.Max),
		clarifier.WithTelemetry(logr, metrics, tracer),
	}
	if cfg.Clarification.Store == "redis" {
		sessions, err := rmap.Join(ctx, "maice-clarifier-sessions", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "join clarification session map")
		}
		clarOpts = append(clarOpts, clarifier.WithSessionStore(clarifierstore.New(sessions)))
	}
	if cfg.Model.Clarifier != "" {
		clarOpts = append(clarOpts, clarifier.WithModel(cfg.Model.Clarifier))
	}
	if d := cfg.Timeouts.Clarifier.Duration(); d > 0 {
		clarOpts = append(clarOpts, clarifier.WithTimeout(d))
	}
	clar, err := clarifier.New(models, b, clarOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "build clarifier")
	}

	ansOpts := []answerer.Option{answerer.WithTelemetry(logr, metrics, tracer)}
	if cfg.Model.Answerer != "" {
		ansOpts = append(ansOpts, answerer.WithModel(cfg.Model.Answerer))
	}
	if d := cfg.Timeouts.Answerer.Duration(); d > 0 {
		ansOpts = append(ansOpts, answerer.WithTimeout(d))
	}
	ans, err := answerer.New(models, b, ansOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "build answerer")
	}

	obsOpts := []observer.Option{observer.WithTelemetry(logr, metrics, tracer)}
	if cfg.Model.Observer != "" {
		obsOpts = append(obsOpts, observer.WithModel(cfg.Model.Observer))
	}
	if d := cfg.Timeouts.Observer.Duration(); d > 0 {
		obsOpts = append(obsOpts, observer.WithTimeout(d))
	}
	obs, err := observer.New(models, b, st, obsOpts...)
	if err != nil {
		log.Fatalf(ctx, err, "build observer")
	}

	sup := agent.NewSupervisor(b, logr, metrics, cls, clar, ans, obs)
	if err := sup.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start agents")
	}
	defer sup.Stop(ctx)

	// Session router and front door.
	asm := conversation.New(st, b, logr)
	rtOpts := []router.Option{
		router.WithClarifications(clar),
		router.WithTelemetry(logr, metrics, tracer),
	}
	if d := cfg.Timeouts.Phase.Duration(); d > 0 {
		rtOpts = append(rtOpts, router.WithPhaseTimeout(d))
	}
	rt := router.New(st, b, sup, asm, rtOpts...)

	srvOpts := []httpapi.Option{
		httpapi.WithHealth(pingers...),
		httpapi.WithRateLimit(cfg.Server.RateRPS, cfg.Server.RateBurst),
	}
	if cfg.Server.Debug {
		srvOpts = append(srvOpts, httpapi.WithDebug())
	}
	api := httpapi.New(rt, srvOpts...)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg.Server.Addr, api.Handler(ctx), &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// buildModelClient constructs the provider client named by the configuration.
func buildModelClient(ctx context.Context, cfg config.Model) (model.Client, error) {
	def := cfg.Default
	switch cfg.Provider {
	case "anthropic":
		if def == "" {
			def = defaultAnthropicModel
		}
		return anthropic.NewFromAPIKey(cfg.APIKey, anthropic.Options{
			DefaultModel: def,
			MaxTokens:    defaultAnthropicTokens,
		})
	case "openai":
		if def == "" {
			def = defaultOpenAIModel
		}
		return openai.NewFromAPIKey(cfg.APIKey, openai.Options{DefaultModel: def})
	case "bedrock":
		if def == "" {
			def = defaultBedrockModel
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.NewFromConfig(awsCfg, bedrock.Options{DefaultModel: def})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
