package main

import (
	"b3cifuzz/config"
	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/checkout"
	"b3cifuzz/internal/cifuzz"
	"b3cifuzz/internal/coverage"
	"b3cifuzz/internal/crash"
	"b3cifuzz/internal/fuzz"
	"b3cifuzz/internal/project"
	"b3cifuzz/internal/selector"
	"b3cifuzz/internal/triage"
	"b3cifuzz/internal/verify"
	"b3cifuzz/pkg/database"
	"b3cifuzz/pkg/logger"
	"b3cifuzz/pkg/mq"
	"b3cifuzz/pkg/telemetry"
	"b3cifuzz/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func coreConfig(appConfig *config.AppConfig) config.CoreConfig {
	return appConfig.Core
}

func newCatalog(appConfig *config.AppConfig, logger *zap.Logger) *project.Catalog {
	return project.NewCatalog(appConfig.OssFuzzDir, logger)
}

func newCoverageClient(cfg config.CoreConfig, logger *zap.Logger) *coverage.Client {
	return coverage.NewClient(coverage.NewHTTPFetcher(cfg.HTTPTimeout), cfg, logger)
}

func newSelector(client *coverage.Client, cfg config.CoreConfig, logger *zap.Logger) *selector.Selector {
	return selector.NewSelector(client, cfg, logger)
}

func newVerifier(env buildenv.Environment, appConfig *config.AppConfig, logger *zap.Logger) *verify.Verifier {
	return verify.NewVerifier(env, appConfig.Core, appConfig.BaseRunnerImage, appConfig.Architecture, logger)
}

func newTriageEngine(runner *fuzz.LibFuzzerRunner, baseline *triage.HTTPBaseline, logger *zap.Logger) *triage.Engine {
	return triage.NewEngine(runner, baseline, logger)
}

func newFuzzEngine(runner *fuzz.LibFuzzerRunner, triager *triage.Engine, crashes *crash.CrashManager, appConfig *config.AppConfig, logger *zap.Logger) *fuzz.Engine {
	return fuzz.NewEngine(runner, triager, crashes, appConfig.Core, appConfig.Architecture, logger)
}

var coreModule = fx.Options(
	fx.Provide(
		coreConfig,                  // inject core config value
		newCoverageClient,           // inject coverage report client
		triage.NewHTTPBaseline,      // inject baseline build provider
		fuzz.NewLibFuzzerRunner,     // inject libFuzzer runner
		newTriageEngine,             // inject crash triage
		watchdog.NewWatchDogFactory, // inject watchdog factory
		crash.NewCrashManager,       // inject crash manager
		fx.Annotate(newCatalog, fx.As(new(cifuzz.ProjectCatalog))),
		fx.Annotate(checkout.NewGit, fx.As(new(cifuzz.SourceCheckout))),
		fx.Annotate(buildenv.NewDocker, fx.As(new(buildenv.Environment))),
		fx.Annotate(newSelector, fx.As(new(cifuzz.TargetSelector))),
		fx.Annotate(newVerifier, fx.As(new(cifuzz.BuildVerifier))),
		fx.Annotate(newFuzzEngine, fx.As(new(cifuzz.FuzzEngine))),
		cifuzz.NewCIFuzz,
	),
	crash.SinksModule, // inject optional result sinks
)

// appOptions is the full dependency graph plus extra.
func appOptions(extra ...fx.Option) fx.Option {
	return fx.Options(
		fx.Provide(
			config.LoadConfig,          // inject config
			logger.NewLogger,           // inject logger
			telemetry.NewTelemetry,     // inject telemetry
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			database.NewDBConnection,   // inject db connection
			database.NewRedisClient,    // inject redis client
			mq.NewRabbitMQ,             // inject rabbitmq service
		),
		coreModule,
		fx.Options(extra...),
	)
}

func newApp(extra ...fx.Option) *fx.App {
	return fx.New(
		appOptions(extra...),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
}
