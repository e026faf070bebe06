// Command engine runs the decision and execution engine: `engine trade`
// evaluates live bars through the paper or live gateway, `engine backtest`
// replays stored history through the identical cycle path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atlas-desktop/decision-engine/internal/api"
	"github.com/atlas-desktop/decision-engine/internal/backtest"
	"github.com/atlas-desktop/decision-engine/internal/config"
	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/features"
	"github.com/atlas-desktop/decision-engine/internal/fusion"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/model"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/sentiment"
	"github.com/atlas-desktop/decision-engine/internal/universe"
	"github.com/atlas-desktop/decision-engine/internal/workers"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "trade":
		err = runTrade(os.Args[2:])
	case "backtest":
		err = runBacktest(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  engine trade    [-config engine.yaml] [-paper | -live]
  engine backtest [-config engine.yaml] -pair BTCUSDT,ETHUSDT -from 2024-01-01 -to 2024-03-01 [-backfill]`)
}

func runTrade(args []string) error {
	fs := flag.NewFlagSet("trade", flag.ExitOnError)
	configPath := fs.String("config", "", "path to engine.yaml")
	paper := fs.Bool("paper", false, "force the paper gateway")
	live := fs.Bool("live", false, "force the live gateway")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *paper {
		cfg.Execution.Mode = "paper"
	}
	if *live {
		cfg.Execution.Mode = "live"
	}

	logger, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger.Info("Starting decision engine",
		zap.String("runId", runID),
		zap.String("mode", cfg.Execution.Mode),
		zap.String("interval", string(cfg.Engine.Interval)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := data.NewClient(cfg.Data.Client, logger)
	barSource := data.NewCachedSource(cfg.Data.Cache, client, logger)

	estimator, err := regime.NewEstimator(logger, cfg.Regime, regime.DefaultGaussianEmissions())
	if err != nil {
		return fmt.Errorf("building regime estimator: %w", err)
	}

	scorer, err := buildScorer(cfg.Model, logger)
	if err != nil {
		return err
	}
	defer scorer.Close()

	sentSrc := buildSentimentSource(cfg.Sentiment, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	selector := universe.NewSelector(cfg.Universe, client, logger)
	bus := events.NewBus(logger)

	durable, err := ledger.NewSQLite(cfg.Ledger, runID, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer durable.Close()
	mem := ledger.NewMemory()

	gateway, err := buildGateway(cfg.Execution, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	eng := engine.New(cfg.Engine, engine.Deps{
		Universe:  selector,
		Bars:      barSource,
		Features:  features.NewBuilder(cfg.Features),
		Estimator: estimator,
		Scorer:    scorer,
		SentSrc:   sentSrc,
		SentAgg:   sentiment.NewAggregator(logger, cfg.Sentiment.Reduce),
		Fuser:     fusion.NewFuser(cfg.Fusion),
		Risk:      riskMgr,
		Gateway:   gateway,
		Recorder:  ledger.Tee{mem, durable},
		Bus:       bus,
		Pool:      workers.NewPool(cfg.Workers, logger),
	}, engine.NewMetrics(registry), logger)

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, api.Deps{
			Risk:      riskMgr,
			Estimator: estimator,
			Universe:  selector,
			Ledger:    mem,
			Bus:       bus,
			Registry:  registry,
		}, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Status API failed", zap.Error(err))
			}
		}()
	}

	err = eng.Run(ctx)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(shutdownCtx)
	}
	if err == context.Canceled {
		logger.Info("Engine stopped")
		return nil
	}
	return err
}

func runBacktest(args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "", "path to engine.yaml")
	pairs := fs.String("pair", "", "comma-separated symbols (defaults to config)")
	from := fs.String("from", "", "range start, YYYY-MM-DD")
	to := fs.String("to", "", "range end, YYYY-MM-DD")
	backfill := fs.Bool("backfill", false, "pull missing history from the venue first")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	btCfg := cfg.Backtest
	if *pairs != "" {
		btCfg.Symbols = strings.Split(*pairs, ",")
	}
	if len(btCfg.Symbols) == 0 {
		btCfg.Symbols = cfg.Universe.StaticPairs
	}
	if btCfg.From, err = overrideDate(btCfg.From, *from); err != nil {
		return fmt.Errorf("parsing -from: %w", err)
	}
	if btCfg.To, err = overrideDate(btCfg.To, *to); err != nil {
		return fmt.Errorf("parsing -to: %w", err)
	}
	if btCfg.From.IsZero() || btCfg.To.IsZero() {
		return fmt.Errorf("backtest needs -from and -to (or a configured range)")
	}

	logger, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := data.NewStore(cfg.Data.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if *backfill {
		client := data.NewClient(cfg.Data.Client, logger)
		step := btCfg.Interval.Duration()
		for _, symbol := range btCfg.Symbols {
			if _, err := store.Backfill(ctx, client, symbol, btCfg.Interval, btCfg.From, btCfg.To.Add(step)); err != nil {
				return err
			}
		}
	}

	replay, err := backtest.NewReplaySource(ctx, store, btCfg)
	if err != nil {
		return err
	}

	estimator, err := regime.NewEstimator(logger, cfg.Regime, regime.DefaultGaussianEmissions())
	if err != nil {
		return fmt.Errorf("building regime estimator: %w", err)
	}
	scorer, err := buildScorer(cfg.Model, logger)
	if err != nil {
		return err
	}
	defer scorer.Close()

	engCfg := cfg.Engine
	engCfg.Interval = btCfg.Interval
	engCfg.Lookback = btCfg.Lookback

	riskMgr := risk.NewManager(cfg.Risk, logger)
	mem := ledger.NewMemory()
	eng := engine.New(engCfg, engine.Deps{
		Universe:  universe.Static(btCfg.Symbols),
		Bars:      replay,
		Features:  features.NewBuilder(cfg.Features),
		Estimator: estimator,
		Scorer:    scorer,
		SentSrc:   sentiment.EmptySource{},
		SentAgg:   sentiment.NewAggregator(logger, cfg.Sentiment.Reduce),
		Fuser:     fusion.NewFuser(cfg.Fusion),
		Risk:      riskMgr,
		Gateway:   execution.NewPaperGateway(cfg.Execution.Paper, logger),
		Recorder:  mem,
		Bus:       events.NewBus(logger),
		Pool:      workers.NewPool(cfg.Workers, logger),
	}, engine.NewMetrics(prometheus.NewRegistry()), logger)

	driver := backtest.NewDriver(btCfg, eng, mem, riskMgr, logger)
	result, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(result.Summary)
}

func buildScorer(cfg config.ModelConfig, logger *zap.Logger) (model.Scorer, error) {
	var inner model.Scorer = model.NeutralScorer{}
	if cfg.Artifact.Path != "" {
		artifact, err := model.NewArtifactScorer(logger, cfg.Artifact)
		if err != nil {
			// Schema and load failures are fatal; trading on a model
			// we could not load is not a degradation, it is a bug.
			return nil, fmt.Errorf("loading model artifact: %w", err)
		}
		inner = artifact
	}
	return model.NewGuard(logger, inner, cfg.Guard), nil
}

func buildSentimentSource(cfg config.SentimentConfig, logger *zap.Logger) sentiment.Source {
	sources := []sentiment.Source{sentiment.NewFearGreedSource(logger)}
	if cfg.NewsToken != "" {
		sources = append(sources, sentiment.NewNewsVoteSource(logger, cfg.NewsToken))
	}
	return sentiment.NewMultiSource(logger, sources...)
}

func buildGateway(cfg config.ExecutionConfig, logger *zap.Logger) (execution.Gateway, error) {
	switch cfg.Mode {
	case "live":
		if cfg.Live.APIKey == "" || cfg.Live.APISecret == "" {
			return nil, fmt.Errorf("live mode needs execution.live.api_key and api_secret")
		}
		return execution.NewLiveGateway(cfg.Live, logger), nil
	default:
		return execution.NewPaperGateway(cfg.Paper, logger), nil
	}
}

func setupLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotating),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func overrideDate(current time.Time, flagValue string) (time.Time, error) {
	if flagValue == "" {
		return current, nil
	}
	return time.Parse("2006-01-02", flagValue)
}
