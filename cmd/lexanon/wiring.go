package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/straja-ai/lexanon/internal/audit"
	"github.com/straja-ai/lexanon/internal/config"
	"github.com/straja-ai/lexanon/internal/engine"
	"github.com/straja-ai/lexanon/internal/ner"
	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/provider"
	"github.com/straja-ai/lexanon/internal/redact"
	"github.com/straja-ai/lexanon/internal/telemetry"
)

var version = "dev"

// app bundles the engine with the collaborators that need shutting down.
type app struct {
	cfg       *config.Config
	engine    *engine.Engine
	telemetry *telemetry.Provider
	audit     *audit.Emitter
	closers   []func()
}

func newApp(ctx context.Context, cfgPath, patternsPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if patternsPath != "" {
		cfg.Patterns.Path = patternsPath
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lib, err := loadLibrary(cfg.Patterns.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	oracle, closeOracle, err := buildOracle(cfg.NER)
	if err != nil {
		return nil, err
	}
	if closeOracle != nil {
		a.closers = append(a.closers, closeOracle)
	}

	a.telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	routes, err := buildSinks(cfg.Audit)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if len(routes) > 0 {
		a.audit = audit.NewEmitter(audit.EmitterConfig{
			QueueSize:       cfg.Audit.QueueSize,
			Workers:         cfg.Audit.Workers,
			ShutdownTimeout: cfg.Audit.ShutdownTimeout,
		}, routes...)
	}

	a.engine, err = engine.New(cfg, engine.Deps{
		Library:   lib,
		Oracle:    oracle,
		Telemetry: a.telemetry,
		Audit:     a.audit,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// close flushes audit events and telemetry, then releases the oracle.
func (a *app) close(ctx context.Context) {
	if a == nil {
		return
	}
	a.audit.Close(ctx)
	a.telemetry.Shutdown(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadPatternsOnly resolves the pattern library without starting any
// collaborators.
func loadPatternsOnly(opts *rootOptions) (*patterns.Library, error) {
	path := opts.patternsPath
	if path == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Patterns.Path
	}
	return loadLibrary(path)
}

func loadLibrary(path string) (*patterns.Library, error) {
	if strings.TrimSpace(path) == "" {
		return patterns.Default()
	}
	lib, err := patterns.Load(path)
	if err != nil {
		return nil, fmt.Errorf("pattern library %s: %w", path, err)
	}
	return lib, nil
}

// buildOracle returns the configured NER oracle, wrapped in a circuit
// breaker when enabled. The cleanup func may be nil.
func buildOracle(cfg config.NERConfig) (ner.Oracle, func(), error) {
	var (
		oracle  ner.Oracle
		cleanup func()
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "none":
		return nil, nil, nil
	case "http":
		o, err := ner.NewHTTPOracle(ner.HTTPConfig{
			Endpoint:         cfg.HTTP.Endpoint,
			APIKey:           resolveSecret(cfg.HTTP.APIKeyEnv, cfg.HTTP.APIKey),
			Timeout:          cfg.HTTP.Timeout,
			MaxResponseBytes: cfg.HTTP.MaxResponseBytes,
			RuneOffsets:      cfg.HTTP.RuneOffsets,
		})
		if err != nil {
			return nil, nil, err
		}
		oracle = o
	case "onnx":
		o, err := ner.LoadONNX(ner.ONNXConfig{
			ModelDir:          cfg.ONNX.ModelDir,
			SharedLibraryPath: cfg.ONNX.SharedLibraryPath,
			SeqLen:            cfg.ONNX.SeqLen,
			IntraThreads:      cfg.ONNX.IntraThreads,
			InterThreads:      cfg.ONNX.InterThreads,
			PoolSize:          cfg.ONNX.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		oracle = o
		cleanup = o.Close
	default:
		return nil, nil, fmt.Errorf("unknown ner type %q", cfg.Type)
	}

	if cfg.Breaker.Enabled {
		cb, err := ner.NewCircuitBreaker(oracle, ner.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenDuration:        cfg.Breaker.OpenDuration,
		})
		if err != nil {
			if cleanup != nil {
				cleanup()
			}
			return nil, nil, err
		}
		oracle = cb
	}
	redact.Logf("ner oracle: type=%s breaker=%v", cfg.Type, cfg.Breaker.Enabled)
	return oracle, cleanup, nil
}

var openFileSink = func(path string) (audit.Sink, error) { return audit.NewFileSink(path) }

// buildSinks opens every configured sink. On error the sinks opened so far
// are closed again.
func buildSinks(cfg config.AuditConfig) (routes []audit.Route, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, r := range routes {
			if cerr := r.Sink.Close(context.Background()); cerr != nil {
				redact.Logf("audit: closing sink %s: %v", r.Sink.Name(), cerr)
			}
		}
		routes = nil
	}()

	for i, s := range cfg.Sinks {
		var sink audit.Sink
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			fs, err := openFileSink(s.Path)
			if err != nil {
				return routes, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sink = fs
		case "webhook":
			ws, err := audit.NewWebhookSink(s.URL, s.Headers, s.Timeout)
			if err != nil {
				return routes, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sink = ws
		default:
			return routes, fmt.Errorf("audit sink %d: unknown type %q", i, s.Type)
		}
		route := audit.Route{Sink: sink}
		for _, op := range s.Operations {
			route.Operations = append(route.Operations, audit.Operation(strings.ToLower(strings.TrimSpace(op))))
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// buildProvider creates the named generation provider from config.
func buildProvider(ctx context.Context, name string, cfg config.ProviderConfig, gen config.GenerationConfig) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "openai", "mock":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return provider.NewOpenAI(baseURL, resolveSecret(cfg.APIKeyEnv, cfg.APIKey), cfg.Model, cfg.Timeout, cfg.MaxResponseBytes), nil
	case "bedrock":
		return provider.NewBedrock(ctx, provider.BedrockConfig{
			Region:      cfg.Region,
			ModelID:     cfg.Model,
			MaxTokens:   gen.MaxTokens,
			Temperature: gen.Temperature,
		})
	default:
		return nil, fmt.Errorf("provider %q has unknown type %q", name, cfg.Type)
	}
}

// resolveSecret prefers the environment variable over the inline value.
func resolveSecret(envName, inline string) string {
	if envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v
		}
	}
	return inline
}
