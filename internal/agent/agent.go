// Package agent assembles a flowerdesk process: config, secrets, the model provider, tool
// backends, the asset store and the chat session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/floegence/flowerdesk/internal/ai"
	"github.com/floegence/flowerdesk/internal/assetstore"
	"github.com/floegence/flowerdesk/internal/auditlog"
	"github.com/floegence/flowerdesk/internal/config"
	"github.com/floegence/flowerdesk/internal/generation"
	"github.com/floegence/flowerdesk/internal/lockfile"
	"github.com/floegence/flowerdesk/internal/monitor"
	"github.com/floegence/flowerdesk/internal/server"
	"github.com/floegence/flowerdesk/internal/settings"
	"github.com/floegence/flowerdesk/internal/tracing"
	"github.com/floegence/flowerdesk/internal/websearch"
)

const (
	assetsFileName  = "assets.sqlite"
	secretsFileName = "secrets.json"

	braveAPIKeyEnv      = "BRAVE_API_KEY"
	generationAPIKeyEnv = "FLOWERDESK_GENERATION_API_KEY"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file (used to derive state_dir).
	ConfigPath string

	// Sink receives session events in addition to the HTTP event hub.
	Sink ai.Sink
	// LogWriter receives logs and stdout traces. Defaults to os.Stderr.
	LogWriter io.Writer

	Version   string
	Commit    string
	BuildTime string
}

type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string
	stateDir  string

	lock            *lockfile.Lock
	secrets         *settings.SecretsStore
	assets          *assetstore.Store
	audit           *auditlog.Store
	gen             *generation.Client
	hub             *server.Hub
	mon             *monitor.Service
	session         *ai.Session
	shutdownTracing func(context.Context) error
}

func New(ctx context.Context, opts Options) (a *Agent, err error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	logWriter := opts.LogWriter
	if logWriter == nil {
		logWriter = os.Stderr
	}
	logger, err := newLogger(logWriter, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}

	a = &Agent{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		stateDir:  cfg.EffectiveStateDir(cfgPathAbs),
		hub:       server.NewHub(logger),
		mon:       monitor.NewService(logger),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.lock, err = lockfile.AcquireDir(a.stateDir)
	if err != nil {
		return a, fmt.Errorf("lock state dir: %w", err)
	}
	a.secrets = settings.NewSecretsStore(filepath.Join(a.stateDir, secretsFileName))
	a.audit, err = auditlog.New(auditlog.Options{Logger: logger, StateDir: a.stateDir})
	if err != nil {
		return a, fmt.Errorf("open audit log: %w", err)
	}

	a.shutdownTracing, err = tracing.Setup(ctx, tracing.Options{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		Writer:   logWriter,
	})
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}

	a.assets, err = assetstore.Open(filepath.Join(a.stateDir, assetsFileName))
	if err != nil {
		return a, fmt.Errorf("open asset store: %w", err)
	}

	provider, err := a.newProvider()
	if err != nil {
		return a, err
	}

	execOpts := ai.ExecutorOptions{
		Assets:         a.assets,
		ConfirmTimeout: cfg.Tools.EffectiveConfirmTimeout(),
		Logger:         logger,
	}
	searchOn := cfg.Tools.EffectiveSearchEnabled()
	if searchOn {
		s, err := a.newSearcher()
		if err != nil {
			return a, err
		}
		execOpts.Searcher = s
	}
	mediaOn := cfg.EffectiveMediaEnabled()
	if mediaOn {
		a.gen, err = a.newGenerator()
		if err != nil {
			return a, err
		}
		execOpts.Generator = a.gen
	}

	sink := fanout{a.audit, a.hub}
	if opts.Sink != nil {
		sink = append(sink, opts.Sink)
	}
	a.session, err = ai.NewSession(ai.SessionOptions{
		Provider:        provider,
		Executor:        ai.NewToolExecutor(execOpts),
		Model:           cfg.Model.Name,
		SystemPrompt:    cfg.Model.EffectiveSystemPrompt(),
		MaxOutputTokens: cfg.Model.MaxOutputTokens,
		Tools:           ai.ToolDefinitions(ai.ToolCatalogOptions{Search: searchOn, Media: mediaOn}),
		Sink:            sink,
		Logger:          logger,
	})
	if err != nil {
		return a, err
	}

	a.log.Info("agent ready",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"state_dir", a.stateDir,
		"search", searchOn,
		"media", mediaOn,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)
	return a, nil
}

func (a *Agent) newProvider() (ai.Provider, error) {
	m := a.cfg.Model
	key, err := a.secrets.Resolve(settings.SecretModelAPIKey, m.EffectiveAPIKeyEnv())
	if err != nil {
		return nil, fmt.Errorf("read model api key: %w", err)
	}
	p, err := ai.NewProvider(ai.ProviderOptions{
		Type:    m.Provider,
		BaseURL: m.BaseURL,
		APIKey:  key,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s provider: %w", m.Provider, err)
	}
	return p, nil
}

func (a *Agent) newSearcher() (ai.Searcher, error) {
	s := a.cfg.Search
	key := ""
	if s.EffectiveProvider() == config.SearchProviderBrave {
		var err error
		key, err = a.secrets.Resolve(settings.SecretBraveAPIKey, braveAPIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("read brave api key: %w", err)
		}
	}
	c, err := websearch.New(websearch.Options{
		Provider: s.EffectiveProvider(),
		Endpoint: s.Endpoint,
		APIKey:   key,
	})
	if err != nil {
		return nil, fmt.Errorf("init web search: %w", err)
	}
	return searchAdapter{c: c}, nil
}

func (a *Agent) newGenerator() (*generation.Client, error) {
	g := a.cfg.Generation
	key, err := a.secrets.Resolve(settings.SecretGenerationAPIKey, generationAPIKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("read generation api key: %w", err)
	}
	c, err := generation.New(generation.Options{
		ImageEndpoint:     g.ImageEndpoint,
		VideoEndpoint:     g.VideoEndpoint,
		AudioEndpoint:     g.AudioEndpoint,
		APIKey:            key,
		Timeout:           g.Timeout,
		RequestsPerMinute: g.RequestsPerMinute,
		Burst:             g.Burst,
		Breaker: generation.BreakerConfig{
			MaxFailures: g.Breaker.MaxFailures,
			Timeout:     g.Breaker.Timeout,
			Interval:    g.Breaker.Interval,
		},
		Logger: a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("init generation client: %w", err)
	}
	return c, nil
}

func (a *Agent) Session() *ai.Session            { return a.session }
func (a *Agent) Assets() *assetstore.Store       { return a.assets }
func (a *Agent) Audit() *auditlog.Store          { return a.audit }
func (a *Agent) Secrets() *settings.SecretsStore { return a.secrets }
func (a *Agent) Logger() *slog.Logger            { return a.log }
func (a *Agent) StateDir() string                { return a.stateDir }

// Serve runs the HTTP transport until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context) error {
	srv, err := server.New(server.Options{
		Listen:  a.cfg.EffectiveListen(),
		Version: a.version,
		Session: a.session,
		Hub:     a.hub,
		Assets:  a.assets,
		Audit:   a.audit,
		Monitor: a.mon,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Close stops the active turn and releases every resource in reverse order of acquisition.
func (a *Agent) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.session != nil {
		a.session.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.assets != nil {
		errs = append(errs, a.assets.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(context.Background()))
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}

type searchAdapter struct {
	c *websearch.Client
}

func (s searchAdapter) Search(ctx context.Context, query string) (ai.SearchResult, error) {
	r, err := s.c.Search(ctx, query)
	if err != nil {
		return ai.SearchResult{}, err
	}
	return ai.SearchResult{Abstract: r.Abstract, Heading: r.Heading, Related: r.Related}, nil
}

type fanout []ai.Sink

func (f fanout) Emit(ev ai.Event) {
	for _, s := range f {
		s.Emit(ev)
	}
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
