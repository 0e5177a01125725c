// Package app wires configuration, storage, delivery, the service and the
// HTTP API into one process and drives hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"iacnotify/internal/api"
	"iacnotify/internal/config"
	"iacnotify/internal/delivery"
	"iacnotify/internal/eventbus"
	"iacnotify/internal/history"
	"iacnotify/internal/metrics"
	"iacnotify/internal/registry"
	"iacnotify/internal/runtime/supervisor"
	"iacnotify/internal/service"
	"iacnotify/internal/storage"
	logx "iacnotify/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	hist    *history.History
	reg     *registry.Registry
	disp    *delivery.Dispatcher
	svc     *service.Service
	metrics *metrics.Metrics

	httpSrv  *http.Server
	listener net.Listener

	shutdownTimeout time.Duration

	stopOnce sync.Once
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogOptions())
	bus := eventbus.New()

	store, err := storage.Open(cfg.StorageOptions(), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	hist := history.New(cfg.HistoryRetention(), store, log.With(logx.String("comp", "history")), bus)

	reg, err := registry.New(cfg.ChannelList())
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	senders, err := buildSenders(cfg, log.With(logx.String("comp", "delivery")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	disp := delivery.NewDispatcher(cfg.DeliveryTuning(), reg, senders, log.With(logx.String("comp", "delivery")), bus)

	svc, err := service.New(reg, policyFrom(cfg), disp, hist, log.With(logx.String("comp", "service")), bus)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:            cfgm,
		log:             log.With(logx.String("comp", "app")),
		logs:            logSvc,
		bus:             bus,
		store:           store,
		hist:            hist,
		reg:             reg,
		disp:            disp,
		svc:             svc,
		shutdownTimeout: config.MustDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
	}

	a.metrics = metrics.New(log.With(logx.String("comp", "metrics")), metrics.Gauges{
		EnabledChannels: func() float64 { _, n := reg.Counts(); return float64(n) },
		OpenCircuits:    func() float64 { return float64(disp.OpenCircuits()) },
		HistorySize: func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, _ := hist.Len(ctx)
			return float64(n)
		},
		Goroutines: func() float64 {
			if a.sup == nil {
				return 0
			}
			return float64(a.sup.Counters().Active)
		},
	})
	disp.SetObserver(a.metrics)

	handler := api.New(svc, log.With(logx.String("comp", "api")), api.Options{
		RatePerSec: cfg.Server.RatePerSec,
		Burst:      cfg.Server.Burst,
		Metrics:    a.metrics.Handler(),
		Observer:   a.metrics,
	})

	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       config.MustDuration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout:      config.MustDuration(cfg.Server.WriteTimeout, 60*time.Second),
		IdleTimeout:       config.MustDuration(cfg.Server.IdleTimeout, 120*time.Second),
	}
	return a, nil
}

// buildSenders creates the outbound clients the config enables. Email is
// left nil without smtp.host; deliveries to email channels then fail
// permanently.
func buildSenders(cfg *config.Config, log logx.Logger) (delivery.Senders, error) {
	var tg *delivery.TelegramSender
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		s, err := delivery.NewTelegramSender(tok)
		if err != nil {
			return delivery.Senders{}, fmt.Errorf("telegram: %w", err)
		}
		tg = s
	}

	out := delivery.Senders{
		Chat:    delivery.NewChatClient(nil, tg),
		Webhook: delivery.NewWebhookClient(nil, cfg.Webhook.SigningSecret),
	}
	if strings.TrimSpace(cfg.SMTP.Host) != "" {
		s, err := delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			TLS:      cfg.SMTP.TLS,
		})
		if err != nil {
			return delivery.Senders{}, err
		}
		s.SetLogger(log)
		out.Email = s
	}
	return out, nil
}

func policyFrom(cfg *config.Config) service.Policy {
	return service.Policy{
		Channels:   cfg.ChannelList(),
		Rules:      cfg.RuleList(),
		Severities: cfg.SeverityTable(),
	}
}

// Addr is the bound API address once Start returned.
func (a *App) Addr() string {
	if a.listener == nil {
		return a.httpSrv.Addr
	}
	return a.listener.Addr().String()
}

// Done is closed when the app stops or a supervised goroutine fails.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := service.CheckPolicy(policyFrom(cfg)); err != nil {
			return err
		}
		_, err := buildSenders(cfg, logx.Nop())
		return err
	})

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpSrv.Addr, err)
	}
	a.listener = ln

	if err := a.hist.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("history sweep: %w", err)
	}

	a.sup.Go("http.serve", func(c context.Context) error {
		err := a.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool { return a.sup.Context().Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	total, enabled := a.reg.Counts()
	a.log.Info("app started",
		logx.String("addr", a.Addr()),
		logx.Int("channels", total),
		logx.Int("enabled", enabled),
		logx.Int("rules", len(a.svc.Rules())),
	)
	return nil
}

// logEvents mirrors bus events at debug level.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if d, ok := e.Data.(eventbus.DeliveryData); ok {
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("event_id", d.EventID),
					logx.String("channel", d.ChannelID),
					logx.Int("attempt", d.Attempt),
				)
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies published config updates until c is done.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Only the newest pending config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(newCfg.LogOptions())
	a.disp.Apply(newCfg.DeliveryTuning())
	a.hist.Apply(c, newCfg.HistoryRetention())

	if slices.Contains(sections, "senders") {
		senders, err := buildSenders(newCfg, a.log)
		if err != nil {
			a.log.Warn("invalid sender config; keeping previous", logx.Err(err))
		} else {
			a.disp.SetSenders(senders)
		}
	}

	// Only a policy edit rebuilds the registry; other sections leave runtime
	// channel toggles alone.
	if policyChanged(sections) {
		if err := a.svc.Reload(policyFrom(newCfg)); err != nil {
			a.log.Warn("invalid routing policy; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func policyChanged(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "channels", "rules", "event_types":
			return true
		}
	}
	return false
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var stopErr error
	a.stopOnce.Do(func() {
		stopErr = a.stop(ctx, reason)
	})
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// In-flight submissions finish before the supervisor context is canceled.
	a.step(ctx, "http", a.shutdownTimeout, func(c context.Context) error { return a.httpSrv.Shutdown(c) })
	a.sup.Cancel()
	a.step(ctx, "history", 2*time.Second, func(c context.Context) error { return a.hist.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
