package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"mangavault/pkg/models"
)

type RodConfig struct {
	ChromePath        string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// InitScripts run before any page script on every new document.
	InitScripts []string
}

// RodLauncher starts Chrome through go-rod.
type RodLauncher struct {
	cfg RodConfig
	log *zap.Logger
}

func NewRodLauncher(cfg RodConfig, logger *zap.Logger) *RodLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	return &RodLauncher{cfg: cfg, log: logger.Named("rod")}
}

func (l *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	ln := launcher.New().
		Context(ctx).
		Headless(l.cfg.Headless).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-web-security").
		Set("disable-features", "site-per-process").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding")
	if l.cfg.ChromePath != "" {
		ln = ln.Bin(l.cfg.ChromePath)
	}

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		ln.Kill()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}

	probe, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		ln.Kill()
		return nil, fmt.Errorf("open default page: %w", err)
	}

	l.log.Debug("chrome connected", zap.String("control_url", controlURL))
	return &rodBrowser{browser: b, probe: probe, launcher: ln, cfg: l.cfg, log: l.log}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	probe    *rod.Page
	launcher *launcher.Launcher
	cfg      RodConfig
	log      *zap.Logger
}

func (b *rodBrowser) Alive() bool {
	if _, err := b.browser.Version(); err != nil {
		return false
	}
	_, err := b.probe.Timeout(3 * time.Second).Eval(`() => true`)
	return err == nil
}

func (b *rodBrowser) NewSurface(ctx context.Context) (Surface, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, wrapCDP(fmt.Errorf("create browser context: %w", err))
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, wrapCDP(fmt.Errorf("create page: %w", err))
	}

	fail := func(step string, err error) (Surface, error) {
		_ = page.Close()
		_ = incognito.Close()
		return nil, wrapCDP(fmt.Errorf("%s: %w", step, err))
	}

	if b.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.cfg.UserAgent}); err != nil {
			return fail("set user agent", err)
		}
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return fail("inject stealth", err)
	}
	for _, js := range b.cfg.InitScripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return fail("inject init script", err)
		}
	}

	return &rodSurface{page: page, incognito: incognito, navTimeout: b.cfg.NavigationTimeout}, nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	return err
}

type rodSurface struct {
	page       *rod.Page
	incognito  *rod.Browser
	navTimeout time.Duration
}

func (s *rodSurface) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()

	p := s.page.Context(navCtx)
	wait := p.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	if err := p.Navigate(url); err != nil {
		return s.navErr(ctx, navCtx, url, err)
	}
	wait()
	if navCtx.Err() != nil {
		return s.navErr(ctx, navCtx, url, navCtx.Err())
	}
	return nil
}

func (s *rodSurface) navErr(parent, navCtx context.Context, url string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", models.ErrNavigationTimeout, url)
	}
	return wrapCDP(fmt.Errorf("navigate %s: %w", url, err))
}

func (s *rodSurface) Eval(ctx context.Context, js string, out any, args ...any) error {
	res, err := s.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return wrapCDP(err)
	}
	if out == nil || res == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode eval result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}

func (s *rodSurface) Close() error {
	err := s.page.Close()
	if cerr := s.incognito.Close(); err == nil {
		err = cerr
	}
	return err
}

func wrapCDP(err error) error {
	if errors.Is(err, cdp.ErrCtxNotFound) ||
		errors.Is(err, cdp.ErrCtxDestroyed) ||
		errors.Is(err, cdp.ErrSessionNotFound) {
		return fmt.Errorf("%w: %v", models.ErrContextLost, err)
	}
	return err
}
