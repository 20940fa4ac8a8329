package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config holds browser process configuration
type Config struct {
	Bin            string
	Headless       bool
	ProfileDir     string
	NavTimeout     time.Duration
	ViewportWidth  int
	ViewportHeight int
}

// RodDriver drives a Chromium instance over CDP. The profile directory is
// the persisted session material: cookies and local storage survive process
// restarts, so a previously authenticated console session is restored on the
// next Open.
type RodDriver struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	page    *rodPage
}

// NewRodDriver creates a driver; the browser is launched lazily on Open
func NewRodDriver(cfg Config) *RodDriver {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}
	return &RodDriver{cfg: cfg}
}

// Open launches or reuses the browser and returns its single page
func (d *RodDriver) Open(ctx context.Context) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.page != nil {
		return d.page, nil
	}

	l := launcher.New().Headless(d.cfg.Headless)
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	if d.cfg.ProfileDir != "" {
		l = l.UserDataDir(d.cfg.ProfileDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("creating page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.ViewportWidth,
		Height:            d.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("setting viewport: %w", err)
	}

	d.browser = browser
	d.page = &rodPage{page: page, navTimeout: d.cfg.NavTimeout}
	return d.page, nil
}

// Release closes the browser. Session material persists in the profile dir.
func (d *RodDriver) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.page = nil
	return err
}

type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Find(ctx context.Context, s Strategy) (Element, error) {
	page := p.page.Context(ctx).Sleeper(rod.NotFoundSleeper)

	var el *rod.Element
	var err error
	switch s.Kind {
	case KindXPath:
		el, err = page.ElementX(s.Query)
	default:
		el, err = page.Element(s.Query)
	}
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, s.Name)
		}
		return nil, err
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) FindAll(ctx context.Context, s Strategy) ([]Element, error) {
	page := p.page.Context(ctx).Sleeper(rod.NotFoundSleeper)

	var els rod.Elements
	var err error
	switch s.Kind {
	case KindXPath:
		els, err = page.ElementsX(s.Query)
	default:
		els, err = page.Elements(s.Query)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

// dropscript dispatches a synthesized drag-and-drop carrying real File
// objects onto the target element. Kept as a single data-driven capability
// call; callers never generate browser-side code.
const dropScript = `(sel, files) => {
	const target = document.querySelector(sel);
	if (!target) return false;
	const dt = new DataTransfer();
	for (const f of files) {
		const bin = atob(f.b64);
		const arr = new Uint8Array(bin.length);
		for (let i = 0; i < bin.length; i++) arr[i] = bin.charCodeAt(i);
		dt.items.add(new File([arr], f.name, { type: f.type }));
	}
	const opts = { bubbles: true, cancelable: true, dataTransfer: dt };
	target.dispatchEvent(new DragEvent('dragenter', opts));
	target.dispatchEvent(new DragEvent('dragover', opts));
	target.dispatchEvent(new DragEvent('drop', opts));
	return true;
}`

func (p *rodPage) SynthesizeDrop(ctx context.Context, target Strategy, files []DropFile) error {
	if target.Kind != KindCSS {
		return fmt.Errorf("drop target must use a css strategy, got %s", target.Kind)
	}

	payload := make([]map[string]string, 0, len(files))
	for _, f := range files {
		payload = append(payload, map[string]string{
			"name": f.Name,
			"type": f.MimeType,
			"b64":  base64.StdEncoding.EncodeToString(f.Content),
		})
	}

	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      dropScript,
		JSArgs:  []interface{}{target.Query, payload},
		ByValue: true,
	})
	if err != nil {
		return fmt.Errorf("synthesizing drop: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("%w: %s", ErrElementNotFound, target.Name)
	}
	return nil
}

func (p *rodPage) Close(ctx context.Context) error {
	return p.page.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Input(ctx context.Context, text string) error {
	return e.el.Context(ctx).Input(text)
}

func (e *rodElement) TypeHuman(ctx context.Context, text string, min, max time.Duration) error {
	el := e.el.Context(ctx)
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(randDuration(min, max)):
		}
	}
	return nil
}

var keyMap = map[string]input.Key{
	"Enter":  input.Enter,
	"Tab":    input.Tab,
	"Escape": input.Escape,
}

func (e *rodElement) Press(ctx context.Context, key string) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	return e.el.Context(ctx).Type(k)
}

func (e *rodElement) SetFiles(ctx context.Context, paths []string) error {
	return e.el.Context(ctx).SetFiles(paths)
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
