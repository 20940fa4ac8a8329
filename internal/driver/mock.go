package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockPage implements the Page interface for testing. Elements are keyed by
// strategy name; strategies with no entry resolve as not found.
type MockPage struct {
	mu sync.Mutex

	Elements map[string]*MockElement

	CurrentURL    string
	NavigateErr   error
	NavigatedURLs []string

	ScreenshotData []byte
	ScreenshotErr  error
	Screenshots    int

	DropErr   error
	DropCalls []DropCall

	// Actions is an ordered "name:verb" log of element interactions
	Actions []string

	Closed bool
}

// DropCall records one SynthesizeDrop invocation
type DropCall struct {
	Target Strategy
	Files  []DropFile
}

// NewMockPage creates an empty mock page
func NewMockPage() *MockPage {
	return &MockPage{Elements: make(map[string]*MockElement)}
}

// Add registers an element under a strategy name
func (p *MockPage) Add(name string, el *MockElement) *MockElement {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el == nil {
		el = &MockElement{IsVisible: true}
	}
	el.page, el.name = p, name
	p.Elements[name] = el
	return el
}

func (p *MockPage) logAction(name, verb string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Actions = append(p.Actions, name+":"+verb)
}

// Remove drops an element, making its strategies resolve as not found
func (p *MockPage) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Elements, name)
}

func (p *MockPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.NavigatedURLs = append(p.NavigatedURLs, url)
	p.CurrentURL = url
	return nil
}

func (p *MockPage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, nil
}

func (p *MockPage) Find(ctx context.Context, s Strategy) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.Elements[s.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, s.Name)
	}
	if el.FindErr != nil {
		return nil, el.FindErr
	}
	return el, nil
}

func (p *MockPage) FindAll(ctx context.Context, s Strategy) ([]Element, error) {
	el, err := p.Find(ctx, s)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return []Element{el}, nil
}

func (p *MockPage) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	p.Screenshots++
	data := p.ScreenshotData
	if data == nil {
		data = []byte("png")
	}
	return data, nil
}

func (p *MockPage) SynthesizeDrop(ctx context.Context, target Strategy, files []DropFile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DropErr != nil {
		return p.DropErr
	}
	p.DropCalls = append(p.DropCalls, DropCall{Target: target, Files: files})
	return nil
}

func (p *MockPage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// MockDriver implements the Driver interface for testing
type MockDriver struct {
	Page     *MockPage
	OpenErr  error
	Released bool
}

func (d *MockDriver) Open(ctx context.Context) (Page, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Page == nil {
		d.Page = NewMockPage()
	}
	return d.Page, nil
}

func (d *MockDriver) Release(ctx context.Context) error {
	d.Released = true
	return nil
}

// MockElement implements the Element interface for testing
type MockElement struct {
	mu   sync.Mutex
	page *MockPage
	name string

	IsVisible  bool
	TextValue  string
	FindErr    error
	ClickErr   error
	InputErr   error
	PressErr   error
	SetFileErr error

	Clicks        int
	Typed         string
	PressedKeys   []string
	SetFilesCalls [][]string
}

func (e *MockElement) Click(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.Clicks++
	if e.page != nil {
		e.page.logAction(e.name, "click")
	}
	return nil
}

func (e *MockElement) Input(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InputErr != nil {
		return e.InputErr
	}
	e.Typed += text
	if e.page != nil {
		e.page.logAction(e.name, "type")
	}
	return nil
}

func (e *MockElement) TypeHuman(ctx context.Context, text string, min, max time.Duration) error {
	return e.Input(ctx, text)
}

func (e *MockElement) Press(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PressErr != nil {
		return e.PressErr
	}
	e.PressedKeys = append(e.PressedKeys, key)
	if e.page != nil {
		e.page.logAction(e.name, "press")
	}
	return nil
}

func (e *MockElement) SetFiles(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SetFileErr != nil {
		return e.SetFileErr
	}
	e.SetFilesCalls = append(e.SetFilesCalls, paths)
	if e.page != nil {
		e.page.logAction(e.name, "setfiles")
	}
	return nil
}

func (e *MockElement) Text(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TextValue, nil
}

func (e *MockElement) Visible(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsVisible, nil
}
