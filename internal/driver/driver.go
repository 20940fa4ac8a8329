// Package driver defines the narrow browser-automation capability surface the
// dispatch engine depends on. The engine never talks to a concrete automation
// tool directly; it sees pages, elements and locator strategies only.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind selects how a Strategy locates an element
type Kind string

const (
	KindCSS   Kind = "css"
	KindXPath Kind = "xpath"
)

// Strategy is one candidate way of locating a UI element. Remote consoles
// drift, so callers always carry an ordered list of structurally distinct
// strategies and take the first that resolves.
type Strategy struct {
	Name  string
	Kind  Kind
	Query string
}

// CSS builds a CSS selector strategy
func CSS(name, selector string) Strategy {
	return Strategy{Name: name, Kind: KindCSS, Query: selector}
}

// XPath builds an XPath strategy
func XPath(name, query string) Strategy {
	return Strategy{Name: name, Kind: KindXPath, Query: query}
}

// DropFile carries decoded file content for a synthesized drop event
type DropFile struct {
	Name     string
	MimeType string
	Content  []byte
}

// Element is a located UI element
type Element interface {
	Click(ctx context.Context) error
	Input(ctx context.Context, text string) error
	// TypeHuman inputs text one keystroke at a time with a randomized delay
	// per character drawn from [min, max].
	TypeHuman(ctx context.Context, text string, min, max time.Duration) error
	Press(ctx context.Context, key string) error
	SetFiles(ctx context.Context, paths []string) error
	Text(ctx context.Context) (string, error)
	Visible(ctx context.Context) (bool, error)
}

// Page is one open view of the remote console
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Find resolves a single strategy. Absence is reported as
	// ErrElementNotFound, not as a transport failure.
	Find(ctx context.Context, s Strategy) (Element, error)
	FindAll(ctx context.Context, s Strategy) ([]Element, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// SynthesizeDrop dispatches a drag-and-drop event carrying the given
	// files onto the element located by target.
	SynthesizeDrop(ctx context.Context, target Strategy, files []DropFile) error
	Close(ctx context.Context) error
}

// Driver owns the browser process and its persisted session material
type Driver interface {
	// Open starts or restores the browser context and returns its page.
	Open(ctx context.Context) (Page, error)
	// Release shuts the browser down. Callers must not release while an
	// attempt is in flight.
	Release(ctx context.Context) error
}

// FindFirst tries each strategy in order and returns the first that resolves
// to a visible element. It is a pure lookup; it never waits.
func FindFirst(ctx context.Context, p Page, strategies []Strategy) (Element, error) {
	for _, s := range strategies {
		el, err := p.Find(ctx, s)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		visible, err := el.Visible(ctx)
		if err != nil {
			continue
		}
		if visible {
			return el, nil
		}
	}
	return nil, notFoundError(strategies)
}

// WaitFirst polls FindFirst until an element appears or the timeout elapses
func WaitFirst(ctx context.Context, p Page, strategies []Strategy, timeout, poll time.Duration) (Element, error) {
	deadline := time.Now().Add(timeout)
	for {
		el, err := FindFirst(ctx, p, strategies)
		if err == nil {
			return el, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func notFoundError(strategies []Strategy) error {
	names := make([]string, 0, len(strategies))
	for _, s := range strategies {
		names = append(names, s.Name)
	}
	return fmt.Errorf("%w: tried %s", ErrElementNotFound, strings.Join(names, ", "))
}
