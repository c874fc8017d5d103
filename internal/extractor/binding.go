package extractor

import (
	"context"
	"time"

	"mangavault/internal/browser"
)

// Rendered is one page drawn and encoded in the browser.
type Rendered struct {
	DataURL   string `json:"data"`
	PageOrder *int   `json:"pageOrder"`
}

// Binding is everything the pipeline knows about a reader page. Implementations own
// the selectors and the page's client-side framework; the pipeline only sees counts,
// sources and encoded pages.
//
// Setup and LoadedCount return an error matching models.ErrContextLost when the page's
// context could not be reached. Item methods return *models.ItemError for permanent
// item failures and the raw evaluation error otherwise.
type Binding interface {
	// InitScripts run on every new document before the page's own scripts.
	InitScripts() []string
	// Setup switches the reader into the mode that renders every page and returns
	// how many page placeholders were discovered.
	Setup(ctx context.Context, s browser.Surface) (int, error)
	LoadedCount(ctx context.Context, s browser.Surface) (int, error)
	ReadBoundImageSource(ctx context.Context, s browser.Surface, index int) (string, error)
	FetchSource(ctx context.Context, s browser.Surface, index int, src string, headers map[string]string) error
	TriggerRedraw(ctx context.Context, s browser.Surface, index int, timeout time.Duration) (Rendered, error)
	// Release frees page-side resources before the surface is closed.
	Release(ctx context.Context, s browser.Surface) error
}
