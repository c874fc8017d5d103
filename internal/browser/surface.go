// Package browser owns the headless browser: its lifecycle, the isolated
// execution surfaces handed out per unit of work, and the classification of
// errors that mean a surface died under us.
package browser

import "context"

// Surface is one disposable execution context: a page in its own browser context.
type Surface interface {
	// Navigate loads url and waits until network activity settles.
	Navigate(ctx context.Context, url string) error
	// Eval runs a JS function expression in the page and decodes its JSON result into out.
	// out may be nil when the result is not needed.
	Eval(ctx context.Context, js string, out any, args ...any) error
	Close() error
}

// Browser is a launched browser process.
type Browser interface {
	// Alive reports whether the browser and its default page still answer.
	Alive() bool
	NewSurface(ctx context.Context) (Surface, error)
	Close() error
}

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}
