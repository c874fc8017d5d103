package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mangavault/internal/browser"
	"mangavault/pkg/models"
)

// Selectors locate the reader's controls and pages.
type Selectors struct {
	ClassicButton string
	AllPagesTab   string
	Placeholder   string
	Canvas        string
}

var DefaultSelectors = Selectors{
	ClassicButton: "button.px-6.py-1.text-sm.bg-blue-800.font-bold.text-white",
	AllPagesTab:   ".rounded-l-full.button-bare.text-white.h-8.text-xs.uppercase.font-bold.w-28.whitespace-nowrap",
	Placeholder:   ".relative.w-full.h-auto",
	Canvas:        ".w-full.pointer-events-none.w-full",
}

// VueCanvasBinding reads pages from a reader whose canvases are Vue components that
// carry their image URL on __vue__.page.image_url and redraw on renderCanvas().
type VueCanvasBinding struct {
	Sel  Selectors
	Eval browser.Evaluator

	FetchTries  int
	FetchDelay  time.Duration
	RenderPolls int
	RenderPoll  time.Duration
}

func NewVueCanvasBinding(ev browser.Evaluator) *VueCanvasBinding {
	return &VueCanvasBinding{
		Sel:         DefaultSelectors,
		Eval:        ev,
		FetchTries:  3,
		FetchDelay:  time.Second,
		RenderPolls: 50,
		RenderPoll:  200 * time.Millisecond,
	}
}

const initScript = `(() => {
	try {
		localStorage.setItem("UIPreference3", "classic");
		localStorage.setItem("UIPreferenceConfirmed", "true");
	} catch (e) {}
	window.keepAlive = setInterval(() => {}, 30000);
})();`

func (b *VueCanvasBinding) InitScripts() []string {
	return []string{initScript}
}

const setupJS = `(classicSel, tabSel, placeholderSel) => {
	const click = (sel) => {
		const el = document.querySelector(sel);
		if (el) el.click();
	};
	click(classicSel);
	click(tabSel);
	const total = document.querySelectorAll(placeholderSel).length;
	window.scrollTo(0, document.body.scrollHeight);
	return total;
}`

func (b *VueCanvasBinding) Setup(ctx context.Context, s browser.Surface) (int, error) {
	var total int
	ok, err := b.Eval.SafeEval(ctx, s, setupJS, &total, b.Sel.ClassicButton, b.Sel.AllPagesTab, b.Sel.Placeholder)
	if err != nil {
		return 0, fmt.Errorf("setup reader: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("setup reader: %w", models.ErrContextLost)
	}
	return total, nil
}

const loadedJS = `(sel) => document.querySelectorAll(sel).length`

func (b *VueCanvasBinding) LoadedCount(ctx context.Context, s browser.Surface) (int, error) {
	var n int
	ok, err := b.Eval.SafeEval(ctx, s, loadedJS, &n, b.Sel.Canvas)
	if err != nil {
		return 0, fmt.Errorf("count loaded: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("count loaded: %w", models.ErrContextLost)
	}
	return n, nil
}

// itemReply is what every per-item script resolves to.
type itemReply struct {
	Src       string `json:"src"`
	Data      string `json:"data"`
	PageOrder *int   `json:"pageOrder"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// evalItem runs a per-item script through the evaluator. A context that stayed lost
// through every in-place retry surfaces as models.ErrContextLost.
func (b *VueCanvasBinding) evalItem(ctx context.Context, s browser.Surface, step, js string, out *itemReply, args ...any) error {
	ok, err := b.Eval.SafeEval(ctx, s, js, out, args...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", step, models.ErrContextLost)
	}
	return nil
}

func (r itemReply) err(index int) error {
	if r.Error == "" {
		return nil
	}
	kind := models.ErrItemFetch
	switch r.Kind {
	case "timeout":
		kind = models.ErrItemRenderTimeout
	case "encode":
		kind = models.ErrItemEncode
	}
	return &models.ItemError{Index: index, Kind: kind, Msg: r.Error}
}

const readSourceJS = `(sel, idx) => {
	const el = document.querySelectorAll(sel)[idx];
	if (!el) return { error: "element not found" };
	const vm = el.__vue__;
	if (!vm || !vm.page || !vm.page.image_url) return { error: "bound image source not found" };
	return { src: vm.page.image_url };
}`

func (b *VueCanvasBinding) ReadBoundImageSource(ctx context.Context, s browser.Surface, index int) (string, error) {
	var r itemReply
	if err := b.evalItem(ctx, s, "read image source", readSourceJS, &r, b.Sel.Canvas, index); err != nil {
		return "", err
	}
	if err := r.err(index); err != nil {
		return "", err
	}
	if r.Src == "" {
		return "", &models.ItemError{Index: index, Kind: models.ErrItemFetch, Msg: "empty image source"}
	}
	return r.Src, nil
}

const fetchSourceJS = `async (src, idx, headers, tries, delayMs) => {
	const sleep = (ms) => new Promise((r) => setTimeout(r, ms));
	const store = (window.__mangavault = window.__mangavault || { blobs: {} });
	let res = null;
	let lastErr = "";
	for (let i = 0; i < tries; i++) {
		try {
			res = await fetch(src, {
				cache: "no-store",
				headers: Object.assign({ "Cache-Control": "no-cache", Pragma: "no-cache" }, headers || {}),
			});
			if (res.ok) break;
			lastErr = "HTTP " + res.status;
		} catch (e) {
			lastErr = String((e && e.message) || e);
		}
		res = null;
		if (i < tries - 1) await sleep(delayMs);
	}
	if (!res) return { error: lastErr || "fetch failed" };
	const blob = await res.blob();
	if (store.blobs[idx]) URL.revokeObjectURL(store.blobs[idx]);
	store.blobs[idx] = URL.createObjectURL(blob);
	return {};
}`

func (b *VueCanvasBinding) FetchSource(ctx context.Context, s browser.Surface, index int, src string, headers map[string]string) error {
	var r itemReply
	if err := b.evalItem(ctx, s, "fetch image", fetchSourceJS, &r, src, index, headers, b.FetchTries, b.FetchDelay.Milliseconds()); err != nil {
		return err
	}
	return r.err(index)
}

const redrawJS = `async (sel, idx, timeoutMs, polls, pollMs) => {
	const sleep = (ms) => new Promise((r) => setTimeout(r, ms));
	const store = window.__mangavault || { blobs: {} };
	const url = store.blobs[idx];
	if (!url) return { error: "source was not fetched" };
	const el = document.querySelectorAll(sel)[idx];
	const vm = el && el.__vue__;
	if (!vm || !vm.image || !vm.page) return { error: "bound image not found" };

	return await new Promise((resolve) => {
		let timer = null;
		const done = (v) => {
			clearTimeout(timer);
			URL.revokeObjectURL(url);
			delete store.blobs[idx];
			resolve(v);
		};
		timer = setTimeout(() => done({ kind: "timeout", error: "render timed out" }), timeoutMs);

		vm.image.onload = async () => {
			try {
				if (vm.renderCanvas) vm.renderCanvas();
				let n = 0;
				while (el.toDataURL("image/png") === "data:," && n < polls) {
					await sleep(pollMs);
					n++;
				}
				if (n >= polls) return done({ kind: "timeout", error: "canvas stayed empty" });
				el.toBlob((blob) => {
					if (!blob) return done({ kind: "encode", error: "no blob produced" });
					const reader = new FileReader();
					reader.onloadend = () => done({ data: reader.result, pageOrder: vm.page.order || idx });
					reader.onerror = () => done({ kind: "encode", error: "read blob failed" });
					reader.readAsDataURL(blob);
				}, "image/png", 0.95);
			} catch (e) {
				done({ kind: "encode", error: String((e && e.message) || e) });
			}
		};
		vm.image.onerror = () => done({ error: "image load error" });

		vm.page.image_url = url;
		if (vm.destroyCanvas) vm.destroyCanvas();
		vm.image.crossOrigin = "anonymous";
		vm.image.src = url;
	});
}`

func (b *VueCanvasBinding) TriggerRedraw(ctx context.Context, s browser.Surface, index int, timeout time.Duration) (Rendered, error) {
	var r itemReply
	err := b.evalItem(ctx, s, "redraw image", redrawJS, &r, b.Sel.Canvas, index, timeout.Milliseconds(), b.RenderPolls, b.RenderPoll.Milliseconds())
	if err != nil {
		return Rendered{}, err
	}
	if err := r.err(index); err != nil {
		return Rendered{}, err
	}
	if r.Data == "" {
		return Rendered{}, &models.ItemError{Index: index, Kind: models.ErrItemEncode, Msg: "empty render"}
	}
	return Rendered{DataURL: r.Data, PageOrder: r.PageOrder}, nil
}

const releaseJS = `() => {
	const store = window.__mangavault;
	if (store) {
		Object.values(store.blobs).forEach((u) => URL.revokeObjectURL(u));
		store.blobs = {};
	}
	if (window.keepAlive) {
		clearInterval(window.keepAlive);
		window.keepAlive = null;
	}
	return true;
}`

// Release runs once without retries: the surface is about to be closed, and a lost
// context has nothing left to release.
func (b *VueCanvasBinding) Release(ctx context.Context, s browser.Surface) error {
	err := s.Eval(ctx, releaseJS, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("release page: %w", err)
	}
	return nil
}
