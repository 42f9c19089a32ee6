// Package browsertest provides a scriptable in-memory page for tests that
// must not start Chrome.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seo-optimizer/pagewalker/browser"
)

type response struct {
	match string
	value any
	err   error
}

// FakePage implements browser.Handle. Evaluate answers with the most recently
// registered response whose match is a substring of the script.
type FakePage struct {
	mu          sync.Mutex
	responses   []response
	currentURL  string
	calls       []string
	evaluations []string
	callbacks   map[string]func(string)
	injected    []string
	documents   [][]string
	closed      bool

	// NavigateFunc, when set, decides the outcome of Navigate. The URL is
	// still updated on success or on a navigation timeout.
	NavigateFunc func(url string) error
	// ScreenshotFunc, when set, replaces the default screenshot bytes.
	ScreenshotFunc func(target browser.Target) ([]byte, error)
	// WaitErr is returned by WaitForNavigation.
	WaitErr error
}

var _ browser.Handle = (*FakePage)(nil)

func New() *FakePage {
	return &FakePage{callbacks: make(map[string]func(string))}
}

// On registers value as the result of scripts containing match. value may be
// a func(script string) any for computed answers.
func (f *FakePage) On(match string, value any) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, value: value})
	return f
}

// OnError makes scripts containing match fail with err.
func (f *FakePage) OnError(match string, err error) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, err: err})
	return f
}

func (f *FakePage) SetURL(url string) {
	f.mu.Lock()
	f.currentURL = url
	f.mu.Unlock()
}

func (f *FakePage) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

// Calls returns every operation in order, e.g. "navigate https://x" or
// "screenshot viewport".
func (f *FakePage) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountCalls returns how many recorded calls start with prefix.
func (f *FakePage) CountCalls(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Evaluations returns every evaluated script in order.
func (f *FakePage) Evaluations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evaluations...)
}

// CountEvaluations returns how many evaluated scripts contain match.
func (f *FakePage) CountEvaluations(match string) int {
	n := 0
	for _, s := range f.Evaluations() {
		if strings.Contains(s, match) {
			n++
		}
	}
	return n
}

// Injected returns the scripts registered with InjectOnNewDocument.
func (f *FakePage) Injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.injected...)
}

// DocumentScripts returns the new-document scripts that ran in the document
// loaded by the most recent successful navigation.
func (f *FakePage) DocumentScripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.documents) == 0 {
		return nil
	}
	return append([]string(nil), f.documents[len(f.documents)-1]...)
}

// Emit delivers payload to the callback exposed under name, as the page
// would. It reports whether a callback was registered.
func (f *FakePage) Emit(name, payload string) bool {
	f.mu.Lock()
	handler := f.callbacks[name]
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(payload)
	return true
}

func (f *FakePage) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakePage) Navigate(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("navigate " + url)
	var err error
	if f.NavigateFunc != nil {
		err = f.NavigateFunc(url)
	}
	if err == nil || errors.Is(err, browser.ErrNavigationTimeout) {
		f.mu.Lock()
		f.currentURL = url
		f.documents = append(f.documents, append([]string(nil), f.injected...))
		f.mu.Unlock()
	}
	return err
}

func (f *FakePage) Evaluate(ctx context.Context, script string, res any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, "evaluate")
	f.evaluations = append(f.evaluations, script)
	var match *response
	for i := len(f.responses) - 1; i >= 0; i-- {
		if strings.Contains(script, f.responses[i].match) {
			r := f.responses[i]
			match = &r
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return nil
	}
	if match.err != nil {
		return match.err
	}
	value := match.value
	if fn, ok := value.(func(string) any); ok {
		value = fn(script)
	}
	if res == nil || value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("browsertest: encode response: %w", err)
	}
	return json.Unmarshal(data, res)
}

func (f *FakePage) MouseMove(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record(fmt.Sprintf("move %.0f,%.0f", x, y))
	return nil
}

func (f *FakePage) MouseClick(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record(fmt.Sprintf("click %.0f,%.0f", x, y))
	return nil
}

func (f *FakePage) Screenshot(ctx context.Context, target browser.Target) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.record("screenshot " + target.String())
	if f.ScreenshotFunc != nil {
		return f.ScreenshotFunc(target)
	}
	return []byte("\x89PNG\r\n\x1a\n" + target.String()), nil
}

func (f *FakePage) WaitForNavigation(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("wait")
	return f.WaitErr
}

func (f *FakePage) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentURL, nil
}

func (f *FakePage) ExposeCallback(ctx context.Context, name string, handler func(payload string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.callbacks[name] = handler
	f.mu.Unlock()
	f.record("expose " + name)
	return nil
}

func (f *FakePage) InjectOnNewDocument(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.injected = append(f.injected, script)
	f.mu.Unlock()
	f.record("inject")
	return nil
}

func (f *FakePage) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.record("close")
	return nil
}
