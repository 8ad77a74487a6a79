package collector

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightOptions configures launched browser sessions.
type PlaywrightOptions struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
}

// PlaywrightFactory opens Chromium sessions through playwright. One factory
// owns one playwright process; sessions each get their own browser, context
// and page so runs never share state.
type PlaywrightFactory struct {
	mu   sync.Mutex
	pw   *playwright.Playwright
	opts PlaywrightOptions
}

// NewPlaywrightFactory installs the browser driver if needed and starts the
// playwright process. Driver output is discarded so it cannot interleave
// with the CLI's own stream.
func NewPlaywrightFactory(opts PlaywrightOptions) (*PlaywrightFactory, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightFactory{pw: pw, opts: opts}, nil
}

// NewSession launches a fresh browser and wires the event callbacks to the
// page before any script step runs.
func (f *PlaywrightFactory) NewSession(ctx context.Context, events Events) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, err := f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  f.opts.ViewportWidth,
			Height: f.opts.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if f.opts.Timeout > 0 {
		page.SetDefaultTimeout(float64(f.opts.Timeout.Milliseconds()))
	}

	if events.OnConsole != nil {
		page.OnConsole(func(msg playwright.ConsoleMessage) {
			events.OnConsole(fmt.Sprintf("[%s] %s", msg.Type(), msg.Text()))
		})
	}
	if events.OnNetwork != nil {
		page.OnResponse(func(resp playwright.Response) {
			events.OnNetwork(resp.Request().Method(), resp.URL(), resp.Status())
		})
	}
	if events.OnNavigation != nil {
		page.OnFrameNavigated(func(frame playwright.Frame) {
			if frame.ParentFrame() == nil {
				events.OnNavigation(frame.URL())
			}
		})
	}

	return &playwrightSession{
		browser: browser,
		ctx:     browserCtx,
		page:    page,
	}, nil
}

// Close stops the playwright process.
func (f *PlaywrightFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pw == nil {
		return nil
	}
	err := f.pw.Stop()
	f.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightSession struct {
	browser playwright.Browser
	ctx     playwright.BrowserContext
	page    playwright.Page
}

func (s *playwrightSession) Navigate(url string) error {
	waitUntil := playwright.WaitUntilStateLoad
	if _, err := s.page.Goto(url, playwright.PageGotoOptions{WaitUntil: waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) Click(selector string) error {
	if err := s.page.Click(selector); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) Fill(selector, value string) error {
	if err := s.page.Fill(selector, value); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) WaitFor(selector, state string) error {
	waitState := playwright.WaitForSelectorState(state)
	_, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State: &waitState,
	})
	if err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) Text(selector string) (string, error) {
	element, err := s.page.QuerySelector(selector)
	if err != nil {
		return "", fmt.Errorf("selector query failed: %w", err)
	}
	if element == nil {
		return "", fmt.Errorf("no element found matching selector: %s", selector)
	}
	text, err := element.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

func (s *playwrightSession) Visible(selector string) (bool, error) {
	element, err := s.page.QuerySelector(selector)
	if err != nil {
		return false, fmt.Errorf("selector query failed: %w", err)
	}
	if element == nil {
		return false, nil
	}
	visible, err := element.IsVisible()
	if err != nil {
		return false, fmt.Errorf("visibility check failed: %w", err)
	}
	return visible, nil
}

func (s *playwrightSession) Screenshot() ([]byte, error) {
	png, err := s.page.Screenshot()
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return png, nil
}

func (s *playwrightSession) DOM() (string, error) {
	content, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("content extraction failed: %w", err)
	}
	return content, nil
}

func (s *playwrightSession) Close() error {
	// Ignore errors, continue cleanup.
	_ = s.page.Close()
	_ = s.ctx.Close()
	return s.browser.Close()
}
