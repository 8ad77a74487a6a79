package collector

import "context"

// Events receives asynchronous browser observations while a session is live.
// Callbacks may fire from browser-owned goroutines; implementations must be
// safe for concurrent use.
type Events struct {
	OnConsole    func(text string)
	OnNetwork    func(method, url string, status int)
	OnNavigation func(url string)
}

// Session is one live browser page the collector drives. Implementations
// translate each primitive to the underlying automation engine; the
// playwright-backed session is the production one, tests use a scripted fake.
type Session interface {
	Navigate(url string) error
	Click(selector string) error
	Fill(selector, value string) error
	WaitFor(selector, state string) error
	Text(selector string) (string, error)
	Visible(selector string) (bool, error)
	Screenshot() ([]byte, error)
	DOM() (string, error)
	Close() error
}

// Factory opens browser sessions. The factory owns engine lifetime (browser
// binary, launch options); each Run gets a fresh session so cycle N+1 never
// observes cycle N's page state.
type Factory interface {
	NewSession(ctx context.Context, events Events) (Session, error)
}
