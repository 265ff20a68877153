package browser

import (
	"context"
	"sync"
	"sync/atomic"
)

// Page owns the single browser page. Exactly one Session may exist at a time.
type Page struct {
	ctrl PageController
	sem  chan struct{}
}

// NewPage wraps ctrl. A nil controller yields a page whose sessions fail with
// ErrNoPage.
func NewPage(ctrl PageController) *Page {
	return &Page{ctrl: ctrl, sem: make(chan struct{}, 1)}
}

// Acquire blocks until the page is free or ctx is done.
func (p *Page) Acquire(ctx context.Context) (*Session, error) {
	select {
	case p.sem <- struct{}{}:
		return &Session{page: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Held reports whether a Session is currently outstanding.
func (p *Page) Held() bool {
	return len(p.sem) == 1
}

// Models lists the page's selectable models. It does not require ownership.
func (p *Page) Models(ctx context.Context) ([]Model, error) {
	if p.ctrl == nil {
		return nil, ErrNoPage
	}
	return p.ctrl.Models(ctx)
}

// Status reports the page controller's state. It does not require ownership.
func (p *Page) Status(ctx context.Context) (Status, error) {
	if p.ctrl == nil {
		return Status{}, ErrNoPage
	}
	return p.ctrl.Status(ctx)
}

// Session is the exclusive ownership token for the page. It is handed from the
// queue worker to the orchestrator and on to whichever tier is running.
type Session struct {
	page      *Page
	released  atomic.Bool
	mu        sync.Mutex
	submitted bool
	creds     *Credentials
}

// Release returns the page. Further calls on s fail with ErrSessionReleased.
func (s *Session) Release() {
	if s.released.CompareAndSwap(false, true) {
		<-s.page.sem
	}
}

func (s *Session) controller() (PageController, error) {
	if s.released.Load() {
		return nil, ErrSessionReleased
	}
	if s.page.ctrl == nil {
		return nil, ErrNoPage
	}
	return s.page.ctrl, nil
}

// SubmitPrompt types prompt into the page with params applied.
func (s *Session) SubmitPrompt(ctx context.Context, prompt string, params Params) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	if err := ctrl.SubmitPrompt(ctx, prompt, params); err != nil {
		return err
	}
	s.mu.Lock()
	s.submitted = true
	s.mu.Unlock()
	return nil
}

// Submitted reports whether a prompt has been submitted in this session.
func (s *Session) Submitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// SwitchModel selects model id on the page.
func (s *Session) SwitchModel(ctx context.Context, id string) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return ctrl.SwitchModel(ctx, id)
}

// Poll reads the rendered output region.
func (s *Session) Poll(ctx context.Context) (PollResult, error) {
	ctrl, err := s.controller()
	if err != nil {
		return PollResult{}, err
	}
	return ctrl.Poll(ctx)
}

// Stop presses the UI stop control.
func (s *Session) Stop(ctx context.Context) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return ctrl.Stop(ctx)
}

// ClearChat starts a fresh conversation on the page.
func (s *Session) ClearChat(ctx context.Context) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return ctrl.ClearChat(ctx)
}

// Credentials returns the profile's session cookies, fetched once per session.
func (s *Session) Credentials(ctx context.Context) (Credentials, error) {
	ctrl, err := s.controller()
	if err != nil {
		return Credentials{}, err
	}
	s.mu.Lock()
	cached := s.creds
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	creds, err := ctrl.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}
	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()
	return creds, nil
}
