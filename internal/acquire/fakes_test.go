package acquire

import (
	"context"
	"sync"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

// fakeController is a scriptable page controller.
type fakeController struct {
	mu        sync.Mutex
	submitted []browser.Params
	prompts   []string
	models    []string
	stops     int
	polls     []browser.PollResult
	pollIdx   int
	submitErr error
	onSubmit  func(params browser.Params)
	creds     browser.Credentials
}

func (f *fakeController) SubmitPrompt(_ context.Context, prompt string, params browser.Params) error {
	f.mu.Lock()
	if f.submitErr != nil {
		f.mu.Unlock()
		return f.submitErr
	}
	f.prompts = append(f.prompts, prompt)
	f.submitted = append(f.submitted, params)
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(params)
	}
	return nil
}

func (f *fakeController) SwitchModel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, id)
	return nil
}

func (f *fakeController) Poll(context.Context) (browser.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return browser.PollResult{Running: true}, nil
	}
	res := f.polls[min(f.pollIdx, len(f.polls)-1)]
	f.pollIdx++
	return res, nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeController) ClearChat(context.Context) error { return nil }

func (f *fakeController) Models(context.Context) ([]browser.Model, error) { return nil, nil }

func (f *fakeController) Status(context.Context) (browser.Status, error) {
	return browser.Status{Ready: true}, nil
}

func (f *fakeController) Credentials(context.Context) (browser.Credentials, error) {
	return f.creds, nil
}

func acquireSession(t interface{ Fatalf(string, ...any) }, ctrl browser.PageController) *browser.Session {
	sess, err := browser.NewPage(ctrl).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return sess
}

// deltaSink collects emitted deltas.
type deltaSink struct {
	mu     sync.Mutex
	deltas []stream.Delta
}

func (s *deltaSink) emit(d stream.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
	return nil
}

func (s *deltaSink) all() []stream.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Delta(nil), s.deltas...)
}

func (s *deltaSink) text() string {
	var out string
	for _, d := range s.all() {
		if d.Kind == stream.KindText {
			out += d.Text
		}
	}
	return out
}

func (s *deltaSink) terminals() []stream.Delta {
	var out []stream.Delta
	for _, d := range s.all() {
		if d.Kind == stream.KindTerminal {
			out = append(out, d)
		}
	}
	return out
}
