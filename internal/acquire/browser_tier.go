package acquire

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

// BrowserTierName identifies the browser-automation tier in attempt logs.
const BrowserTierName = "browser"

const (
	defaultChunkRunes = 5
	maxPollFailures   = 3
	stopTimeout       = 5 * time.Second
)

// BrowserTier reads the rendered answer from the page by polling. Output is
// only available once the page settles, so it is replayed as synthetic
// fragments afterwards.
type BrowserTier struct {
	Timeouts     Timeouts
	PollInterval time.Duration
	// StablePolls is how many consecutive identical idle polls mark completion.
	StablePolls int
	ChunkRunes  int
	logger      *slog.Logger
}

// NewBrowserTier creates a polling tier.
func NewBrowserTier(t Timeouts, pollInterval time.Duration, stablePolls int) *BrowserTier {
	if stablePolls < 1 {
		stablePolls = 1
	}
	return &BrowserTier{
		Timeouts:     t,
		PollInterval: pollInterval,
		StablePolls:  stablePolls,
		ChunkRunes:   defaultChunkRunes,
		logger:       slog.Default().With("component", "acquire.browser"),
	}
}

// Name implements Tier.
func (t *BrowserTier) Name() string { return BrowserTierName }

// Attempt implements Tier. A prompt already submitted in this session by an
// earlier tier is not submitted again; its output is polled instead.
func (t *BrowserTier) Attempt(ctx context.Context, sess *browser.Session, req *Request, emit Emit) error {
	log := t.logger.With("req_id", req.ID)

	if !sess.Submitted() {
		if req.Model != "" {
			if err := sess.SwitchModel(ctx, req.Model); err != nil {
				return pageError(BrowserTierName, err)
			}
		}
		if err := sess.SubmitPrompt(ctx, req.Prompt, req.pageParams("")); err != nil {
			return pageError(BrowserTierName, err)
		}
	} else {
		log.Debug("browser.reuse_submitted_prompt")
	}

	res, err := t.waitForAnswer(ctx, sess, log)
	if err != nil {
		if ctx.Err() != nil {
			t.stopPage(sess, log)
			return ctx.Err()
		}
		return err
	}

	for _, piece := range SliceText(res.Reasoning, t.ChunkRunes) {
		if err := emit(stream.Reasoning(piece)); err != nil {
			return err
		}
	}
	for _, piece := range SliceText(res.Text, t.ChunkRunes) {
		if err := emit(stream.Text(piece)); err != nil {
			return err
		}
	}
	return emit(stream.Terminal(stream.FinishStop))
}

func (t *BrowserTier) waitForAnswer(ctx context.Context, sess *browser.Session, log *slog.Logger) (browser.PollResult, error) {
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(t.Timeouts.Completion)
	defer deadline.Stop()

	var (
		last         browser.PollResult
		stable       int
		failures     int
		lastProgress = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return browser.PollResult{}, ctx.Err()
		case <-deadline.C:
			return browser.PollResult{}, timedOut(BrowserTierName, errCompletion)
		case <-ticker.C:
		}

		res, err := sess.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return browser.PollResult{}, ctx.Err()
			}
			if errors.Is(err, browser.ErrSessionReleased) {
				return browser.PollResult{}, unavailable(BrowserTierName, err)
			}
			failures++
			log.Debug("browser.poll.failed", "attempt", failures, "error", err)
			if failures >= maxPollFailures {
				return browser.PollResult{}, pageError(BrowserTierName, err)
			}
			continue
		}
		failures = 0

		if res.Final && res.Text != "" {
			return res, nil
		}
		changed := res.Text != last.Text || res.Reasoning != last.Reasoning
		if changed || res.Running {
			lastProgress = time.Now()
		}
		if !res.Running && !changed && res.Text != "" {
			stable++
			if stable >= t.StablePolls {
				return res, nil
			}
		} else {
			stable = 0
		}
		last = res

		if time.Since(lastProgress) > t.Timeouts.Silence {
			return browser.PollResult{}, timedOut(BrowserTierName, errSilence)
		}
	}
}

func (t *BrowserTier) stopPage(sess *browser.Session, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		log.Debug("browser.stop.failed", "error", err)
	}
}

// SliceText splits text into fragments: each line is cut into runs of at most
// size runes and lines are separated by "\n" fragments.
func SliceText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size < 1 {
		size = defaultChunkRunes
	}
	var out []string
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out = append(out, "\n")
		}
		runes := []rune(line)
		for j := 0; j < len(runes); j += size {
			out = append(out, string(runes[j:min(j+size, len(runes))]))
		}
	}
	return out
}
