package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/n0madic/go-studioproxy/internal/relay"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

var (
	errSilence       = errors.New("no progress within silence timeout")
	errCompletion    = errors.New("completion timeout exceeded")
	errStreamEnded   = errors.New("stream ended before completion")
	errEmptyAnswer   = errors.New("stream ended without output")
	errNotConfigured = errors.New("tier not configured")
)

// Timeouts bounds a tier attempt. Silence is the longest gap without forward
// progress; Completion caps the whole attempt.
type Timeouts struct {
	Silence    time.Duration
	Completion time.Duration
}

// frame is one raw payload read from a relay or helper stream. err is set on
// the final value; io.EOF marks a clean end of stream.
type frame struct {
	data []byte
	err  error
}

// pumpOptions tunes stream end handling.
type pumpOptions struct {
	// endCompletes treats a clean end of stream after output as Terminal(Stop).
	endCompletes bool
}

// pump decodes frames into deltas until the decoder sees a terminal frame.
func pump(ctx context.Context, tier string, frames <-chan frame, dec *relay.Decoder, t Timeouts, emit Emit, opts pumpOptions, log *slog.Logger) error {
	silence := time.NewTimer(t.Silence)
	defer silence.Stop()
	deadline := time.NewTimer(t.Completion)
	defer deadline.Stop()

	emitted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return timedOut(tier, errCompletion)
		case <-silence.C:
			return timedOut(tier, errSilence)
		case f, ok := <-frames:
			if !ok {
				f.err = io.EOF
			}
			if f.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(f.err, io.EOF) {
					return unavailable(tier, f.err)
				}
				if opts.endCompletes && emitted {
					return emit(stream.Terminal(stream.FinishStop))
				}
				if emitted {
					return unavailable(tier, errStreamEnded)
				}
				return unavailable(tier, errEmptyAnswer)
			}

			deltas, err := dec.Decode(f.data)
			var upErr *relay.UpstreamError
			switch {
			case errors.Is(err, relay.ErrForeignFrame):
				log.Debug("relay.frame.foreign", "tier", tier)
				continue
			case errors.Is(err, relay.ErrMalformedFrame):
				log.Warn("relay.frame.dropped", "tier", tier, "bytes", len(f.data))
				continue
			case errors.Is(err, relay.ErrRelayTimeout):
				return timedOut(tier, err)
			case errors.As(err, &upErr):
				return rejected(tier, err)
			case err != nil:
				return unavailable(tier, err)
			}

			resetTimer(silence, t.Silence)
			for _, d := range deltas {
				if err := emit(d); err != nil {
					return err
				}
				if d.IsOutput() {
					emitted = true
				}
			}
			if dec.Done() {
				return nil
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
