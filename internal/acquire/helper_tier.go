package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/relay"
	"github.com/n0madic/go-studioproxy/internal/sse"
	"github.com/n0madic/go-studioproxy/internal/upstream"
)

// HelperTierName identifies the helper-service tier in attempt logs.
const HelperTierName = "helper"

// HelperTier delegates generation to an external helper endpoint that speaks
// the relay frame format over SSE.
type HelperTier struct {
	Client   *upstream.Client
	Timeouts Timeouts
	logger   *slog.Logger
}

// NewHelperTier creates a helper tier. A nil or unconfigured client makes
// every attempt Unavailable.
func NewHelperTier(client *upstream.Client, t Timeouts) *HelperTier {
	return &HelperTier{
		Client:   client,
		Timeouts: t,
		logger:   slog.Default().With("component", "acquire.helper"),
	}
}

// Name implements Tier.
func (t *HelperTier) Name() string { return HelperTierName }

// Check reports whether an endpoint is configured.
func (t *HelperTier) Check(context.Context) error {
	if !t.Client.Configured() {
		return upstream.ErrNotConfigured
	}
	return nil
}

// Attempt implements Tier.
func (t *HelperTier) Attempt(ctx context.Context, sess *browser.Session, req *Request, emit Emit) error {
	if !t.Client.Configured() {
		return unavailable(HelperTierName, upstream.ErrNotConfigured)
	}
	log := t.logger.With("req_id", req.ID)

	creds, err := sess.Credentials(ctx)
	if err != nil {
		if t.Client.SAPISID == "" {
			return unavailable(HelperTierName, fmt.Errorf("session credentials: %w", err))
		}
		log.Debug("helper.credentials.fallback", "error", err)
	}

	resp, err := t.Client.DoWithRetry(ctx, &upstream.Request{
		Payload: req.helperPayload(),
		SAPISID: creds.SAPISID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var uerr *upstream.UpstreamError
		if errors.As(err, &uerr) && uerr.Rejected() {
			return rejected(HelperTierName, err)
		}
		return unavailable(HelperTierName, err)
	}
	body := resp.Body.Body
	defer body.Close()

	frames := make(chan frame, 64)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(frames)
		reader := sse.NewReader(body)
		for {
			evt, err := reader.Next()
			if err != nil {
				select {
				case frames <- frame{err: err}:
				case <-stop:
				}
				return
			}
			select {
			case frames <- frame{data: evt.Data}:
			case <-stop:
				return
			}
		}
	}()

	return pump(ctx, HelperTierName, frames, relay.NewDecoder(""), t.Timeouts, emit, pumpOptions{endCompletes: true}, log)
}
