package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the provider path. With the defaults a reply that keeps
// failing gives up after about 15s + 1s + 15s plus the call spacing.
type RetryPolicy struct {
	Attempts       int
	BaseDelay      time.Duration
	MinInterval    time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       2,
		BaseDelay:      time.Second,
		MinInterval:    time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MinInterval < 0 {
		p.MinInterval = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// linearBackoff waits base × n after the n-th failed attempt and stops once
// attempts have been made.
func linearBackoff(base time.Duration, attempts int) retry.Backoff {
	n := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		if n >= attempts {
			return 0, true
		}
		return base * time.Duration(n), false
	})
}

// generate runs the rate-limited, retried provider call. The caller holds s.mu.
func (s *Session) generate(ctx context.Context, prompt string) (string, error) {
	var (
		text    string
		attempt int
	)
	err := retry.Do(ctx, linearBackoff(s.policy.BaseDelay, s.policy.Attempts), func(ctx context.Context) error {
		attempt++
		if err := s.awaitCallSlot(ctx); err != nil {
			return &ProviderError{Kind: KindCanceled, Attempt: attempt, Err: err}
		}

		// Only requests that actually go out are counted and spaced.
		err := s.checkCredential(ctx)
		if err == nil {
			s.apiCallCount++
			s.lastAPICall = s.clock.Now()

			callCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
			var out string
			out, err = s.provider.Generate(callCtx, prompt)
			cancel()
			text = out
		}
		if err != nil {
			perr := classify(ctx, attempt, err)
			s.logger.Warn("provider attempt failed",
				"session_id", s.id,
				"topic", s.topic,
				"attempt", attempt,
				"kind", perr.Kind,
				"err", err,
			)
			if perr.Kind.Retryable() {
				return retry.RetryableError(perr)
			}
			return perr
		}
		return nil
	})
	if err != nil {
		return "", classify(ctx, attempt, err)
	}
	return text, nil
}

func (s *Session) checkCredential(ctx context.Context) error {
	if checker, ok := s.provider.(CredentialChecker); ok {
		return checker.CheckCredential(ctx)
	}
	return nil
}

// awaitCallSlot blocks until MinInterval has passed since the previous call.
func (s *Session) awaitCallSlot(ctx context.Context) error {
	if s.lastAPICall.IsZero() || s.policy.MinInterval <= 0 {
		return ctx.Err()
	}
	wait := s.policy.MinInterval - s.clock.Now().Sub(s.lastAPICall)
	if wait <= 0 {
		return ctx.Err()
	}
	return s.clock.Sleep(ctx, wait)
}

// Probe makes one provider call outside any session and classifies its failure.
func Probe(ctx context.Context, p Provider, timeout time.Duration) error {
	if p == nil {
		return errors.New("conversation: provider must not be nil")
	}
	if checker, ok := p.(CredentialChecker); ok {
		if err := checker.CheckCredential(ctx); err != nil {
			return classify(ctx, 0, err)
		}
	}
	if timeout <= 0 {
		timeout = DefaultRetryPolicy().AttemptTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := p.Generate(callCtx, probePrompt); err != nil {
		return classify(ctx, 1, err)
	}
	return nil
}

const probePrompt = "Reply with the single word: ok"
