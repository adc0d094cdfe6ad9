// Package correlation implements the request/response handshake between a
// submitting caller and the worker that grades its job.
//
// For a job key K the caller owns K:request while it waits and the worker
// turns it into K:response when it finishes. Every transition runs as one
// broker script, so at no instant do both keys exist.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/forgejudge/internal/domain"
)

// ErrTimeout is returned when no response arrived before the caller's deadline.
var ErrTimeout = errors.New("timed out waiting for response")

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultResponseTTL  = time.Minute

	cleanupTimeout = 2 * time.Second
	requestGrace   = time.Second
)

// Options tune the handshake.
type Options struct {
	// List is the shared work list jobs are pushed to.
	List string
	// PollInterval bounds how often the caller looks for a response.
	PollInterval time.Duration
	// ResponseTTL expires responses nobody collected. Zero keeps them.
	ResponseTTL time.Duration
}

// Protocol is used by both sides of the handshake.
type Protocol struct {
	broker domain.Broker
	opts   Options
	logger *slog.Logger

	cleanups sync.WaitGroup
}

// New returns a Protocol over broker.
func New(broker domain.Broker, opts Options, logger *slog.Logger) *Protocol {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{broker: broker, opts: opts, logger: logger}
}

// SubmitAndAwait publishes job and waits up to timeout for its report. The
// deadline covers every broker call, so it never returns later than timeout
// (plus scheduling noise) after it was called.
//
// The only error it returns is ErrTimeout (or the context's error when ctx is
// cancelled first). Broker failures are folded into a failure report with
// CodeBrokerFailure so the caller always ends with one terminal outcome.
func (p *Protocol) SubmitAndAwait(parent context.Context, job domain.Job, timeout time.Duration) (*domain.Report, error) {
	requestKey := domain.RequestKey(job.JobKey)
	responseKey := domain.ResponseKey(job.JobKey)

	payload, err := json.Marshal(job)
	if err != nil {
		return brokerFailure(fmt.Errorf("failed to marshal job: %w", err)), nil
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	// fail ends the wait after a broker error: past the deadline it is a
	// timeout, otherwise a failure report.
	fail := func(err error) (*domain.Report, error) {
		p.abandon(requestKey, responseKey)
		if ctx.Err() != nil {
			return nil, expired(parent)
		}
		return brokerFailure(err), nil
	}

	ttl := timeout + requestGrace
	if _, err := p.broker.RunAtomic(ctx, armScript, []string{requestKey, responseKey}, ttl.Milliseconds()); err != nil {
		return fail(err)
	}
	if err := p.broker.Push(ctx, p.opts.List, payload); err != nil {
		return fail(err)
	}
	p.logger.Debug("Job submitted", "jobKey", job.JobKey, "jobID", job.JudgeJobID)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.abandon(requestKey, responseKey)
			return nil, expired(parent)
		case <-ticker.C:
		}

		data, err := p.collect(ctx, requestKey, responseKey)
		if err != nil {
			return fail(err)
		}
		if len(data) == 0 {
			continue
		}

		var report domain.Report
		if err := json.Unmarshal(data, &report); err != nil {
			return brokerFailure(fmt.Errorf("malformed response: %w", err)), nil
		}
		return &report, nil
	}
}

// expired is the outcome once the wait context is done: the parent's error
// when the caller cancelled, ErrTimeout when our own deadline fired.
func expired(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrTimeout
}

// Wait blocks until every background cleanup started by SubmitAndAwait has
// finished. Short-lived callers call it before exiting.
func (p *Protocol) Wait() {
	p.cleanups.Wait()
}

// DeliverIfOutstanding writes payload as the response for jobKey iff a caller
// is still waiting. It never blocks on the caller.
func (p *Protocol) DeliverIfOutstanding(ctx context.Context, jobKey string, payload []byte) (bool, error) {
	keys := []string{domain.RequestKey(jobKey), domain.ResponseKey(jobKey)}
	res, err := p.broker.RunAtomic(ctx, deliverScript, keys, payload, p.opts.ResponseTTL.Milliseconds())
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected deliver result %T", res)
	}
	return n == 1, nil
}

func (p *Protocol) collect(ctx context.Context, requestKey, responseKey string) ([]byte, error) {
	res, err := p.broker.RunAtomic(ctx, collectScript, []string{requestKey, responseKey})
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected collect result %T", res)
	}
}

// abandon deletes both handshake keys in the background on its own context,
// so cleanup never extends the caller's wait.
func (p *Protocol) abandon(requestKey, responseKey string) {
	p.cleanups.Add(1)
	go func() {
		defer p.cleanups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if _, err := p.broker.RunAtomic(ctx, abandonScript, []string{requestKey, responseKey}); err != nil {
			p.logger.Warn("Failed to clean up request", "requestKey", requestKey, "error", err)
		}
	}()
}

func brokerFailure(err error) *domain.Report {
	return &domain.Report{
		Info:      "Failed",
		Code:      domain.CodeBrokerFailure,
		Msg:       err.Error(),
		Questions: []domain.QuestionCase{},
	}
}

// TimeoutReport is the report a caller shows after ErrTimeout.
func TimeoutReport() *domain.Report {
	return &domain.Report{
		Info:      "Timeout",
		Code:      domain.CodeTimeout,
		Msg:       "Timeout",
		Questions: []domain.QuestionCase{},
	}
}
