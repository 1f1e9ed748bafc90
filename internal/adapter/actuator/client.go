package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
)

const (
	DefaultTimeout          = 2 * time.Second
	DefaultFailureThreshold = 5
	DefaultOpenDelay        = 10 * time.Second
)

type Options struct {
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint
	// OpenDelay is how long the breaker stays open before letting a probe through.
	OpenDelay time.Duration
	// Retry repeats signals that failed in transit. The zero value sends once.
	Retry retry.Policy
}

var (
	errRejected         = errors.New("actuator rejected signal")
	errUnknownDirection = errors.New("unknown direction")
)

// Client drives the controller board over its HTTP API:
// GET {base}/api/down/{channel} engages a line and GET {base}/api/up/{channel}
// releases it.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	policy  retry.Policy
	cb      circuitbreaker.CircuitBreaker[any]
	metrics *metrics.ArbitrationMetrics
}

var _ domain.Actuator = (*Client)(nil)

// New builds a client for the board at baseURL. m may be nil.
func New(baseURL string, opts Options, m *metrics.ArbitrationMetrics) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.OpenDelay <= 0 {
		opts.OpenDelay = DefaultOpenDelay
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: opts.Timeout,
		policy:  opts.Retry,
		metrics: m,
	}

	c.cb = circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(opts.FailureThreshold).
		WithDelay(opts.OpenDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "actuator",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if c.metrics != nil {
				c.metrics.CircuitState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return c
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// SendSignal engages or releases channel, retrying transport failures and
// board faults per the retry policy. An open breaker fails fast with
// domain.ErrActuatorUnavailable.
func (c *Client) SendSignal(ctx context.Context, channel domain.Channel, direction domain.Direction) error {
	p := c.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Actuator signal failed, retrying", "channel", int(channel), "direction", string(direction), "attempt", attempt, "backoff", backoff, "error", err)
	}

	err := retry.DoVoid(ctx, p, classifySignalError, func(ctx context.Context) error {
		return c.send(ctx, channel, direction)
	})
	c.count(direction, err)
	return err
}

// classifySignalError retries anything that did not get a verdict from the
// board. An open breaker or a rejected signal will not change on retry.
func classifySignalError(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrActuatorUnavailable),
		errors.Is(err, errRejected),
		errors.Is(err, errUnknownDirection),
		errors.Is(err, context.Canceled):
		return retry.Stop
	default:
		return retry.Retry
	}
}

func (c *Client) send(ctx context.Context, channel domain.Channel, direction domain.Direction) error {
	verb, ok := verbs[direction]
	if !ok {
		return fmt.Errorf("%w %q", errUnknownDirection, direction)
	}

	if !c.cb.TryAcquirePermit() {
		return fmt.Errorf("actuator %s %d: %w", verb, channel, domain.ErrActuatorUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/%s/%d", c.baseURL, verb, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.cb.RecordError(err)
		return fmt.Errorf("failed to build actuator request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.RecordError(err)
		return fmt.Errorf("actuator %s %d: %w", verb, channel, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		err := fmt.Errorf("actuator %s %d: status %d", verb, channel, resp.StatusCode)
		c.cb.RecordError(err)
		return err
	case resp.StatusCode >= http.StatusBadRequest:
		// The board answered, so the breaker stays healthy.
		c.cb.RecordSuccess()
		return fmt.Errorf("%w %s %d: status %d", errRejected, verb, channel, resp.StatusCode)
	default:
		c.cb.RecordSuccess()
		return nil
	}
}

var verbs = map[domain.Direction]string{
	domain.DirectionEngage:  "down",
	domain.DirectionRelease: "up",
}

func (c *Client) count(direction domain.Direction, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.ActuatorSignals.WithLabelValues(string(direction), result).Inc()
}

// State reports the breaker state, for readiness checks.
func (c *Client) State() circuitbreaker.State {
	return c.cb.State()
}

// Check fails while the breaker is open.
func (c *Client) Check(_ context.Context) error {
	if c.cb.State() == circuitbreaker.OpenState {
		return domain.ErrActuatorUnavailable
	}
	return nil
}
