// Package poller drives the poll-diff-notify-persist cycle. One goroutine
// owns the in-memory state for the process lifetime; the HTTP status plane
// only reads snapshots.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/onnwee/category-notify/notify"
	"github.com/onnwee/category-notify/telemetry"
	"github.com/onnwee/category-notify/twitchapi"
)

// maxBackoff caps the inter-cycle sleep while fetches keep failing; a
// recovering Twitch outage resumes normal cadence within one interval.
const maxBackoff = 5 * time.Minute

// StreamFetcher is the subset of twitchapi.HelixClient the poller needs.
type StreamFetcher interface {
	GetStreamsByLogin(ctx context.Context, logins []string) (map[string]twitchapi.ChannelStatus, error)
}

// EventSender delivers one change notification.
type EventSender interface {
	Send(ctx context.Context, event notify.ChangeEvent) error
}

// StateStore persists the login -> last category mapping.
type StateStore interface {
	Load() (map[string]string, error)
	Save(map[string]string) error
}

// Status is a read-only snapshot for the /status endpoint.
type Status struct {
	Channels            []string          `json:"channels"`
	Categories          map[string]string `json:"categories"`
	LastCycle           time.Time         `json:"last_cycle"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// Poller runs the fixed-interval poll loop.
type Poller struct {
	Channels []string
	Interval time.Duration
	Fetcher  StreamFetcher
	Sender   EventSender
	Store    StateStore

	mu                  sync.Mutex
	state               map[string]string
	lastCycle           time.Time
	lastErr             string
	consecutiveFailures int

	bo *backoff.ExponentialBackOff
}

// Diff compares freshly fetched statuses against the previously recorded
// categories and returns the changes, ordered by the configured channel
// list. A channel with no previous entry produces no event; its first
// observation is recorded silently to avoid a notification storm on first
// run.
func Diff(order []string, current map[string]twitchapi.ChannelStatus, previous map[string]string) []notify.ChangeEvent {
	var events []notify.ChangeEvent
	for _, login := range order {
		cur, ok := current[login]
		if !ok {
			continue
		}
		prev, seen := previous[login]
		if !seen {
			continue
		}
		if cur.Category != prev {
			events = append(events, notify.ChangeEvent{Login: login, OldCategory: prev, NewCategory: cur.Category})
		}
	}
	return events
}

// Run loads persisted state and polls until ctx is canceled. Per-cycle
// errors never terminate the loop; consecutive failures stretch the sleep
// exponentially up to maxBackoff and a success resets it to Interval.
func (p *Poller) Run(ctx context.Context) {
	loaded, err := p.Store.Load()
	if err != nil {
		slog.Warn("could not read state file; starting fresh", slog.Any("err", err))
		loaded = map[string]string{}
	}
	p.mu.Lock()
	p.state = loaded
	p.mu.Unlock()

	if telemetry.ChannelsTracked != nil {
		telemetry.ChannelsTracked.Set(float64(len(p.Channels)))
	}

	p.bo = backoff.NewExponentialBackOff()
	p.bo.InitialInterval = p.Interval
	p.bo.MaxInterval = max(maxBackoff, p.Interval)

	slog.Info("monitoring channels",
		slog.Int("count", len(p.Channels)),
		slog.Any("channels", p.Channels),
		slog.Duration("interval", p.Interval))

	for {
		err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		sleep := p.nextDelay(err != nil)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce executes a single poll cycle: fetch, diff, notify each change,
// persist. Delivery failures are contained within the cycle; fetch and
// persist failures abort it with state unchanged.
func (p *Poller) RunOnce(ctx context.Context) error {
	if telemetry.PollCycles != nil {
		telemetry.PollCycles.Inc()
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll-cycle")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx)

	start := time.Now()
	kind, err := p.runCycle(ctx, log)
	if telemetry.CycleDuration != nil {
		telemetry.CycleDuration.Observe(time.Since(start).Seconds())
	}

	p.mu.Lock()
	p.lastCycle = time.Now()
	if err != nil {
		p.lastErr = err.Error()
		p.consecutiveFailures++
	} else {
		p.lastErr = ""
		p.consecutiveFailures = 0
	}
	p.mu.Unlock()

	if err != nil {
		telemetry.RecordCycleError(kind)
		telemetry.RecordError(span, err)
		log.Error("poll cycle failed; state unchanged", slog.String("kind", kind), slog.Any("err", err))
		return err
	}
	telemetry.MarkCycleSuccess()
	telemetry.SetSpanSuccess(span)
	return nil
}

func (p *Poller) runCycle(ctx context.Context, log *slog.Logger) (string, error) {
	var current map[string]twitchapi.ChannelStatus
	var fetchErr error
	telemetry.TimeFunc(telemetry.HelixRequestDuration, func() {
		current, fetchErr = p.Fetcher.GetStreamsByLogin(ctx, p.Channels)
	})
	if fetchErr != nil {
		return fetchErrorKind(fetchErr), fmt.Errorf("fetch stream statuses: %w", fetchErr)
	}

	p.mu.Lock()
	previous := maps.Clone(p.state)
	p.mu.Unlock()
	if previous == nil {
		previous = map[string]string{}
	}

	events := Diff(p.Channels, current, previous)

	next := previous
	for _, login := range p.Channels {
		if st, ok := current[login]; ok {
			next[login] = st.Category
		}
	}

	// Notify before persisting so a crash between the two re-notifies
	// rather than silently dropping a change. Delivery failures still
	// persist: state tracks observed platform reality, not webhook health.
	for _, ev := range events {
		if telemetry.ChangesDetected != nil {
			telemetry.ChangesDetected.Inc()
		}
		log.Info("category change detected",
			slog.String("channel", ev.Login),
			slog.String("old", ev.OldCategory),
			slog.String("new", ev.NewCategory))
		if err := p.Sender.Send(ctx, ev); err != nil {
			if telemetry.NotificationsFailed != nil {
				telemetry.NotificationsFailed.Inc()
			}
			log.Error("webhook delivery failed",
				slog.String("channel", ev.Login),
				slog.String("kind", "delivery"),
				slog.Any("err", err))
			continue
		}
		if telemetry.NotificationsSent != nil {
			telemetry.NotificationsSent.Inc()
		}
	}

	if err := p.Store.Save(next); err != nil {
		return "state", fmt.Errorf("persist state: %w", err)
	}
	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
	return "", nil
}

// nextDelay returns the sleep before the next cycle: the configured interval
// normally, an exponentially growing (bounded) delay while cycles keep
// failing.
func (p *Poller) nextDelay(failed bool) time.Duration {
	if !failed {
		p.bo.Reset()
		return p.Interval
	}
	d := p.bo.NextBackOff()
	if d < 0 {
		return maxBackoff
	}
	return d
}

// Snapshot returns the current status for the HTTP plane.
func (p *Poller) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Channels:            p.Channels,
		Categories:          maps.Clone(p.state),
		LastCycle:           p.lastCycle,
		LastError:           p.lastErr,
		ConsecutiveFailures: p.consecutiveFailures,
	}
}

func fetchErrorKind(err error) string {
	switch {
	case twitchapi.IsAuthError(err):
		return "auth"
	case twitchapi.IsTransientError(err):
		return "transient"
	default:
		return "internal"
	}
}
