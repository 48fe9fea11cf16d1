// Package poller owns the poll-and-publish cycle for one account/meter pair:
// ensure a fresh token, fetch the reading snapshot, publish it. One tick at a
// time per pair, enforced by single-flight.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/citywater/citywater/pkg/city4u"
	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/types"
	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the scheduled tick cadence.
const DefaultInterval = 3600 * time.Second

// transientFailureThreshold is how many consecutive transient failures we
// tolerate before escalating the log level. The cadence never changes; the
// next scheduled tick runs regardless.
const transientFailureThreshold = 3

// State is a point-in-time view of a poller for the presentation layer.
type State struct {
	Snapshot             types.Snapshot
	LastSuccess          time.Time
	LastError            error
	ConsecutiveFailures  int
	NeedsReconfiguration bool
}

// Poller runs the tick cycle for a single account/meter pair. It is either
// idle or polling; concurrent triggers collapse into the in-flight tick and
// receive its outcome.
type Poller struct {
	api *city4u.Client

	group singleflight.Group

	mu            sync.Mutex
	snapshot      types.Snapshot
	lastSuccess   time.Time
	lastErr       error
	failures      int
	needsReconfig bool
	onUpdate      func(types.Snapshot)
}

// New creates a poller around an API client.
func New(api *city4u.Client) *Poller {
	return &Poller{api: api}
}

// Key identifies this poller in the registry.
func (p *Poller) Key() string {
	return p.api.Credentials().Key()
}

// Credentials returns the account this poller serves.
func (p *Poller) Credentials() types.Credentials {
	return p.api.Credentials()
}

// Client returns the underlying API client.
func (p *Poller) Client() *city4u.Client {
	return p.api
}

// SetOnUpdate registers the subscriber that receives every new snapshot.
// Must be called before the first tick.
func (p *Poller) SetOnUpdate(fn func(types.Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// State returns the current published state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Snapshot:             p.snapshot,
		LastSuccess:          p.lastSuccess,
		LastError:            p.lastErr,
		ConsecutiveFailures:  p.failures,
		NeedsReconfiguration: p.needsReconfig,
	}
}

// LastPolled returns the wall-clock instant of the last successful fetch.
func (p *Poller) LastPolled() time.Time {
	return p.api.LastPollTime()
}

// NeedsReconfiguration reports whether the credentials were rejected and the
// scheduler should stop automatic ticks until the user acts.
func (p *Poller) NeedsReconfiguration() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsReconfig
}

// Tick runs one scheduled poll cycle. If a tick for this poller is already in
// flight, the call joins it and returns its outcome instead of issuing a
// second round-trip. If the poller is flagged for reconfiguration, the tick
// is a no-op returning the stored error; only ForceTick clears the flag.
func (p *Poller) Tick(ctx context.Context) (types.Snapshot, error) {
	p.mu.Lock()
	if p.needsReconfig {
		err := p.lastErr
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	return p.do(ctx)
}

// ForceTick runs a poll cycle on user demand. It clears a pending
// needs-reconfiguration flag first so updated credentials get a fresh chance.
// Safe to call concurrently with Tick; both share the in-flight round-trip.
func (p *Poller) ForceTick(ctx context.Context) (types.Snapshot, error) {
	p.mu.Lock()
	p.needsReconfig = false
	p.mu.Unlock()

	return p.do(ctx)
}

func (p *Poller) do(ctx context.Context) (types.Snapshot, error) {
	v, err, shared := p.group.Do("tick", func() (any, error) {
		return p.tick(ctx)
	})
	if shared {
		log.Ctx(ctx).DebugContext(ctx, "joined in-flight poll", slog.String("key", p.Key()))
	}
	if err != nil {
		return nil, err
	}
	return v.(types.Snapshot), nil
}

func (p *Poller) tick(ctx context.Context) (types.Snapshot, error) {
	if !p.api.IsTokenValid() {
		if err := p.api.Authenticate(ctx); err != nil {
			return nil, p.recordFailure(ctx, err)
		}
	}

	snap, err := p.api.FetchReadings(ctx)
	if err != nil {
		return nil, p.recordFailure(ctx, err)
	}

	p.mu.Lock()
	p.snapshot = snap
	p.lastSuccess = time.Now()
	p.lastErr = nil
	p.failures = 0
	p.needsReconfig = false
	onUpdate := p.onUpdate
	p.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap)
	}

	log.Ctx(ctx).InfoContext(ctx, "poll complete",
		slog.String("key", p.Key()),
		slog.Int("readings", len(snap)),
	)
	return snap, nil
}

func (p *Poller) recordFailure(ctx context.Context, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErr = err

	if city4u.NeedsReconfiguration(err) {
		p.needsReconfig = true
		log.Ctx(ctx).ErrorContext(ctx, "credentials no longer accepted, polling halted until reconfigured",
			slog.String("key", p.Key()),
			slog.String("kind", city4u.KindOf(err).String()),
			slog.Any("error", err),
		)
		return err
	}

	p.failures++
	if p.failures >= transientFailureThreshold {
		log.Ctx(ctx).WarnContext(ctx, "repeated poll failures, will keep retrying on schedule",
			slog.String("key", p.Key()),
			slog.Int("consecutive", p.failures),
			slog.Any("error", err),
		)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "poll failed, will retry next interval",
			slog.String("key", p.Key()),
			slog.Any("error", err),
		)
	}
	return err
}
