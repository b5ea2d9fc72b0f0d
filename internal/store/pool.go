package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type Options struct {
	PublishTimeout time.Duration
	QueryTimeout   time.Duration
	// StoredTimeout bounds the stored-events phase of a subscription.
	StoredTimeout time.Duration
	// ReconnectDelay is how long a closed subscription waits before resubscribing.
	ReconnectDelay time.Duration
	// AutoAuth answers every NIP-42 challenge without asking.
	AutoAuth bool
}

func (o *Options) defaults() {
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.StoredTimeout <= 0 {
		o.StoredTimeout = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
}

var _ Store = (*Pool)(nil)

// Pool talks to relays through a go-nostr SimplePool and keeps everything it
// sees in a Local cache.
type Pool struct {
	*Local
	pool   *nostr.SimplePool
	signer nostr.Keyer
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	notes  chan Notification

	mu       sync.Mutex
	approved map[string]bool
}

func NewPool(ctx context.Context, local *Local, signer nostr.Keyer, opts Options, logger *slog.Logger) *Pool {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		Local:    local,
		signer:   signer,
		opts:     opts,
		logger:   logger.With("component", "pool"),
		ctx:      ctx,
		cancel:   cancel,
		notes:    make(chan Notification, 1024),
		approved: make(map[string]bool),
	}
	p.pool = nostr.NewSimplePool(ctx, nostr.WithAuthHandler(p.handleAuth))
	return p
}

func (p *Pool) Notifications() <-chan Notification { return p.notes }

func (p *Pool) notify(n Notification) {
	select {
	case p.notes <- n:
	case <-p.ctx.Done():
	}
}

// handleAuth is called by the pool when a relay answers with auth-required.
func (p *Pool) handleAuth(ctx context.Context, authEvent nostr.RelayEvent) error {
	url := authEvent.Relay.URL
	challenge := ""
	for _, tag := range authEvent.Tags {
		if len(tag) >= 2 && tag[0] == "challenge" {
			challenge = tag[1]
		}
	}
	p.notify(Notification{Kind: NotifyAuth, Relay: url, Challenge: challenge})

	p.mu.Lock()
	ok := p.opts.AutoAuth || p.approved[url]
	p.mu.Unlock()
	if !ok {
		p.logger.Info("handleAuth: waiting for approval", "relay", url)
		return fmt.Errorf("auth to %s not approved", url)
	}
	if err := p.signer.SignEvent(ctx, authEvent.Event); err != nil {
		return fmt.Errorf("auth to %s: %w", url, err)
	}
	p.logger.Debug("handleAuth: signed challenge", "relay", url)
	p.notify(Notification{Kind: NotifyAuth, Relay: url, Challenge: challenge, Authenticated: true})
	return nil
}

// Authenticate approves relay for NIP-42 and answers its current challenge.
func (p *Pool) Authenticate(ctx context.Context, url string) error {
	url = nostr.NormalizeURL(url)
	p.mu.Lock()
	p.approved[url] = true
	p.mu.Unlock()

	r, err := p.pool.EnsureRelay(url)
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", url, err)
	}
	if err := r.Auth(ctx, func(evt *nostr.Event) error { return p.signer.SignEvent(ctx, evt) }); err != nil {
		return fmt.Errorf("authenticate %s: %w", url, err)
	}
	p.logger.Info("Authenticate: ok", "relay", url)
	return nil
}

// Publish sends evt to relays and waits for every OK or the publish timeout.
// Relays that did not answer in time count as failed.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event, relays []string) (Receipt, error) {
	receipt := Receipt{EventID: evt.ID, Failed: make(map[string]string)}
	if len(relays) == 0 {
		return receipt, ErrNoRelays
	}
	if err := p.Local.Save(ctx, evt); err != nil {
		p.logger.Warn("Publish: local save failed", "id", evt.ID, "err", err)
	}

	pctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()

	answered := make(map[string]bool)
	for res := range p.pool.PublishMany(pctx, relays, evt) {
		url := nostr.NormalizeURL(res.RelayURL)
		answered[url] = true
		if res.Error != nil {
			receipt.Failed[url] = res.Error.Error()
			continue
		}
		receipt.OK = append(receipt.OK, url)
	}
	for _, r := range relays {
		if url := nostr.NormalizeURL(r); !answered[url] {
			receipt.Failed[url] = "timeout"
		}
	}

	p.logger.Debug("Publish", "id", evt.ID, "kind", evt.Kind, "ok", len(receipt.OK), "failed", len(receipt.Failed))
	if len(receipt.OK) == 0 {
		return receipt, fmt.Errorf("publish %s: %w", evt.ID, ErrPublishFailed)
	}
	return receipt, nil
}

// Fetch runs an EOSE-terminated query and caches the results.
func (p *Pool) Fetch(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	qctx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	defer cancel()

	var out []nostr.Event
	for ie := range p.pool.FetchMany(qctx, relays, filter) {
		out = append(out, *ie.Event)
		if err := p.Local.Save(ctx, *ie.Event); err != nil {
			p.logger.Debug("Fetch: local save failed", "id", ie.ID, "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// Subscribe replays stored events, reports EOSE, then follows live events.
// When the live stream ends it reports NotifyClosed and resubscribes after
// ReconnectDelay, picking up where it left off.
func (p *Pool) Subscribe(ctx context.Context, id string, relays []string, filter nostr.Filter) {
	go func() {
		for {
			p.stored(ctx, id, relays, filter)
			if ctx.Err() != nil {
				return
			}
			p.notify(Notification{Kind: NotifyEOSE, Subscription: id})

			since := liveSince(filter, nostr.Now())
			live := filter
			live.Since = &since
			live.Limit = 0
			for ie := range p.pool.SubscribeMany(ctx, relays, live) {
				p.forward(ctx, id, ie)
			}
			if ctx.Err() != nil {
				return
			}

			p.logger.Warn("Subscribe: stream ended, reconnecting", "sub", id, "delay", p.opts.ReconnectDelay)
			for _, r := range relays {
				p.notify(Notification{Kind: NotifyClosed, Subscription: id, Relay: r, Message: "subscription ended"})
			}
			select {
			case <-time.After(p.opts.ReconnectDelay):
			case <-ctx.Done():
				return
			}
			filter.Since = &since
		}
	}()
}

// Gift wraps carry created_at values randomized up to two days into the past,
// so a live subscription for them has to look back further than that.
const giftWrapLookback = 3 * 24 * 60 * 60

// liveSince is the since value for the live phase of filter starting at now.
func liveSince(filter nostr.Filter, now nostr.Timestamp) nostr.Timestamp {
	if !slices.Contains(filter.Kinds, kindGiftWrap) {
		return now
	}
	return max(now-giftWrapLookback, 0)
}

func (p *Pool) stored(ctx context.Context, id string, relays []string, filter nostr.Filter) {
	sctx, cancel := context.WithTimeout(ctx, p.opts.StoredTimeout)
	defer cancel()
	for ie := range p.pool.FetchMany(sctx, relays, filter) {
		p.forward(ctx, id, ie)
	}
}

func (p *Pool) forward(ctx context.Context, id string, ie nostr.RelayEvent) {
	if err := p.Local.Save(ctx, *ie.Event); err != nil {
		p.logger.Debug("forward: local save failed", "id", ie.ID, "err", err)
	}
	p.notify(Notification{Kind: NotifyEvent, Subscription: id, Relay: ie.Relay.URL, Event: *ie.Event})
}

func (p *Pool) Close() {
	p.cancel()
	p.pool.Close("shutdown")
	p.Local.Close()
}
