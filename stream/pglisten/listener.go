// Package pglisten multiplexes PostgreSQL LISTEN/NOTIFY over a small fixed
// pool of dedicated connections. Stream inserts and notification inserts
// fire database triggers (installed by sysdb/postgres); this pool turns
// those notifications into wake tokens for the stream transport and for
// blocked Recv calls, so neither has to poll while the database is healthy.
//
// Each subscription attaches to the least-loaded listener connection.
// Listener connections that fail are re-established through a circuit
// breaker; while the breaker is open new watch calls fail fast and callers
// fall back to polling. After a reconnect every attached watcher is woken
// once so it re-reads whatever landed during the outage.
package pglisten

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"

	"github.com/cascadeflow/cascade/sysdb"
	sysdbpg "github.com/cascadeflow/cascade/sysdb/postgres"
	"github.com/cascadeflow/cascade/telemetry"
)

const (
	defaultSize        = 10
	defaultWaitTimeout = 250 * time.Millisecond
	reconnectBackoff   = time.Second
)

type (
	// Pool is a fixed set of listener connections. It implements
	// sysdb.StreamWaker and sysdb.NotificationWaker.
	Pool struct {
		dsn         string
		logger      telemetry.Logger
		waitTimeout time.Duration
		breaker     *gobreaker.CircuitBreaker

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		listeners []*listener
	}

	// Options configures a Pool.
	Options struct {
		// DSN is the PostgreSQL connection string. Listener connections are
		// dedicated; they do not come out of the application's pgx pool.
		DSN string
		// Size is the number of listener connections. Defaults to 10.
		Size int
		// Logger emits structured logs.
		Logger telemetry.Logger
		// WaitTimeout bounds each blocking wait so the listener loop can
		// absorb new LISTEN requests. It is the worst-case latency between
		// a fresh subscription and its first live wake. Defaults to 250ms.
		WaitTimeout time.Duration
	}

	listener struct {
		pool     *Pool
		id       int
		requests chan request

		mu       sync.Mutex
		watchers map[string]map[int]chan struct{}
		nextID   int
	}

	request struct {
		channel string
		listen  bool
	}
)

var (
	_ sysdb.StreamWaker       = (*Pool)(nil)
	_ sysdb.NotificationWaker = (*Pool)(nil)
)

// New starts the pool. ctx bounds its lifetime; Close stops it earlier.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("pglisten: Options.DSN is required")
	}
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}

	p := &Pool{
		dsn:         opts.DSN,
		logger:      opts.Logger,
		waitTimeout: opts.WaitTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pglisten",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()

	p.listeners = make([]*listener, opts.Size)
	for i := range p.listeners {
		l := &listener{
			pool:     p,
			id:       i,
			requests: make(chan request, 64),
			watchers: make(map[string]map[int]chan struct{}),
		}
		p.listeners[i] = l
		p.wg.Add(1)
		go l.run()
	}
	return p, nil
}

// Close tears the pool down and waits for the listener loops to exit.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// WatchStream wakes the returned channel whenever a row lands on the
// workflow's stream. Wakes may be spurious; the caller re-reads and waits
// again. cancel must be called to detach.
func (p *Pool) WatchStream(ctx context.Context, workflowID, key string) (<-chan struct{}, func(), error) {
	channel := sysdbpg.StreamChannel(workflowID, key)
	return p.watch(ctx, channel, channel)
}

// WatchNotifications wakes the returned channel whenever a notification for
// (recipient, topic) is inserted. All notification traffic shares one
// database channel; the trigger payload routes to the right watcher.
func (p *Pool) WatchNotifications(ctx context.Context, recipientID, topic string) (<-chan struct{}, func(), error) {
	// The standing LISTEN on listener 0 covers the shared channel, so no
	// per-watch LISTEN is issued.
	return p.listeners[0].addWatcher(noteKey(recipientID, topic), "")
}

func (p *Pool) watch(ctx context.Context, key, pgChannel string) (<-chan struct{}, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if p.ctx.Err() != nil {
		return nil, nil, fmt.Errorf("pglisten: pool closed")
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return nil, nil, fmt.Errorf("pglisten: listener circuit open")
	}
	return p.pick().addWatcher(key, pgChannel)
}

// pick returns the listener with the fewest attached watchers.
func (p *Pool) pick() *listener {
	best := p.listeners[0]
	bestLoad := best.load()
	for _, l := range p.listeners[1:] {
		if n := l.load(); n < bestLoad {
			best, bestLoad = l, n
		}
	}
	return best
}

func (l *listener) load() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}

// addWatcher registers a wake channel under key. When pgChannel is non-empty
// and this is the key's first watcher, the listener connection LISTENs it.
func (l *listener) addWatcher(key, pgChannel string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	group, ok := l.watchers[key]
	if !ok {
		group = make(map[int]chan struct{})
		l.watchers[key] = group
	}
	id := l.nextID
	l.nextID++
	group[id] = ch
	first := !ok
	l.mu.Unlock()

	if first && pgChannel != "" {
		if err := l.request(request{channel: pgChannel, listen: true}); err != nil {
			l.removeWatcher(key, id, "")
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { l.removeWatcher(key, id, pgChannel) })
	}
	return ch, cancel, nil
}

func (l *listener) removeWatcher(key string, id int, pgChannel string) {
	l.mu.Lock()
	group := l.watchers[key]
	delete(group, id)
	last := len(group) == 0
	if last {
		delete(l.watchers, key)
	}
	l.mu.Unlock()

	if last && pgChannel != "" {
		// Best effort; a dangling LISTEN only costs a no-op dispatch.
		_ = l.request(request{channel: pgChannel, listen: false})
	}
}

func (l *listener) request(req request) error {
	select {
	case l.requests <- req:
		return nil
	case <-l.pool.ctx.Done():
		return fmt.Errorf("pglisten: pool closed")
	}
}

// run keeps one listener connection alive for the pool's lifetime.
func (l *listener) run() {
	defer l.pool.wg.Done()
	for {
		if l.pool.ctx.Err() != nil {
			return
		}
		conn, err := l.connect()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.pool.logger.Warn(l.pool.ctx, "listener connect failed",
					"listener", l.id, "error", err.Error())
			}
			select {
			case <-l.pool.ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}
		l.serve(conn)
		_ = conn.Close(context.WithoutCancel(l.pool.ctx))
	}
}

func (l *listener) connect() (*pgx.Conn, error) {
	v, err := l.pool.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(l.pool.ctx, 5*time.Second)
		defer cancel()
		return pgx.Connect(ctx, l.pool.dsn)
	})
	if err != nil {
		return nil, err
	}
	conn := v.(*pgx.Conn)
	if err := l.resubscribe(conn); err != nil {
		_ = conn.Close(context.WithoutCancel(l.pool.ctx))
		return nil, err
	}
	return conn, nil
}

// resubscribe re-issues every LISTEN this listener is responsible for and
// wakes all watchers so they re-read anything missed while disconnected.
func (l *listener) resubscribe(conn *pgx.Conn) error {
	channels := make([]string, 0, 8)
	if l.id == 0 {
		channels = append(channels, sysdbpg.NotificationChannel)
	}
	l.mu.Lock()
	for key := range l.watchers {
		if !strings.HasPrefix(key, sysdbpg.NotificationChannel+"|") {
			channels = append(channels, key)
		}
	}
	l.mu.Unlock()

	for _, ch := range channels {
		if _, err := conn.Exec(l.pool.ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.wakeAll()
	return nil
}

// serve drains LISTEN requests and dispatches notifications until the
// connection breaks or the pool closes.
func (l *listener) serve(conn *pgx.Conn) {
	for {
		for drained := false; !drained; {
			select {
			case req := <-l.requests:
				verb := "LISTEN "
				if !req.listen {
					verb = "UNLISTEN "
				}
				if _, err := conn.Exec(l.pool.ctx, verb+pgx.Identifier{req.channel}.Sanitize()); err != nil {
					l.pool.logger.Warn(l.pool.ctx, "listen request failed",
						"listener", l.id, "channel", req.channel, "error", err.Error())
					return
				}
			default:
				drained = true
			}
		}

		waitCtx, cancel := context.WithTimeout(l.pool.ctx, l.pool.waitTimeout)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			l.dispatch(n.Channel, n.Payload)
		case errors.Is(err, context.DeadlineExceeded):
			// Idle tick; loop to absorb pending requests.
		case l.pool.ctx.Err() != nil:
			return
		default:
			l.pool.logger.Warn(l.pool.ctx, "listener connection lost",
				"listener", l.id, "error", err.Error())
			return
		}
	}
}

func (l *listener) dispatch(channel, payload string) {
	key := channel
	if channel == sysdbpg.NotificationChannel {
		key = sysdbpg.NotificationChannel + "|" + payload
	}
	l.mu.Lock()
	group := l.watchers[key]
	for _, ch := range group {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
}

func (l *listener) wakeAll() {
	l.mu.Lock()
	for _, group := range l.watchers {
		for _, ch := range group {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	l.mu.Unlock()
}

func noteKey(recipientID, topic string) string {
	return sysdbpg.NotificationChannel + "|" + recipientID + "::" + topic
}
