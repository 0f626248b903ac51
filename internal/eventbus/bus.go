// Package eventbus is Heimdall's in-process pub-sub for the handful of
// query-path occurrences worth observing outside the request/response
// path itself: a blocklist drop, a cache store or stale-refresh, a
// listener starting or stopping, a DNSSEC verdict. It has no persistence
// and no cross-process delivery — a subscriber that isn't listening when
// Publish runs simply misses the event (see Publish's drop-on-full
// behavior) — so it is an observability fan-out, not a message queue.
package eventbus

import (
	"context"
	"sync"
)

type Topic string

const (
	// TopicZone carries ZoneEvent: a blocking-engine verdict against a
	// queried name.
	TopicZone Topic = "zone"
	// TopicCache carries CacheEvent: a store, stale hit or background
	// refresh against internal/cache.
	TopicCache Topic = "cache"
	// TopicServer carries ServerEvent: a listener lifecycle transition.
	TopicServer Topic = "server"
	// TopicDNSSEC carries DNSSECEvent: a validation verdict for one
	// upstream response.
	TopicDNSSEC Topic = "dnssec"
)

// ZoneEvent reports a blocking-engine verdict reached for Name while
// resolving a query (published by internal/server.HandleDNS when the
// resolver returns ErrDrop for an ActionDrop verdict).
type ZoneEvent struct {
	Name   string
	Action string
}

// CacheEvent reports a cache-tier occurrence for one CacheKey's name/type
// (internal/resolver's storeInCache, Resolve's stale-hit path and
// triggerRefresh).
type CacheEvent struct {
	Name string
	Type uint16
	Op   string // "store", "stale-hit", "refreshed"
}

// ServerEvent reports a listener-set lifecycle transition
// (internal/server.Start/Stop).
type ServerEvent struct {
	State string // "started", "stopped"
}

// DNSSECEvent reports one upstream response's validation verdict
// (internal/resolver's dnssec.Validator.Validate call site).
type DNSSECEvent struct {
	Zone   string
	Result string // dnssec.Result.String()
}

type Event struct {
	Topic Topic
	Data  interface{}
}

type Subscriber struct {
	Ch   <-chan Event
	stop context.CancelFunc
}

type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event
	buf  int
}

func New(buf int) *Bus {
	return &Bus{subs: make(map[Topic][]chan Event), buf: buf}
}

func (b *Bus) Publish(ctx context.Context, topic Topic, data interface{}) {
	b.mu.RLock()
	chs := b.subs[topic]
	b.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- Event{Topic: topic, Data: data}:
		default:
			// drop if subscriber is slow
		}
	}
}

func (b *Bus) Subscribe(ctx context.Context, topic Topic) *Subscriber {
	ch := make(chan Event, b.buf)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		<-cctx.Done()
		b.mu.Lock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return &Subscriber{Ch: ch, stop: cancel}
}

func (s *Subscriber) Close() { if s.stop != nil { s.stop() } }
