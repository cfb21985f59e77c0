package bluetooth

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mattnigh/PyFluff/protocol"
)

// channelEndpoints binds each logical channel to its characteristic pair.
// Bulk has no notify side and RSSI has no write side.
var channelEndpoints = map[protocol.Channel]struct {
	write  string
	notify string
}{
	protocol.ChannelCommand: {write: protocol.CharGeneralPlusWrite, notify: protocol.CharGeneralPlusListen},
	protocol.ChannelControl: {write: protocol.CharNordicWrite, notify: protocol.CharNordicListen},
	protocol.ChannelBulk:    {write: protocol.CharFileWrite},
	protocol.ChannelRSSI:    {notify: protocol.CharRSSIListen},
}

// subscriberQueueSize bounds the per-subscriber event queue. The radio
// stack delivers notifications on its own dispatch context, so dispatch
// must never block on a slow handler; overflow drops the event and logs.
const subscriberQueueSize = 64

type subscriber struct {
	queue chan protocol.Event
	done  chan struct{}
}

// Registry fans inbound notification bytes out to channel subscribers,
// decoded through the protocol tables, and routes outbound writes to the
// right endpoint. It is attached to a link for the lifetime of a session.
type Registry struct {
	mu        sync.RWMutex
	link      Link
	connected func() bool
	log       zerolog.Logger

	subs    map[protocol.Channel]map[int]*subscriber
	nextID  int
	cancels []func()
	dropped atomic.Uint64
}

func newRegistry(connected func() bool, log zerolog.Logger) *Registry {
	return &Registry{
		connected: connected,
		log:       log,
		subs:      make(map[protocol.Channel]map[int]*subscriber),
	}
}

// Publish writes data verbatim to a channel's write endpoint.
func (r *Registry) Publish(ch protocol.Channel, data []byte) error {
	r.mu.RLock()
	link := r.link
	r.mu.RUnlock()

	if link == nil || !r.connected() {
		return ErrNotConnected
	}
	ep, ok := channelEndpoints[ch]
	if !ok || ep.write == "" {
		return fmt.Errorf("channel %s is not writable", ch)
	}
	return link.Write(ep.write, data)
}

// Subscribe registers a handler for decoded events on a channel. Multiple
// independent subscribers per channel are supported; each gets its own
// queue and goroutine so one slow consumer cannot starve another. The
// returned cancel func is idempotent. Subscriptions survive reconnects.
func (r *Registry) Subscribe(ch protocol.Channel, handler func(protocol.Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	sub := &subscriber{
		queue: make(chan protocol.Event, subscriberQueueSize),
		done:  make(chan struct{}),
	}
	if r.subs[ch] == nil {
		r.subs[ch] = make(map[int]*subscriber)
	}
	r.subs[ch][id] = sub
	r.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.queue:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[ch], id)
			r.mu.Unlock()
			close(sub.done)
		})
	}
}

// attach wires the registry to a fresh link, starting a decode loop per
// notifying channel.
func (r *Registry) attach(link Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancels []func()
	for ch, ep := range channelEndpoints {
		if ep.notify == "" {
			continue
		}
		stream, cancel, err := link.Subscribe(ep.notify)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		cancels = append(cancels, cancel)
		go r.pump(ch, stream)
	}

	r.link = link
	r.cancels = cancels
	return nil
}

// detach releases all channel bindings. Existing subscribers stay
// registered and resume on the next attach.
func (r *Registry) detach() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.link = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Registry) pump(ch protocol.Channel, stream <-chan []byte) {
	for data := range stream {
		ev, err := protocol.Decode(ch, data)
		if err != nil {
			// Truncated or unknown payload; forwarded as raw.
			r.log.Debug().Str("channel", string(ch)).Err(err).Msg("undecodable notification")
		}
		r.dispatch(ch, ev)
	}
}

func (r *Registry) dispatch(ch protocol.Channel, ev protocol.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs[ch] {
		select {
		case sub.queue <- ev:
		default:
			r.dropped.Add(1)
			r.log.Warn().Str("channel", string(ch)).Str("type", string(ev.Type)).Msg("subscriber queue full, event dropped")
		}
	}
}
