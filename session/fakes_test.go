package session

import (
	"context"
	"errors"
	"sync"

	"github.com/room4-2/voicedesk/messages"
	"github.com/room4-2/voicedesk/store"
	"github.com/room4-2/voicedesk/transport"
)

type fakeChannel struct {
	textOnly bool

	mu        sync.Mutex
	sent      []messages.Envelope
	handlers  map[int]transport.Handler
	watchers  map[int]transport.StateHandler
	nextID    int
	state     transport.State
	connected bool
	closed    bool
}

func newFakeChannel(textOnly bool) *fakeChannel {
	return &fakeChannel{
		textOnly: textOnly,
		handlers: make(map[int]transport.Handler),
		watchers: make(map[int]transport.StateHandler),
	}
}

func (c *fakeChannel) Connect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.state = transport.StateDisconnected
	c.mu.Unlock()
}

func (c *fakeChannel) Send(env messages.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sent = append(c.sent, env)
}

func (c *fakeChannel) OnMessage(h transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) OnStateChange(h transport.StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// deliver hands env to subscribers the way the read loop does
func (c *fakeChannel) deliver(envs ...messages.Envelope) {
	for _, env := range envs {
		c.mu.Lock()
		hs := make([]transport.Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			hs = append(hs, h)
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(env)
		}
	}
}

func (c *fakeChannel) setState(s transport.State) {
	c.mu.Lock()
	c.state = s
	ws := make([]transport.StateHandler, 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		w(s)
	}
}

func (c *fakeChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.MessageType())
	}
	return out
}

func (c *fakeChannel) controls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, env := range c.sent {
		if m, ok := env.(*messages.ControlMessage); ok {
			out = append(out, m.Action)
		}
	}
	return out
}

func (c *fakeChannel) lastOfType(typ string) messages.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].MessageType() == typ {
			return c.sent[i]
		}
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type channelFactory struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
}

func (f *channelFactory) open(textOnly bool) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := newFakeChannel(textOnly)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *channelFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func (f *channelFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

type fakeCapture struct {
	mu       sync.Mutex
	running  bool
	startErr error
	onChunk  func(string)
	starts   int
	stops    int
	level    float64
}

func (c *fakeCapture) Start(_ context.Context, onChunk func(string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	c.onChunk = onChunk
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
}

func (c *fakeCapture) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeCapture) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *fakeCapture) emit(frame string) {
	c.mu.Lock()
	fn := c.onChunk
	c.mu.Unlock()
	fn(frame)
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued []string
	stops    int
	closes   int
	playing  bool
}

func (p *fakePlayer) Enqueue(encoded string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if encoded == "bad" {
		return errors.New("decode audio payload")
	}
	p.enqueued = append(p.enqueued, encoded)
	p.playing = true
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.playing = false
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	p.playing = false
	return nil
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) counts() (enqueued, stops, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued), p.stops, p.closes
}

type fakeAvatar struct {
	mu          sync.Mutex
	offers      [][]messages.ICEServer
	answers     []string
	disconnects int
	offerErr    error
}

func (a *fakeAvatar) CreateOffer(_ context.Context, servers []messages.ICEServer) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offers = append(a.offers, servers)
	if a.offerErr != nil {
		return "", a.offerErr
	}
	return "offer-sdp", nil
}

func (a *fakeAvatar) SetAnswer(sdp string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, sdp)
	return nil
}

func (a *fakeAvatar) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
}

func (a *fakeAvatar) disconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

type fakeArchive struct {
	mu      sync.Mutex
	records []*store.Record
}

func (a *fakeArchive) Save(_ context.Context, rec *store.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeArchive) saved() []*store.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*store.Record(nil), a.records...)
}
