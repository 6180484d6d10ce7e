package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned once the pool has been shut down.
	ErrClosed = errors.New("pool closed")
	// ErrFlushed is returned by Add when the owning client was flushed while
	// the connection was being established.
	ErrFlushed = errors.New("client flushed while connecting")
)

// Conn is a pooled channel.
type Conn interface {
	// Reserve claims capacity for one exchange: an idle HTTP/1.1 channel turns
	// busy, an HTTP/2 channel hands out a stream slot. The pool calls it with
	// its lock held, so it must not block.
	Reserve() bool
	Closed() bool
	Close() error
}

// Flusher is implemented by channels that tell a flush apart from a plain
// close, so their in-flight exchanges can report why they ended.
type Flusher interface {
	Flush() error
}

// IdleConn is implemented by channels that can report they carry no exchange.
type IdleConn interface {
	Idle() bool
}

// clientEpoch is the flush generation of a client with dials in flight.
type clientEpoch struct {
	gen   uint64
	holds int
}

type entry struct {
	key      string
	clientID string
	shared   bool
	conn     Conn
}

func (e *entry) usableBy(clientID string, shared bool) bool {
	if shared || e.shared {
		return shared && e.shared
	}
	return e.clientID == clientID
}

// Pool indexes live channels by endpoint key and by owning client id. A
// channel owned by one client is never handed to another; shared channels
// belong to no client group.
type Pool struct {
	mu      sync.Mutex
	byKey   map[string][]*entry
	groups  map[string]map[*entry]struct{}
	index   map[Conn]*entry
	epochs  map[string]*clientEpoch
	maxIdle int
	closed  bool
}

// New creates a pool keeping at most maxIdle idle channels per endpoint key
// and owner. A non-positive maxIdle disables the cap.
func New(maxIdle int) *Pool {
	return &Pool{
		byKey:   make(map[string][]*entry),
		groups:  make(map[string]map[*entry]struct{}),
		index:   make(map[Conn]*entry),
		epochs:  make(map[string]*clientEpoch),
		maxIdle: maxIdle,
	}
}

// Acquire reserves a channel for key usable by clientID (or a shared one when
// shared is set). accept filters candidates before reservation; a nil accept
// takes any. The most recently added channel is tried first. Acquire returns
// nil when nothing is available.
func (p *Pool) Acquire(key, clientID string, shared bool, accept func(Conn) bool) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	entries := p.byKey[key]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.conn.Closed() {
			p.removeLocked(e)
			continue
		}
		if !e.usableBy(clientID, shared) {
			continue
		}
		if accept != nil && !accept(e.conn) {
			continue
		}
		if e.conn.Reserve() {
			return e.conn, nil
		}
	}
	return nil, nil
}

// Epoch returns the flush generation of clientID and holds it until Done.
// Capture it before dialing, pass it to Add, and call Done once no more
// channels will be added under it. Only held generations are remembered.
func (p *Pool) Epoch(clientID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ce := p.epochs[clientID]
	if ce == nil {
		ce = &clientEpoch{}
		p.epochs[clientID] = ce
	}
	ce.holds++
	return ce.gen
}

// Done releases a hold taken by Epoch.
func (p *Pool) Done(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ce := p.epochs[clientID]
	if ce == nil {
		return
	}
	if ce.holds--; ce.holds <= 0 {
		delete(p.epochs, clientID)
	}
}

func (p *Pool) generation(clientID string) uint64 {
	if ce := p.epochs[clientID]; ce != nil {
		return ce.gen
	}
	return 0
}

// Add registers a freshly established channel. It fails with ErrFlushed when
// clientID was flushed after epoch was taken and with ErrClosed after Close;
// in both cases the caller still owns conn and must close it.
func (p *Pool) Add(key, clientID string, shared bool, epoch uint64, conn Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !shared && p.generation(clientID) != epoch {
		return ErrFlushed
	}
	if _, ok := p.index[conn]; ok {
		return nil
	}
	e := &entry{key: key, clientID: clientID, shared: shared, conn: conn}
	p.byKey[key] = append(p.byKey[key], e)
	p.index[conn] = e
	if !shared {
		group, ok := p.groups[clientID]
		if !ok {
			group = make(map[*entry]struct{})
			p.groups[clientID] = group
		}
		group[e] = struct{}{}
	}
	return nil
}

// Remove drops conn from every index without closing it.
func (p *Pool) Remove(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.index[conn]; ok {
		p.removeLocked(e)
	}
}

// KeepIdle is called when conn has gone idle. It reports whether conn may
// stay pooled; when the per-key idle cap is exceeded conn is removed and the
// caller should close it.
func (p *Pool) KeepIdle(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.index[conn]
	if !ok || p.closed {
		return false
	}
	if p.maxIdle <= 0 {
		return true
	}
	idle := 0
	for _, other := range p.byKey[e.key] {
		if other == e || other.shared != e.shared || other.clientID != e.clientID {
			continue
		}
		if ic, ok := other.conn.(IdleConn); ok && ic.Idle() {
			idle++
		}
	}
	if idle >= p.maxIdle {
		p.removeLocked(e)
		return false
	}
	return true
}

// Flush removes and closes every channel owned by clientID. Channels still
// being established for it are rejected by Add. It returns how many channels
// were closed.
func (p *Pool) Flush(clientID string) int {
	p.mu.Lock()
	if ce := p.epochs[clientID]; ce != nil {
		ce.gen++
	}
	group := p.groups[clientID]
	conns := make([]Conn, 0, len(group))
	for e := range group {
		conns = append(conns, e.conn)
		p.removeLocked(e)
	}
	delete(p.groups, clientID)
	p.mu.Unlock()

	for _, c := range conns {
		if f, ok := c.(Flusher); ok {
			_ = f.Flush()
		} else {
			_ = c.Close()
		}
	}
	return len(conns)
}

// Close shuts the pool down and closes every channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]Conn, 0, len(p.index))
	for c := range p.index {
		conns = append(conns, c)
	}
	p.byKey = make(map[string][]*entry)
	p.groups = make(map[string]map[*entry]struct{})
	p.index = make(map[Conn]*entry)
	p.epochs = make(map[string]*clientEpoch)
	p.mu.Unlock()

	var errs []string
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Len returns the number of pooled channels.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index)
}

// GroupLen returns the number of channels owned by clientID.
func (p *Pool) GroupLen(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups[clientID])
}

func (p *Pool) removeLocked(e *entry) {
	delete(p.index, e.conn)
	entries := p.byKey[e.key]
	for i, other := range entries {
		if other == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(p.byKey, e.key)
	} else {
		p.byKey[e.key] = entries
	}
	if !e.shared {
		if group, ok := p.groups[e.clientID]; ok {
			delete(group, e)
			if len(group) == 0 {
				delete(p.groups, e.clientID)
			}
		}
	}
}

// MakeKey builds the endpoint key of a channel. Qualifiers distinguish
// channels to the same address that must not be mixed, such as different TLS
// settings.
func MakeKey(scheme, hostport string, qualifiers ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(scheme))
	sb.WriteString("://")
	sb.WriteString(strings.ToLower(hostport))
	for _, q := range qualifiers {
		if q == "" {
			continue
		}
		sb.WriteString("|")
		sb.WriteString(q)
	}
	return sb.String()
}
