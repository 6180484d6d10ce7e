package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/torosent/crankshaft/internal/body"
)

const (
	defaultH2Window    = 65535
	defaultH2FrameSize = 16384
	maxH2FrameSize     = 1<<24 - 1
	// used until the server's SETTINGS says otherwise
	defaultMaxStreams = 100
)

var errStreamDone = errors.New("stream already finished")

// http2Conn is a multiplexed HTTP/2 channel.
//
// Lock order is wmu before mu. The read loop never holds mu while writing.
type http2Conn struct {
	client *Client
	key    string
	conn   net.Conn
	log    *zap.Logger

	// wmu guards frame writes and the header encoder.
	wmu  sync.Mutex
	bw   *bufio.Writer
	fr   *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder

	mu                sync.Mutex
	streams           map[uint32]*h2Stream
	nextID            uint32
	reserved          uint32
	maxConcurrent     uint32
	initialSendWindow int64
	connSendWindow    int64
	peerMaxFrame      uint32
	recvWindow        int64
	recvWindowMax     int64
	streamWindowMax   int64
	closed            bool
	// goneAway is set once the server sent GOAWAY. Streams it accepted run
	// to completion; no new ones are opened.
	goneAway bool
	cause    error

	readDone chan struct{}
}

type h2Stream struct {
	id         uint32
	ex         *exchange
	cond       *sync.Cond
	sendWindow int64
	recvWindow int64
	gotHeaders bool
	done       bool
	sentOnce   sync.Once
	// guarded by the connection mu
	stop func() bool
}

func (s *h2Stream) markSent() {
	s.sentOnce.Do(s.ex.l.OnRequestSent)
}

// newHTTP2Conn runs the client side of the connection preface and waits for
// the server's first SETTINGS frame before returning.
func newHTTP2Conn(ctx context.Context, c *Client, key string, conn net.Conn) (*http2Conn, error) {
	h := &http2Conn{
		client:            c,
		key:               key,
		conn:              conn,
		log:               c.log.Named("h2"),
		streams:           make(map[uint32]*h2Stream),
		nextID:            1,
		maxConcurrent:     defaultMaxStreams,
		initialSendWindow: defaultH2Window,
		connSendWindow:    defaultH2Window,
		peerMaxFrame:      defaultH2FrameSize,
		recvWindow:        int64(c.cfg.ConnWindowSize),
		recvWindowMax:     int64(c.cfg.ConnWindowSize),
		streamWindowMax:   int64(c.cfg.InitialWindowSize),
		readDone:          make(chan struct{}),
	}
	h.bw = bufio.NewWriterSize(conn, 2*defaultH2FrameSize)
	h.fr = http2.NewFramer(h.bw, bufio.NewReaderSize(conn, 2*defaultH2FrameSize))
	h.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.fr.MaxHeaderListSize = 1 << 20
	h.henc = hpack.NewEncoder(&h.hbuf)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := h.writePreface(); err != nil {
		return nil, err
	}
	if err := h.awaitSettings(); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	go h.readLoop()
	return h, nil
}

func (h *http2Conn) writePreface() error {
	if _, err := io.WriteString(h.bw, http2.ClientPreface); err != nil {
		return err
	}
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: uint32(h.streamWindowMax)},
		{ID: http2.SettingMaxHeaderListSize, Val: h.fr.MaxHeaderListSize},
	}
	if err := h.fr.WriteSettings(settings...); err != nil {
		return err
	}
	if inc := h.recvWindowMax - defaultH2Window; inc > 0 {
		if err := h.fr.WriteWindowUpdate(0, uint32(inc)); err != nil {
			return err
		}
	}
	return h.bw.Flush()
}

// awaitSettings reads until the server's SETTINGS frame, which must come
// first on the connection.
func (h *http2Conn) awaitSettings() error {
	f, err := h.fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read server preface: %w", err)
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		return fmt.Errorf("server preface: expected SETTINGS, got %v", f.Header().Type)
	}
	return h.processSettings(sf)
}

func (h *http2Conn) protocol() Protocol { return ProtocolHTTP2 }

// Reserve claims a stream slot.
func (h *http2Conn) Reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.goneAway || h.reserved >= h.maxConcurrent || h.nextID > math.MaxInt32 {
		return false
	}
	h.reserved++
	return true
}

func (h *http2Conn) unreserve() {
	h.mu.Lock()
	if h.reserved > 0 {
		h.reserved--
	}
	h.mu.Unlock()
}

func (h *http2Conn) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reserved == 0
}

func (h *http2Conn) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *http2Conn) Close() error { return h.shutdown(ErrClientClosed) }

func (h *http2Conn) Flush() error { return h.shutdown(ErrFlushed) }

// shutdown tears the connection down on behalf of the owner. The read loop
// fails the remaining streams once the socket is gone.
func (h *http2Conn) shutdown(cause error) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.cause = cause
	for _, st := range h.streams {
		st.cond.Broadcast()
	}
	h.mu.Unlock()

	h.client.pool.Remove(h)
	h.client.stats.closed.Add(1)
	h.goAway(http2.ErrCodeNo)
	return h.conn.Close()
}

// goAway sends GOAWAY if no other goroutine is writing.
func (h *http2Conn) goAway(code http2.ErrCode) {
	if !h.wmu.TryLock() {
		return
	}
	defer h.wmu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	if err := h.fr.WriteGoAway(0, code, nil); err == nil {
		_ = h.bw.Flush()
	}
}

// fail closes the connection because of err and fails every open stream.
func (h *http2Conn) fail(err error) {
	h.mu.Lock()
	first := !h.closed
	h.closed = true
	cause := h.cause
	streams := make([]*h2Stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()

	if first {
		h.log.Debug("connection failed", zap.String("key", h.key), zap.Error(err))
		h.client.pool.Remove(h)
		h.client.stats.closed.Add(1)
		h.goAway(http2.ErrCodeNo)
	}
	_ = h.conn.Close()
	for _, st := range streams {
		h.finishStream(st, st.ex.failure(cause, err))
	}
}

// run opens a stream for the reserved exchange and sends its body. The
// response is delivered by the read loop.
func (h *http2Conn) run(ex *exchange) {
	st, err := h.openStream(ex)
	if err != nil {
		h.unreserve()
		ex.fail(ex.failure(h.closeCause(), err))
		return
	}

	stop := context.AfterFunc(ex.ctx, func() {
		h.resetStream(st, http2.ErrCodeCancel, st.ex.failure(nil, ex.ctx.Err()))
	})
	h.mu.Lock()
	st.stop = stop
	finished := st.done
	h.mu.Unlock()
	if finished {
		stop()
		return
	}

	if ex.req.Body == nil || ex.req.contentLength() == 0 {
		st.markSent()
		return
	}
	if err := h.sendBody(st); err != nil {
		if errors.Is(err, errStreamDone) {
			return
		}
		h.resetStream(st, http2.ErrCodeCancel, ex.failure(h.closeCause(), err))
		return
	}
	st.markSent()
}

func (h *http2Conn) closeCause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

func (h *http2Conn) openStream(ex *exchange) (*h2Stream, error) {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	h.mu.Lock()
	if h.goneAway && !h.closed {
		h.mu.Unlock()
		return nil, &ProtocolError{Err: errGoneAway}
	}
	if h.closed {
		h.mu.Unlock()
		return nil, &WriteError{Err: net.ErrClosed}
	}
	st := &h2Stream{
		id:         h.nextID,
		ex:         ex,
		cond:       sync.NewCond(&h.mu),
		sendWindow: h.initialSendWindow,
		recvWindow: h.streamWindowMax,
	}
	h.nextID += 2
	h.streams[st.id] = st
	maxFrame := h.peerMaxFrame
	h.mu.Unlock()

	h.client.stats.streamsOpened.Add(1)
	endStream := ex.req.Body == nil || ex.req.contentLength() == 0
	block := h.encodeHeaders(ex.req)
	if err := h.writeHeaderBlock(st.id, block, endStream, maxFrame); err != nil {
		h.mu.Lock()
		delete(h.streams, st.id)
		h.mu.Unlock()
		go h.fail(err)
		return nil, &WriteError{Err: err}
	}
	h.log.Debug("stream opened", zap.Uint32("stream", st.id), zap.String("request", ex.req.ID))
	return st, nil
}

func (h *http2Conn) writeHeaderBlock(id uint32, block []byte, endStream bool, maxFrame uint32) error {
	first := true
	for first || len(block) > 0 {
		chunk := block
		if uint32(len(chunk)) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = h.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = h.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return h.bw.Flush()
}

// encodeHeaders must be called with wmu held.
func (h *http2Conn) encodeHeaders(req *Request) []byte {
	h.hbuf.Reset()
	write := func(name, value string) {
		_ = h.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	write(":method", req.Method)
	write(":scheme", req.URL.Scheme)
	write(":authority", req.authority())
	write(":path", req.requestURI())

	hasUA := false
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		switch lower {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "content-length":
			continue
		case "user-agent":
			hasUA = true
		}
		for _, v := range values {
			write(lower, v)
		}
	}
	if !hasUA {
		write("user-agent", userAgent)
	}
	if req.Body != nil {
		if ct := req.Body.ContentType(); ct != "" && req.Header.Get("Content-Type") == "" {
			write("content-type", ct)
		}
		if n := req.Body.ContentLength(); n >= 0 {
			write("content-length", strconv.FormatInt(n, 10))
		}
	} else if methodExpectsBody(req.Method) {
		write("content-length", "0")
	}
	out := make([]byte, h.hbuf.Len())
	copy(out, h.hbuf.Bytes())
	return out
}

// sendBody streams the request body within the flow-control windows.
func (h *http2Conn) sendBody(st *h2Stream) error {
	ex := st.ex
	length := ex.req.contentLength()
	buf := make([]byte, h.client.cfg.ChunkSize)
	var sent int64

	for {
		h.mu.Lock()
		for !st.done && !h.closed && (st.sendWindow <= 0 || h.connSendWindow <= 0) {
			st.cond.Wait()
		}
		if st.done {
			h.mu.Unlock()
			return errStreamDone
		}
		if h.closed {
			h.mu.Unlock()
			return &WriteError{Err: net.ErrClosed}
		}
		allowed := min(st.sendWindow, h.connSendWindow, int64(h.peerMaxFrame), int64(len(buf)))
		if length >= 0 {
			allowed = min(allowed, length-sent)
		}
		st.sendWindow -= allowed
		h.connSendWindow -= allowed
		h.mu.Unlock()

		n, err := ex.fill(buf[:allowed])
		if unused := allowed - int64(n); unused > 0 {
			h.giveBack(st, unused)
		}
		sent += int64(n)

		end := errors.Is(err, io.EOF)
		switch {
		case errors.Is(err, body.ErrProducerClosed):
			return errStreamDone
		case err != nil && !end:
			return &ResourceError{Err: err}
		case end && length >= 0 && sent < length:
			return &ResourceError{Err: errShortBody}
		case length >= 0 && sent == length:
			end = true
		}

		if n > 0 || end {
			if err := h.writeData(st, buf[:n], end); err != nil {
				return err
			}
		}
		if end {
			return nil
		}
		if n == 0 {
			if err := ex.waitForBody(); err != nil {
				return err
			}
		} else {
			ex.yieldIfSlow()
		}
	}
}

func (h *http2Conn) giveBack(st *h2Stream, n int64) {
	h.mu.Lock()
	st.sendWindow += n
	h.connSendWindow += n
	for _, other := range h.streams {
		other.cond.Broadcast()
	}
	h.mu.Unlock()
}

func (h *http2Conn) writeData(st *h2Stream, data []byte, end bool) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	h.mu.Lock()
	done, closed := st.done, h.closed
	h.mu.Unlock()
	if done {
		return errStreamDone
	}
	if closed {
		return &WriteError{Err: net.ErrClosed}
	}
	if err := h.fr.WriteData(st.id, end, data); err != nil {
		go h.fail(err)
		return &WriteError{Err: err}
	}
	if err := h.bw.Flush(); err != nil {
		go h.fail(err)
		return &WriteError{Err: err}
	}
	return nil
}

// finishStream ends st exactly once: err nil means the response completed.
func (h *http2Conn) finishStream(st *h2Stream, err error) bool {
	h.mu.Lock()
	if st.done {
		h.mu.Unlock()
		return false
	}
	st.done = true
	delete(h.streams, st.id)
	if h.reserved > 0 {
		h.reserved--
	}
	stop := st.stop
	st.cond.Broadcast()
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.closeIfDrained()
	if err != nil {
		h.log.Debug("stream failed", zap.Uint32("stream", st.id), zap.Error(err))
		st.ex.fail(err)
	} else {
		st.ex.succeed()
	}
	return true
}

// resetStream fails st with err and tells the server with RST_STREAM.
func (h *http2Conn) resetStream(st *h2Stream, code http2.ErrCode, err error) {
	if !h.finishStream(st, err) {
		return
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.Closed() {
		return
	}
	if werr := h.fr.WriteRSTStream(st.id, code); werr == nil {
		_ = h.bw.Flush()
	}
}

func (h *http2Conn) readLoop() {
	defer close(h.readDone)
	for {
		f, err := h.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if st := h.stream(se.StreamID); st != nil {
					h.resetStream(st, se.Code, &ProtocolError{Err: err})
				}
				continue
			}
			h.fail(&ProtocolError{Err: fmt.Errorf("connection lost: %w", err)})
			return
		}
		if err := h.processFrame(f); err != nil {
			h.fail(err)
			return
		}
	}
}

func (h *http2Conn) stream(id uint32) *h2Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[id]
}

func (h *http2Conn) processFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		return h.processSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			h.wmu.Lock()
			if err := h.fr.WritePing(true, f.Data); err == nil {
				_ = h.bw.Flush()
			}
			h.wmu.Unlock()
		}
		return nil
	case *http2.GoAwayFrame:
		h.processGoAway(f)
		return nil
	case *http2.WindowUpdateFrame:
		return h.processWindowUpdate(f)
	case *http2.MetaHeadersFrame:
		h.processHeaders(f)
		return nil
	case *http2.DataFrame:
		return h.processData(f)
	case *http2.RSTStreamFrame:
		if st := h.stream(f.StreamID); st != nil {
			h.finishStream(st, &ProtocolError{Err: fmt.Errorf("stream reset by server (%v)", f.ErrCode)})
		}
		return nil
	case *http2.PushPromiseFrame:
		return &ProtocolError{Err: errors.New("server pushed despite SETTINGS_ENABLE_PUSH=0")}
	default:
		return nil
	}
}

// processGoAway stops the connection from taking new streams. Streams above
// the server's last stream id were never processed and fail; the others run
// to completion before the connection closes.
func (h *http2Conn) processGoAway(f *http2.GoAwayFrame) {
	h.mu.Lock()
	first := !h.goneAway
	h.goneAway = true
	var refused []*h2Stream
	for id, st := range h.streams {
		if id > f.LastStreamID {
			refused = append(refused, st)
		}
	}
	h.mu.Unlock()

	if first {
		h.log.Debug("server sent GOAWAY", zap.String("key", h.key),
			zap.Stringer("code", f.ErrCode), zap.Uint32("last_stream", f.LastStreamID))
	}
	err := &ProtocolError{Err: fmt.Errorf("server sent GOAWAY (%v, last stream %d)", f.ErrCode, f.LastStreamID)}
	for _, st := range refused {
		h.finishStream(st, st.ex.failure(h.closeCause(), err))
	}
	h.closeIfDrained()
}

// closeIfDrained closes a connection that received GOAWAY once its last
// stream is done. The connection stays pooled until then so Flush and Close
// still reach the streams it carries.
func (h *http2Conn) closeIfDrained() {
	h.mu.Lock()
	if !h.goneAway || h.closed || len(h.streams) > 0 {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.client.pool.Remove(h)
	h.client.stats.closed.Add(1)
	_ = h.conn.Close()
}

func (h *http2Conn) processSettings(f *http2.SettingsFrame) error {
	var tableSize uint32
	hasTableSize := false

	h.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			h.maxConcurrent = s.Val
		case http2.SettingInitialWindowSize:
			if s.Val > math.MaxInt32 {
				return &ProtocolError{Err: errors.New("initial window size too large")}
			}
			delta := int64(s.Val) - h.initialSendWindow
			h.initialSendWindow = int64(s.Val)
			for _, st := range h.streams {
				st.sendWindow += delta
				st.cond.Broadcast()
			}
		case http2.SettingMaxFrameSize:
			if s.Val < defaultH2FrameSize || s.Val > maxH2FrameSize {
				return &ProtocolError{Err: fmt.Errorf("invalid max frame size %d", s.Val)}
			}
			h.peerMaxFrame = s.Val
		case http2.SettingHeaderTableSize:
			tableSize, hasTableSize = s.Val, true
		}
		return nil
	})
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	if hasTableSize {
		h.henc.SetMaxDynamicTableSizeLimit(tableSize)
	}
	if err := h.fr.WriteSettingsAck(); err != nil {
		return &ProtocolError{Err: fmt.Errorf("write SETTINGS ack: %w", err)}
	}
	return h.bw.Flush()
}

func (h *http2Conn) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if h.connSendWindow+inc > math.MaxInt32 {
			return &ProtocolError{Err: errors.New("connection send window overflow")}
		}
		h.connSendWindow += inc
		for _, st := range h.streams {
			st.cond.Broadcast()
		}
		return nil
	}
	if st, ok := h.streams[f.StreamID]; ok {
		st.sendWindow += inc
		st.cond.Broadcast()
	}
	return nil
}

func (h *http2Conn) processHeaders(f *http2.MetaHeadersFrame) {
	st := h.stream(f.StreamID)
	if st == nil {
		return
	}
	if st.gotHeaders {
		// trailers
		if f.StreamEnded() {
			st.ex.l.OnContentChunk(nil, true)
			h.finishStream(st, nil)
		}
		return
	}
	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		h.resetStream(st, http2.ErrCodeProtocol, &ProtocolError{Err: fmt.Errorf("malformed :status %q", f.PseudoValue("status"))})
		return
	}
	if status < 200 && !f.StreamEnded() {
		return
	}
	st.gotHeaders = true
	header := make(http.Header, len(f.RegularFields()))
	for _, hf := range f.RegularFields() {
		header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	st.markSent()
	st.ex.l.OnHeaders(status, header)
	if f.StreamEnded() {
		st.ex.l.OnContentChunk(nil, true)
		h.finishStream(st, nil)
	}
}

func (h *http2Conn) processData(f *http2.DataFrame) error {
	size := int64(f.Header().Length)

	h.mu.Lock()
	if size > h.recvWindow {
		h.mu.Unlock()
		return &ProtocolError{Err: errors.New("peer exceeded connection receive window")}
	}
	h.recvWindow -= size
	var connInc uint32
	if h.recvWindow <= h.recvWindowMax/2 {
		connInc = uint32(h.recvWindowMax - h.recvWindow)
		h.recvWindow = h.recvWindowMax
	}
	st := h.streams[f.StreamID]
	var streamInc uint32
	if st != nil && !f.StreamEnded() {
		st.recvWindow -= size
		if st.recvWindow <= h.streamWindowMax/2 {
			streamInc = uint32(h.streamWindowMax - st.recvWindow)
			st.recvWindow = h.streamWindowMax
		}
	}
	h.mu.Unlock()

	if connInc > 0 || streamInc > 0 {
		h.wmu.Lock()
		if connInc > 0 {
			_ = h.fr.WriteWindowUpdate(0, connInc)
		}
		if streamInc > 0 {
			_ = h.fr.WriteWindowUpdate(f.StreamID, streamInc)
		}
		_ = h.bw.Flush()
		h.wmu.Unlock()
	}

	if st == nil {
		return nil
	}
	if !st.gotHeaders {
		h.resetStream(st, http2.ErrCodeProtocol, &ProtocolError{Err: errors.New("DATA before response headers")})
		return nil
	}
	ended := f.StreamEnded()
	if data := f.Data(); len(data) > 0 || ended {
		st.ex.l.OnContentChunk(data, ended)
	}
	if ended {
		h.finishStream(st, nil)
	}
	return nil
}
