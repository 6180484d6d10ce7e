package httpclient

import (
	"io"
	"net"
	"sync/atomic"
)

// Stats is a snapshot of connection-level counters.
type Stats struct {
	Dialed        int64
	DialFailures  int64
	Reused        int64
	Closed        int64
	Flushed       int64
	StreamsOpened int64
	BytesWritten  int64
	BytesRead     int64
	// Pooled is the number of live channels at snapshot time.
	Pooled int
}

type clientStats struct {
	dialed        atomic.Int64
	dialFailures  atomic.Int64
	reused        atomic.Int64
	closed        atomic.Int64
	flushed       atomic.Int64
	streamsOpened atomic.Int64
	bytesWritten  atomic.Int64
	bytesRead     atomic.Int64
}

func (s *clientStats) snapshot() Stats {
	return Stats{
		Dialed:        s.dialed.Load(),
		DialFailures:  s.dialFailures.Load(),
		Reused:        s.reused.Load(),
		Closed:        s.closed.Load(),
		Flushed:       s.flushed.Load(),
		StreamsOpened: s.streamsOpened.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		BytesRead:     s.bytesRead.Load(),
	}
}

// meteredConn counts bytes moved over a connection.
type meteredConn struct {
	net.Conn
	stats *clientStats
}

func (m *meteredConn) Read(p []byte) (int, error) {
	n, err := m.Conn.Read(p)
	m.stats.bytesRead.Add(int64(n))
	return n, err
}

func (m *meteredConn) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	m.stats.bytesWritten.Add(int64(n))
	return n, err
}

// ReadFrom keeps the underlying connection's ReadFrom reachable, so a
// *net.TCPConn can move file bytes with sendfile.
func (m *meteredConn) ReadFrom(r io.Reader) (int64, error) {
	var (
		n   int64
		err error
	)
	if rf, ok := m.Conn.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(r)
	} else {
		n, err = io.Copy(writerOnly{m.Conn}, r)
	}
	m.stats.bytesWritten.Add(n)
	return n, err
}

// writerOnly hides ReadFrom so io.Copy does not recurse.
type writerOnly struct {
	io.Writer
}
