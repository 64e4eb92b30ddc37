package mesh

import (
	"bufio"
	"io"
	"net"

	"replmesh/internal/metrics"
)

// countReader/countWriter sit between the buffered stream and the socket so
// the per-peer byte counters see exactly what crosses the wire.

type countReader struct {
	r io.Reader
	p *Peer
}

func (c *countReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.p.bytesIn.Add(uint64(n))
		metrics.BytesIn.WithLabelValues(c.p.mesh.service, c.p.host).Add(float64(n))
	}
	return n, err
}

type countWriter struct {
	w io.Writer
	p *Peer
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if n > 0 {
		c.p.bytesOut.Add(uint64(n))
		metrics.BytesOut.WithLabelValues(c.p.mesh.service, c.p.host).Add(float64(n))
	}
	return n, err
}

// newPeerRW wraps the (possibly TLS-wrapped) connection in the buffered
// stream the worker pair shares: reader side for the reader goroutine,
// writer side for the writer goroutine.
func newPeerRW(p *Peer, conn net.Conn, bufsz int) *bufio.ReadWriter {
	if bufsz <= 0 {
		bufsz = defaultBufSize
	}
	return bufio.NewReadWriter(
		bufio.NewReaderSize(&countReader{r: conn, p: p}, bufsz),
		bufio.NewWriterSize(&countWriter{w: conn, p: p}, bufsz),
	)
}
