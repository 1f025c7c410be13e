package gateway

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

// zlibSuffix is the 4-byte marker Discord appends to every flushed
// zlib-stream payload. A binary frame not ending in it is not a complete
// flush point; feedFrame reports it with ok=false and does not feed it to
// the inflater.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// frameFeed is a blocking io.Reader fed one websocket frame at a time. It
// exists because compress/zlib only exposes a pull-style Reader, while the
// gateway hands us compressed bytes in a push style (one frame at a time,
// off the websocket read loop): push buffers the frame, Read blocks until
// there is something to hand the zlib reader rather than returning io.EOF,
// since the underlying deflate stream is never actually finished between
// flush points (Z_SYNC_FLUSH does not set BFINAL) and a real EOF there
// would be misread as a truncated stream.
type frameFeed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newFrameFeed() *frameFeed {
	f := &frameFeed{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *frameFeed) push(p []byte) {
	f.mu.Lock()
	f.buf.Write(p)
	f.cond.Signal()
	f.mu.Unlock()
}

func (f *frameFeed) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.buf.Len() == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.buf.Len() == 0 {
		return 0, io.EOF
	}
	return f.buf.Read(p)
}

func (f *frameFeed) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// inflatePipeline is the persistent decompression state for one connection
// epoch: one zlib stream spans every frame received until the next resume
// or fresh reconnect, at which point it is discarded and rebuilt.
type inflatePipeline struct {
	feed *frameFeed
	zr   io.ReadCloser
	dec  *json.Decoder
}

// feedFrame pushes a binary frame's bytes through the persistent inflater
// and decodes exactly the one JSON value it flushes. ok is false when the
// frame does not end in the flush marker: such a frame is dropped without
// touching the inflater, and raw is nil.
func (p *inflatePipeline) feedFrame(frame []byte) (raw json.RawMessage, ok bool, err error) {
	if len(frame) < 4 || !bytes.Equal(frame[len(frame)-4:], zlibSuffix) {
		return nil, false, nil
	}

	p.feed.push(frame)
	if p.zr == nil {
		zr, err := zlib.NewReader(p.feed)
		if err != nil {
			return nil, true, fmt.Errorf("zlib header: %w", err)
		}
		p.zr = zr
		p.dec = json.NewDecoder(zr)
	}

	if err := p.dec.Decode(&raw); err != nil {
		return nil, true, fmt.Errorf("inflate/decode: %w", err)
	}
	return raw, true, nil
}

func newInflatePipeline() *inflatePipeline {
	return &inflatePipeline{feed: newFrameFeed()}
}

func (p *inflatePipeline) close() {
	if p.zr != nil {
		p.zr.Close()
	}
	p.feed.close()
}
