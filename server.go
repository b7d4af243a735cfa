package fcserve

// This module implements the network front end: one listening socket that
// accepts both Open Pixel Control streams and plain HTTP requests.  Every
// connection starts in a detection state, sniffing its first bytes to decide
// which protocol is being spoken, then replays whatever was buffered into
// the chosen handler.  The HTTP side exists so a browser pointed at the OPC
// port gets an explanation rather than silence, it is not a general web
// server.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-stack/stack"
	"github.com/karlmutch/errors"
	logxi "github.com/mgutz/logxi/v1"
)

type connState int

const (
	stateProtocolDetect connState = iota
	stateOPC
	stateHTTP
)

// detection needs at least one HTTP method token's worth of bytes, which is
// also exactly one OPC header
const detectBytes = opcHeaderSize

// httpMethods are the request line tokens that classify a stream as HTTP.
// An OPC header could in principle spell one of these, the ambiguity is
// inherited from the wire protocol.
var httpMethods = []string{"GET ", "POST", "PUT ", "HEAD", "DELE", "OPTI", "PATC"}

func looksLikeHTTP(b []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(b, []byte(m)) {
			return true
		}
	}
	return false
}

// httpDocument is one entry of the in memory table served over HTTP.  Paths
// are matched exactly, anything else is a 404.
type httpDocument struct {
	path        string
	contentType string
	body        string
}

var httpDocuments = []httpDocument{
	{
		path:        "/",
		contentType: "text/html",
		body: `<!DOCTYPE html>
<html><head><title>fcserve</title></head><body>
<h1>fcserve</h1>
<p>This is an Open Pixel Control server for Fadecandy LED controllers.
Point an OPC client at this host and port to stream pixels.</p>
</body></html>
`,
	},
}

func lookupDocument(path string) *httpDocument {
	for i := range httpDocuments {
		if httpDocuments[i].path == path {
			return &httpDocuments[i]
		}
	}
	return nil
}

// protoConn is the per connection protocol detection and OPC reassembly
// state machine.  It is kept independent of the socket so fragmentation
// behavior can be exercised directly in tests.
type protoConn struct {
	state     connState
	detectBuf []byte
	asm       messageAssembler
	dispatch  func(Message)
}

// feed advances the state machine with freshly read bytes.  The returned
// state tells the caller whether to keep pumping OPC bytes or to hand the
// connection, together with everything buffered so far, to the HTTP
// responder.
func (c *protoConn) feed(p []byte) (state connState, buffered []byte) {
	switch c.state {

	case stateProtocolDetect:
		c.detectBuf = append(c.detectBuf, p...)
		if len(c.detectBuf) < detectBytes {
			return c.state, nil
		}
		if looksLikeHTTP(c.detectBuf) {
			c.state = stateHTTP
			buffered = c.detectBuf
			c.detectBuf = nil
			return c.state, buffered
		}
		// Binary framing, replay the sniffed bytes into the assembler
		c.state = stateOPC
		replay := c.detectBuf
		c.detectBuf = nil
		c.asm.feed(replay, c.dispatch)

	case stateOPC:
		c.asm.feed(p, c.dispatch)
	}

	return c.state, nil
}

// NetServer accepts OPC and HTTP traffic on a single port, feeding decoded
// OPC messages to one dispatch callback shared across all devices
type NetServer struct {
	dispatch func(Message)
	log      logxi.Logger
}

func NewNetServer(dispatch func(Message)) *NetServer {
	return &NetServer{
		dispatch: dispatch,
		log:      logxi.New("netserver"),
	}
}

// ListenAndServe binds addr and serves until the listener fails or quitC
// closes
func (s *NetServer) ListenAndServe(addr string, quitC <-chan struct{}) (err errors.Error) {
	ln, errGo := net.Listen("tcp", addr)
	if errGo != nil {
		return errors.Wrap(errGo).With("addr", addr).With("stack", stack.Trace().TrimRuntime())
	}
	go func() {
		<-quitC
		ln.Close()
	}()

	s.log.Info("listening", "addr", addr)
	return s.Serve(ln, quitC)
}

func (s *NetServer) Serve(ln net.Listener, quitC <-chan struct{}) (err errors.Error) {
	for {
		conn, errGo := ln.Accept()
		if errGo != nil {
			select {
			case <-quitC:
				return nil
			default:
			}
			return errors.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		go s.handleConn(conn)
	}
}

func (s *NetServer) handleConn(conn net.Conn) {
	defer conn.Close()

	c := &protoConn{dispatch: s.dispatch}
	buf := make([]byte, 4096)

	for {
		n, errGo := conn.Read(buf)
		if n > 0 {
			state, buffered := c.feed(buf[:n])
			if state == stateHTTP {
				s.serveHTTP(conn, buffered)
				return
			}
		}
		if errGo != nil {
			if errGo != io.EOF && s.log.IsDebug() {
				s.log.Debug("connection closed", "error", errGo.Error())
			}
			return
		}
	}
}

// serveHTTP answers a single request from the fixed document table and
// closes.  The request is re-read through the bytes already consumed during
// protocol detection.
func (s *NetServer) serveHTTP(conn net.Conn, buffered []byte) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	br := bufio.NewReader(io.MultiReader(bytes.NewReader(buffered), conn))
	req, errGo := http.ReadRequest(br)
	if errGo != nil {
		s.log.Debug("unreadable http request", "error", errGo.Error())
		return
	}

	doc := lookupDocument(req.URL.Path)
	if doc == nil {
		const body = "404 Not Found"
		fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", doc.contentType, len(doc.body), doc.body)
}
