// Package upstream owns the TCP session to a single pool: the
// configure/subscribe/authorize handshake, the extranonce parameters the
// pool hands back, and the buffer of messages seen between authorize and the
// first post-authorize job — left for the miner session to replay. It is
// grounded on this repo's scanner-based line reading
// (internal/stratum/server.go) and its exponential-backoff RPC idiom
// (cmd/stratum/main.go's litecoinRPCWithRetry), adapted from HTTP retry to a
// single best-effort TCP dial: the spec explicitly forbids retrying a failed
// upstream connect from inside the session.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/taohash/mining-proxy/internal/protocol"
)

// Sentinel error kinds the spec names explicitly.
type errKind string

func (e errKind) Error() string { return string(e) }

const (
	ErrConnect          errKind = "upstream connect failed"
	ErrHandshakeTimeout errKind = "upstream handshake timeout"
	ErrAuthRejected     errKind = "upstream rejected authorize"
)

const (
	configureTimeout     = 2 * time.Second
	authorizeTimeout     = 30 * time.Second
	maxPreAuthMessages   = 10
	userAgent            = "taohash-proxy/1.0"
)

// Session is a single proxy-to-pool connection, authorized under the pool
// account, carrying the extranonce parameters and handshake artifacts the
// miner session needs to replay to its own client.
type Session struct {
	conn   net.Conn
	reader *protocol.LineReader
	nextID uint64

	SubscriptionIDs []interface{}
	Extranonce1     string
	Extranonce2Size int

	// ConfigureResult is the cached `result` object from the pool's
	// mining.configure response, or nil if the pool did not answer within
	// the timeout (a "legacy" upstream, per spec §4.1).
	ConfigureResult interface{}
	ConfigureReplied bool

	authorizeReqID json.RawMessage

	// PreAuthMessages holds every line read from the pool between sending
	// authorize and the handshake completing, verbatim, in order — including
	// the authorize response itself. The miner session drains this to
	// extract the first set_difficulty/notify for the initial job.
	PreAuthMessages []string
}

// Dial opens a TCP connection to addr, performs the full handshake described
// in spec §4.1, and returns a ready Session. configureParams is nil when the
// miner itself never sent a configure (no version-rolling negotiation is
// attempted upstream in that case).
func Dial(ctx context.Context, addr, user, pass string, configureParams []interface{}) (*Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	s := &Session{
		conn:   conn,
		reader: protocol.NewLineReader(conn),
	}

	if configureParams != nil {
		if err := s.doConfigure(configureParams); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := s.doSubscribe(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.doAuthorize(user, pass); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) nextRequestID() int {
	return int(atomic.AddUint64(&s.nextID, 1))
}

func (s *Session) writeLine(line string) error {
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}

// readLineWithin reads the next line, failing if none arrives before
// deadline. Unlike bufio.Scanner, a timeout here does not poison s.reader:
// the caller may set a new deadline and call readLineWithin again to keep
// waiting on the same stream.
func (s *Session) readLineWithin(deadline time.Time) (string, bool) {
	s.conn.SetReadDeadline(deadline)
	line, err := s.reader.ReadLine()
	if err != nil {
		return "", false
	}
	return line, true
}

// doConfigure sends mining.configure and waits up to 2s for a response whose
// id matches. Timing out is not an error: it caches "absent" so the proxy
// can fall back to a local synthesized response for legacy upstreams.
func (s *Session) doConfigure(params []interface{}) error {
	id := s.nextRequestID()
	req := protocol.NewRequest(id, "mining.configure", params)
	line, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: encode configure: %v", ErrConnect, err)
	}
	if err := s.writeLine(line); err != nil {
		return fmt.Errorf("%w: write configure: %v", ErrConnect, err)
	}

	deadline := time.Now().Add(configureTimeout)
	for time.Now().Before(deadline) {
		raw, ok := s.readLineWithin(deadline)
		if !ok {
			break
		}
		resp, err := protocol.ParseResponse(raw)
		if err != nil || len(resp.ID) == 0 {
			continue
		}
		if string(resp.ID) == fmt.Sprintf("%d", id) {
			s.ConfigureResult = resp.Result
			s.ConfigureReplied = true
			return nil
		}
	}
	// Timed out: leave ConfigureReplied false ("absent").
	return nil
}

// doSubscribe sends mining.subscribe and parses the required
// (subscription_ids, extranonce1, extranonce2_size) triple.
func (s *Session) doSubscribe() error {
	id := s.nextRequestID()
	req := protocol.NewRequest(id, "mining.subscribe", []interface{}{userAgent, nil})
	line, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: encode subscribe: %v", ErrHandshakeTimeout, err)
	}
	if err := s.writeLine(line); err != nil {
		return fmt.Errorf("%w: write subscribe: %v", ErrHandshakeTimeout, err)
	}

	raw, ok := s.readLineWithin(time.Now().Add(authorizeTimeout))
	if !ok {
		return fmt.Errorf("%w: no subscribe response", ErrHandshakeTimeout)
	}
	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		return fmt.Errorf("%w: bad subscribe response: %v", ErrHandshakeTimeout, err)
	}

	result, ok := resp.Result.([]interface{})
	if !ok || len(result) != 3 {
		return fmt.Errorf("%w: malformed subscribe result", ErrHandshakeTimeout)
	}
	subIDs, ok := result[0].([]interface{})
	if !ok {
		return fmt.Errorf("%w: malformed subscription ids", ErrHandshakeTimeout)
	}
	extranonce1, ok := result[1].(string)
	if !ok {
		return fmt.Errorf("%w: missing extranonce1", ErrHandshakeTimeout)
	}
	extranonce2Size, ok := asInt(result[2])
	if !ok {
		return fmt.Errorf("%w: missing extranonce2_size", ErrHandshakeTimeout)
	}

	s.SubscriptionIDs = subIDs
	s.Extranonce1 = extranonce1
	s.Extranonce2Size = extranonce2Size
	return nil
}

// doAuthorize sends mining.authorize, then reads lines until the authorize
// response and the first mining.notify after it have arrived, or the cap of
// 10 messages / 30s is hit, or the pool stops sending.
func (s *Session) doAuthorize(user, pass string) error {
	id := s.nextRequestID()
	s.authorizeReqID = protocol.RawID(id)

	req := protocol.NewRequest(id, "mining.authorize", []interface{}{user, pass})
	line, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: encode authorize: %v", ErrHandshakeTimeout, err)
	}
	if err := s.writeLine(line); err != nil {
		return fmt.Errorf("%w: write authorize: %v", ErrHandshakeTimeout, err)
	}

	deadline := time.Now().Add(authorizeTimeout)
	authorizeSeen := false
	postAuthSeen := false

	for len(s.PreAuthMessages) < maxPreAuthMessages && time.Now().Before(deadline) {
		raw, ok := s.readLineWithin(deadline)
		if !ok {
			break
		}
		s.PreAuthMessages = append(s.PreAuthMessages, raw)

		if authorizeSeen {
			postAuthSeen = true
			if req, err := protocol.ParseRequest(raw); err == nil && req.Method == "mining.notify" {
				break
			}
			continue
		}

		resp, err := protocol.ParseResponse(raw)
		if err == nil && len(resp.ID) > 0 && string(resp.ID) == string(s.authorizeReqID) {
			authorizeSeen = true
			if resp.Error != nil {
				return fmt.Errorf("%w: %v", ErrAuthRejected, resp.Error)
			}
		}

		if authorizeSeen && postAuthSeen {
			break
		}
	}

	if !authorizeSeen {
		return fmt.Errorf("%w: no authorize response", ErrHandshakeTimeout)
	}
	return nil
}

// AuthorizeRequestID returns the raw id the session used for its own
// mining.authorize call, so callers can recognize (and discard) that
// response among PreAuthMessages.
func (s *Session) AuthorizeRequestID() json.RawMessage {
	return s.authorizeReqID
}

// WriteLine writes a raw Stratum line to the pool, used by the miner session
// once ordinary message routing begins.
func (s *Session) WriteLine(line string) error {
	return s.writeLine(line)
}

// NextRequestID reserves the next request id this session should use when
// originating a new request to the pool (e.g. a forwarded submit).
func (s *Session) NextRequestID() int {
	return s.nextRequestID()
}

// ReadLine blocks for the next line from the pool with no deadline beyond
// ctx's own cancellation, used once the handshake is complete and ordinary
// message-loop reading begins.
func (s *Session) ReadLine(ctx context.Context) (string, error) {
	done := make(chan struct{})
	var line string
	var readErr error
	go func() {
		s.conn.SetReadDeadline(time.Time{})
		line, readErr = s.reader.ReadLine()
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.conn.SetReadDeadline(time.Now())
		<-done
		return "", ctx.Err()
	case <-done:
		if readErr != nil {
			return "", fmt.Errorf("upstream connection closed: %w", readErr)
		}
		return line, nil
	}
}

// SetExtranonce updates the cached extranonce1/extranonce2_size following a
// mining.set_extranonce notification from the pool.
func (s *Session) SetExtranonce(extranonce1 string, extranonce2Size int) {
	s.Extranonce1 = extranonce1
	s.Extranonce2Size = extranonce2Size
}

// Close tears down the upstream TCP connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
