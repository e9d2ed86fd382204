// Package minersession implements the bidirectional Stratum translator: one
// goroutine pair per connected miner, early-burst collection of messages
// sent before the upstream is ready, post-handshake replay of the pool's
// buffered initial difficulty/job, and the message routing tables from
// spec §4.2. It is grounded on this repo's own dual-goroutine-per-connection
// pattern (internal/stratum/server.go's handleConnection/handleClientSend)
// and its handleMessage dispatch (cmd/stratum/main.go's handleV1Connection).
package minersession

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/proxystate"
	"github.com/taohash/mining-proxy/internal/protocol"
	"github.com/taohash/mining-proxy/internal/sharelog"
	"github.com/taohash/mining-proxy/internal/stats"
	"github.com/taohash/mining-proxy/internal/upstream"
)

const (
	earlyBurstWindow = time.Second
	sendChanDepth    = 256
)

// Metrics is the narrow slice of counters a session reports to, satisfied by
// internal/monitoring's Prometheus registration. Kept as a small interface so
// tests can supply a no-op implementation.
type Metrics interface {
	ShareAccepted(pool string)
	ShareRejected(pool string)
	SessionDisconnected(pool string)
	UpstreamHandshakeFailed(pool string)
}

type pendingSubmit struct {
	minerID    json.RawMessage
	difficulty float64
}

// Session is one miner's connection: it owns the miner socket, the upstream
// session dialed under the pool account, and the state machine and stats
// entry for this connection.
type Session struct {
	id         string
	conn       net.Conn
	remoteAddr string
	poolLabel  string
	poolCfg    proxyconfig.PoolConfig

	registry *stats.Registry
	shareLog *sharelog.Log
	metrics  Metrics
	log      *zap.SugaredLogger

	machine *proxystate.Machine
	entry   *stats.Entry

	minerSend chan string
	reader    *protocol.LineReader

	upstream *upstream.Session

	mu             sync.Mutex
	workerName     string
	hasMinDiff     bool
	minDifficulty  float64
	poolDifficulty float64
	pending        map[string]pendingSubmit

	pendingConfigure *protocol.Request
	generalQueue     []*protocol.Request
	deferredSuggest  []*protocol.Request

	initialPoolDifficulty float64
	haveInitialDifficulty bool
	initialJobLine        string
}

// New creates a session for an accepted miner socket, bound to the given
// pool descriptor.
func New(conn net.Conn, poolLabel string, poolCfg proxyconfig.PoolConfig, registry *stats.Registry, shareLog *sharelog.Log, metrics Metrics, log *zap.SugaredLogger) *Session {
	reader := protocol.NewLineReader(conn)

	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		poolLabel:  poolLabel,
		poolCfg:    poolCfg,
		registry:   registry,
		shareLog:   shareLog,
		metrics:    metrics,
		log:        log.With("session_id", id, "remote", conn.RemoteAddr().String()),
		machine:    proxystate.New(),
		entry:      stats.NewEntry(poolLabel, poolCfg.Addr()),
		minerSend:  make(chan string, sendChanDepth),
		reader:     reader,
		pending:    make(map[string]pendingSubmit),
	}
}

// Run drives the full session lifecycle: registration, early-burst
// collection, upstream handshake, post-handshake replay, and the ongoing
// bidirectional message loop. It blocks until the session ends.
func (s *Session) Run(ctx context.Context) {
	key := s.remoteAddr
	s.registry.Register(key, s.entry)
	defer s.registry.Unregister(key)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A reload's TerminateAll cancels sessCtx to abort this session; the
	// miner socket read is otherwise a plain blocking Scan() with no ctx
	// awareness, so closing it here is what makes that cancellation actually
	// bound the teardown delay instead of waiting out the read deadline.
	go func() {
		<-sessCtx.Done()
		s.conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go s.runMinerWriter(sessCtx, &wg)

	s.collectEarlyBurst()

	configureParams := s.configureParamsForUpstream()
	up, err := upstream.Dial(sessCtx, s.poolCfg.Addr(), s.poolCfg.User, s.poolCfg.Pass, configureParams)
	if err != nil {
		s.log.Warnw("upstream handshake failed", "pool", s.poolLabel, "remote", s.remoteAddr, "err", err)
		if s.metrics != nil {
			s.metrics.UpstreamHandshakeFailed(s.poolLabel)
		}
		s.machineTransition(proxystate.Error)
		s.teardown(cancel, &wg)
		return
	}
	s.upstream = up
	defer up.Close()

	s.replayPostHandshake()

	wg.Add(1)
	go s.runPoolReader(sessCtx, &wg)

	s.runMinerReader(sessCtx)

	s.teardown(cancel, &wg)
}

func (s *Session) teardown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	s.machineTransition(proxystate.Disconnecting)
	cancel()
	s.conn.Close()
	if s.upstream != nil {
		s.upstream.Close()
	}
	wg.Wait()
	s.machineTransition(proxystate.Disconnected)
	if s.metrics != nil {
		s.metrics.SessionDisconnected(s.poolLabel)
	}
}

// runMinerWriter is the single writer to the miner socket, so outbound bytes
// to the miner are totally ordered regardless of which internal goroutine
// originated them.
func (s *Session) runMinerWriter(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.minerSend:
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}
}

func (s *Session) sendRawToMiner(line string) {
	select {
	case s.minerSend <- line:
	default:
		s.log.Warnw("miner send buffer full, dropping line", "remote", s.remoteAddr)
	}
}

func (s *Session) sendToMiner(v interface{ ToJSON() (string, error) }) {
	line, err := v.ToJSON()
	if err != nil {
		s.log.Warnw("encode outbound miner message failed", "remote", s.remoteAddr, "err", err)
		return
	}
	s.sendRawToMiner(line)
}

// collectEarlyBurst drains whatever the miner has already sent within
// earlyBurstWindow, before the upstream session exists. A mining.configure is
// remembered for the post-handshake reply; suggest_difficulty/suggest_target
// are answered immediately and queued for a deferred forward; everything
// else is queued for replay once the upstream is ready.
func (s *Session) collectEarlyBurst() {
	deadline := time.Now().Add(earlyBurstWindow)
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(deadline)
		line, err := s.reader.ReadLine()
		if err != nil {
			// Either the burst window elapsed (a timeout, the expected and
			// common case) or the miner disconnected already; either way
			// there is nothing more to drain right now. Unlike a
			// bufio.Scanner, s.reader itself is still perfectly readable
			// afterwards for runMinerReader.
			return
		}
		if line == "" {
			continue
		}
		req, err := protocol.ParseRequest(line)
		if err != nil {
			s.log.Warnw("malformed message during early burst", "remote", s.remoteAddr, "err", err)
			continue
		}
		s.classifyEarlyMessage(req)
	}
}

func (s *Session) classifyEarlyMessage(req *protocol.Request) {
	switch req.Method {
	case "mining.configure":
		s.pendingConfigure = req
	case "mining.suggest_difficulty", "mining.suggest_target":
		s.sendToMiner(protocol.NewResult(req.ID, true))
		s.deferredSuggest = append(s.deferredSuggest, req)
	default:
		s.generalQueue = append(s.generalQueue, req)
	}
}

// configureParamsForUpstream returns the params to use when dialing the
// pool's mining.configure, if the miner sent one during the early burst.
func (s *Session) configureParamsForUpstream() []interface{} {
	if s.pendingConfigure == nil {
		return nil
	}
	return s.pendingConfigure.Params
}

// replayPostHandshake performs §4.2's post-handshake steps: answering any
// pending configure, draining the upstream's buffered pre-auth messages to
// capture the initial difficulty/job, forwarding any deferred
// suggest_difficulty/suggest_target requests upstream, and re-injecting the
// queued miner messages through normal processing.
func (s *Session) replayPostHandshake() {
	if s.pendingConfigure != nil {
		s.replyToConfigure(s.pendingConfigure)
	}

	s.drainPreAuthMessages()

	for _, suggest := range s.deferredSuggest {
		s.forwardSuggest(suggest)
	}

	queue := s.generalQueue
	s.generalQueue = nil
	for _, req := range queue {
		s.dispatchMinerRequest(req)
	}
}

func (s *Session) replyToConfigure(req *protocol.Request) {
	if s.upstream.ConfigureReplied {
		s.sendToMiner(protocol.NewResult(req.ID, s.upstream.ConfigureResult))
		return
	}

	// Legacy upstream: synthesize a local response that echoes any
	// requested version-rolling mask so old pools remain usable.
	result := map[string]interface{}{"version-rolling": false}
	if len(req.Params) >= 2 {
		if opts, ok := req.Params[1].(map[string]interface{}); ok {
			if mask, ok := opts["version-rolling.mask"]; ok {
				result["version-rolling"] = true
				result["version-rolling.mask"] = mask
			}
		}
	}
	s.sendToMiner(protocol.NewResult(req.ID, result))
}

func (s *Session) drainPreAuthMessages() {
	authID := s.upstream.AuthorizeRequestID()
	for _, line := range s.upstream.PreAuthMessages {
		if protocol.LooksLikeResponse(line) {
			resp, err := protocol.ParseResponse(line)
			if err != nil {
				continue
			}
			if string(resp.ID) == string(authID) {
				continue // the upstream's own authorize ack; not ours to relay
			}
			continue
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			continue
		}

		switch req.Method {
		case "mining.set_difficulty":
			if !s.haveInitialDifficulty {
				if d, ok := firstFloat(req.Params); ok {
					s.initialPoolDifficulty = d
					s.haveInitialDifficulty = true
					continue
				}
			}
			s.handlePoolSetDifficulty(req)
		case "mining.notify":
			if s.initialJobLine == "" {
				s.initialJobLine = line
				continue
			}
			s.sendRawToMiner(line)
		case "mining.set_extranonce":
			s.handlePoolSetExtranonce(req)
		default:
			s.sendRawToMiner(line)
		}
	}
}

func (s *Session) forwardSuggest(req *protocol.Request) {
	s.mu.Lock()
	hasMin := s.hasMinDiff
	minDiff := s.minDifficulty
	s.mu.Unlock()

	params := append([]interface{}{}, req.Params...)
	if hasMin {
		s.sendToMiner(protocol.NewSetDifficulty(minDiff))
		if len(params) > 0 {
			params[0] = minDiff
		}
	}
	s.writeUpstream(protocol.NewRequest(s.upstream.NextRequestID(), req.Method, params))
}

func firstFloat(params []interface{}) (float64, bool) {
	if len(params) == 0 {
		return 0, false
	}
	switch v := params[0].(type) {
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func (s *Session) writeUpstream(req *protocol.Request) {
	line, err := req.ToJSON()
	if err != nil {
		s.log.Warnw("encode outbound upstream message failed", "remote", s.remoteAddr, "err", err)
		return
	}
	if err := s.upstream.WriteLine(line); err != nil {
		s.log.Warnw("write to upstream failed", "pool", s.poolLabel, "err", err)
	}
}

// runMinerReader reads ordinary (post-burst) miner traffic and dispatches
// it until EOF, error, or cancellation.
func (s *Session) runMinerReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := s.reader.ReadLine()
		if err != nil {
			// Either an idle-timeout (no traffic for 5 minutes) or the miner
			// disconnected; both end the session the same way.
			return
		}
		if line == "" {
			continue
		}
		req, err := protocol.ParseRequest(line)
		if err != nil {
			s.log.Warnw("malformed message from miner", "remote", s.remoteAddr, "err", err)
			continue
		}
		s.dispatchMinerRequest(req)
	}
}

func (s *Session) dispatchMinerRequest(req *protocol.Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleMinerSubscribe(req)
	case "mining.authorize":
		s.handleMinerAuthorize(req)
	case "mining.submit":
		s.handleMinerSubmit(req)
	case "mining.extranonce.subscribe":
		s.sendToMiner(protocol.NewResult(req.ID, true))
	case "mining.configure":
		s.replyToConfigure(req)
	case "mining.suggest_difficulty", "mining.suggest_target":
		s.handleMinerSuggestLive(req)
	default:
		s.writeUpstream(req)
	}
}

// The state machine is documented as single-goroutine-owned, but a session
// touches it from both the miner-reader and pool-reader goroutines (the pool
// reader advances Authorized->Active on the first notify). These helpers
// serialize every access through the session's own mutex.
func (s *Session) machineTransition(next proxystate.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Transition(next)
}

func (s *Session) machineCurrent() proxystate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

func (s *Session) machineCanQueue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.CanQueue()
}

func (s *Session) machineIsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.IsActive()
}

func (s *Session) rejectOrQueue(req *protocol.Request) {
	if s.machineCanQueue() {
		s.generalQueue = append(s.generalQueue, req)
		return
	}
	if len(req.ID) > 0 {
		s.sendToMiner(protocol.NewInvalidStateError(req.ID))
	}
}

func (s *Session) handleMinerSubscribe(req *protocol.Request) {
	if !s.machineTransition(proxystate.Subscribing) {
		s.rejectOrQueue(req)
		return
	}
	resp := protocol.NewResult(req.ID, []interface{}{
		s.upstream.SubscriptionIDs,
		s.upstream.Extranonce1,
		s.upstream.Extranonce2Size,
	})
	s.sendToMiner(resp)
	s.machineTransition(proxystate.Subscribed)
}

func (s *Session) handleMinerAuthorize(req *protocol.Request) {
	if !s.machineTransition(proxystate.Authorizing) {
		s.rejectOrQueue(req)
		return
	}

	worker, _ := firstString(req.Params, 0)
	password, _ := firstString(req.Params, 1)
	_, minDiff, hasMin := ParsePassword(password)

	s.mu.Lock()
	s.workerName = worker
	if hasMin {
		s.hasMinDiff = true
		s.minDifficulty = minDiff
	}
	s.mu.Unlock()
	s.entry.SetWorker(worker)

	// The proxy mines under the pool account; it does not authenticate the
	// miner itself.
	s.sendToMiner(protocol.NewResult(req.ID, true))
	s.machineTransition(proxystate.Authorized)

	s.sendInitialDifficultyAndJob()
}

func (s *Session) sendInitialDifficultyAndJob() {
	effective := s.effectiveDifficulty(s.initialPoolDifficulty)
	s.sendToMiner(protocol.NewSetDifficulty(effective))
	s.entry.SetDifficulty(effective, s.initialPoolDifficulty)
	s.setCurrentPoolDifficulty(s.initialPoolDifficulty)

	if s.initialJobLine != "" {
		s.sendRawToMiner(s.initialJobLine)
	}
	s.machineTransition(proxystate.Active)
}

func (s *Session) handleMinerSubmit(req *protocol.Request) {
	if !s.machineIsActive() {
		s.rejectOrQueue(req)
		return
	}

	effective := s.currentDifficulty()
	params := append([]interface{}{}, req.Params...)
	if len(params) > 0 {
		params[0] = s.poolCfg.User
	}

	upstreamID := s.upstream.NextRequestID()
	s.mu.Lock()
	s.pending[fmt.Sprint(upstreamID)] = pendingSubmit{minerID: req.ID, difficulty: effective}
	s.mu.Unlock()

	s.writeUpstream(protocol.NewRequest(upstreamID, "mining.submit", params))
}

func (s *Session) handleMinerSuggestLive(req *protocol.Request) {
	s.sendToMiner(protocol.NewResult(req.ID, true))

	s.mu.Lock()
	hasMin := s.hasMinDiff
	minDiff := s.minDifficulty
	s.mu.Unlock()

	params := append([]interface{}{}, req.Params...)
	if hasMin {
		s.sendToMiner(protocol.NewSetDifficulty(minDiff))
		if len(params) > 0 {
			params[0] = minDiff
		}
	}
	s.writeUpstream(protocol.NewRequest(s.upstream.NextRequestID(), req.Method, params))
}

// runPoolReader reads ongoing traffic from the upstream pool and routes it
// to the miner until the upstream session ends or the context is cancelled.
func (s *Session) runPoolReader(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		line, err := s.upstream.ReadLine(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warnw("upstream connection ended", "pool", s.poolLabel, "remote", s.remoteAddr, "err", err)
			}
			return
		}
		s.handlePoolLine(line)
	}
}

func (s *Session) handlePoolLine(line string) {
	if protocol.LooksLikeResponse(line) {
		resp, err := protocol.ParseResponse(line)
		if err != nil {
			s.log.Warnw("malformed response from pool", "pool", s.poolLabel, "err", err)
			return
		}
		s.handlePoolResponse(resp, line)
		return
	}

	req, err := protocol.ParseRequest(line)
	if err != nil {
		s.log.Warnw("malformed notification from pool", "pool", s.poolLabel, "err", err)
		return
	}

	switch req.Method {
	case "mining.notify":
		if s.machineCurrent() == proxystate.Authorized {
			s.machineTransition(proxystate.Active)
		}
		if s.machineIsActive() {
			s.sendRawToMiner(line)
		}
	case "mining.set_difficulty":
		s.handlePoolSetDifficulty(req)
	case "mining.set_extranonce":
		s.handlePoolSetExtranonce(req)
	default:
		if s.machineIsActive() {
			s.sendRawToMiner(line)
		}
	}
}

func (s *Session) handlePoolSetDifficulty(req *protocol.Request) {
	d, ok := firstFloat(req.Params)
	if !ok {
		return
	}
	s.setCurrentPoolDifficulty(d)
	effective := s.effectiveDifficulty(d)
	s.entry.SetDifficulty(effective, d)

	if effective != d {
		params := append([]interface{}{}, req.Params...)
		params[0] = effective
		s.sendToMiner(protocol.NewSetDifficulty(effective))
		return
	}
	s.sendToMiner(protocol.NewSetDifficulty(d))
}

func (s *Session) handlePoolSetExtranonce(req *protocol.Request) {
	if len(req.Params) < 2 {
		return
	}
	extranonce1, _ := req.Params[0].(string)
	size, _ := firstFloat(req.Params[1:])
	s.upstream.SetExtranonce(extranonce1, int(size))

	line, err := req.ToJSON()
	if err == nil {
		s.sendRawToMiner(line)
	}
}

func (s *Session) handlePoolResponse(resp *protocol.Response, rawLine string) {
	key := string(resp.ID)
	s.mu.Lock()
	submit, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		// Not a tracked submit: forward the response to the miner as-is.
		s.sendRawToMiner(rawLine)
		return
	}

	accepted := resp.Result == true && resp.Error == nil
	ev := sharelogEvent(s.minerIdentity(), s.poolLabel, submit.difficulty, accepted, resp.Error)

	if err := s.shareLog.Append(context.Background(), ev); err != nil {
		// Append-before-acknowledge: the response is withheld and the
		// session torn down rather than risk an unlogged accepted share.
		s.log.Errorw("share log append failed, tearing down session", "remote", s.remoteAddr, "err", err)
		s.machineTransition(proxystate.Error)
		s.conn.Close()
		return
	}

	s.entry.RecordShare(ev.Timestamp, submit.difficulty, accepted)
	if s.metrics != nil {
		if accepted {
			s.metrics.ShareAccepted(s.poolLabel)
		} else {
			s.metrics.ShareRejected(s.poolLabel)
		}
	}

	out := protocol.NewResult(submit.minerID, resp.Result)
	if !accepted {
		out = &protocol.Response{ID: submit.minerID, Result: resp.Result, Error: resp.Error}
	}
	s.sendToMiner(out)
}

func sharelogEvent(miner, pool string, difficulty float64, accepted bool, errField interface{}) sharelog.Event {
	ev := sharelog.Event{
		Timestamp:  time.Now(),
		Miner:      miner,
		Pool:       pool,
		Difficulty: difficulty,
		Accepted:   accepted,
	}
	if errField != nil {
		if data, err := json.Marshal(errField); err == nil {
			ev.Error = string(data)
		}
	}
	return ev
}

func (s *Session) minerIdentity() string {
	s.mu.Lock()
	worker := s.workerName
	s.mu.Unlock()
	if worker == "" {
		return s.remoteAddr
	}
	return worker + "@" + s.remoteAddr
}

func (s *Session) currentDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveDifficultyLocked(s.poolDifficulty)
}

func (s *Session) setCurrentPoolDifficulty(d float64) {
	s.mu.Lock()
	s.poolDifficulty = d
	s.mu.Unlock()
}

func (s *Session) effectiveDifficulty(poolDifficulty float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveDifficultyLocked(poolDifficulty)
}

func (s *Session) effectiveDifficultyLocked(poolDifficulty float64) float64 {
	if s.hasMinDiff && s.minDifficulty > poolDifficulty {
		return s.minDifficulty
	}
	return poolDifficulty
}

func firstString(params []interface{}, index int) (string, bool) {
	if index >= len(params) {
		return "", false
	}
	v, ok := params[index].(string)
	return v, ok
}
