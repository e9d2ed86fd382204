package minersession

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taohash/mining-proxy/internal/logging"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/sharelog"
	"github.com/taohash/mining-proxy/internal/stats"
)

type noopMetrics struct{}

func (noopMetrics) ShareAccepted(string)          {}
func (noopMetrics) ShareRejected(string)           {}
func (noopMetrics) SessionDisconnected(string)      {}
func (noopMetrics) UpstreamHandshakeFailed(string)  {}

// startFakePool simulates a minimal Stratum V1 upstream pool driven by the
// given scripted handler, mirroring internal/upstream's test helper.
func startFakePool(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()

	return ln.Addr().String()
}

func newTestSession(t *testing.T, poolAddr string) (*Session, net.Conn, *sharelog.Log) {
	t.Helper()
	minerSide, proxySide := net.Pipe()
	t.Cleanup(func() { minerSide.Close() })

	dbPath := filepath.Join(t.TempDir(), "shares.db")
	log, err := sharelog.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	poolCfg := proxyconfig.PoolConfig{
		Host: mustSplitHost(t, poolAddr),
		Port: mustSplitPort(t, poolAddr),
		User: "pool_account",
		Pass: "x",
	}

	sess := New(proxySide, "primary", poolCfg, stats.NewRegistry(), log, noopMetrics{}, logging.Noop())
	return sess, minerSide, log
}

func mustSplitHost(t *testing.T, addr string) string {
	t.Helper()
	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host
}

func mustSplitPort(t *testing.T, addr string) int {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}

func readJSONLine(t *testing.T, r *bufio.Scanner) map[string]interface{} {
	t.Helper()
	require.True(t, r.Scan())
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Bytes(), &m))
	return m
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// happyPathPool answers configure (when the proxy sends one), subscribe and
// authorize, then delivers an initial difficulty and job before anything else
// happens.
func happyPathPool(t *testing.T) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewScanner(conn)

		subscribeReq := readJSONLine(t, r)
		if subscribeReq["method"] == "mining.configure" {
			writeLine(t, conn, `{"id":`+idOf(subscribeReq)+`,"result":{"version-rolling":true,"version-rolling.mask":"1fffe000"},"error":null}`)
			subscribeReq = readJSONLine(t, r)
		}
		writeLine(t, conn, `{"id":`+idOf(subscribeReq)+`,"result":[["mining.notify","subs1"],"abcd",4],"error":null}`)

		authReq := readJSONLine(t, r)
		writeLine(t, conn, `{"id":`+idOf(authReq)+`,"result":true,"error":null}`)
		writeLine(t, conn, `{"method":"mining.set_difficulty","params":[1024]}`)
		writeLine(t, conn, `{"method":"mining.notify","params":["job1","prevhash","coinb1","coinb2",[],"2000000","1d00ffff","5f000000",true]}`)

		// Keep reading so later miner submits (sent post-handshake) don't
		// block the writer; respond to a submit if one arrives.
		for {
			raw, ok := scanWithin(r, 5*time.Second)
			if !ok {
				return
			}
			var probe map[string]interface{}
			if json.Unmarshal([]byte(raw), &probe) != nil {
				continue
			}
			if probe["method"] == "mining.submit" {
				writeLine(t, conn, `{"id":`+idOf(probe)+`,"result":true,"error":null}`)
			}
		}
	}
}

func scanWithin(r *bufio.Scanner, d time.Duration) (string, bool) {
	done := make(chan bool, 1)
	var line string
	go func() {
		ok := r.Scan()
		if ok {
			line = r.Text()
		}
		done <- ok
	}()
	select {
	case ok := <-done:
		return line, ok
	case <-time.After(d):
		return "", false
	}
}

func idOf(m map[string]interface{}) string {
	switch v := m["id"].(type) {
	case float64:
		b, _ := json.Marshal(int(v))
		return string(b)
	default:
		return "0"
	}
}

func TestSessionHappyPathSubscribeAuthorizeInitialJob(t *testing.T) {
	addr := startFakePool(t, happyPathPool(t))
	sess, minerSide, _ := newTestSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Run(ctx)

	minerR := bufio.NewScanner(minerSide)

	writeLine(t, minerSide, `{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`)
	subResp := readJSONLine(t, minerR)
	assert.Equal(t, float64(1), subResp["id"])
	result := subResp["result"].([]interface{})
	assert.Equal(t, "abcd", result[1])

	writeLine(t, minerSide, `{"id":2,"method":"mining.authorize","params":["x.rig1","password"]}`)
	authResp := readJSONLine(t, minerR)
	assert.Equal(t, true, authResp["result"])

	diffMsg := readJSONLine(t, minerR)
	assert.Equal(t, "mining.set_difficulty", diffMsg["method"])
	assert.Equal(t, float64(1024), diffMsg["params"].([]interface{})[0])

	jobMsg := readJSONLine(t, minerR)
	assert.Equal(t, "mining.notify", jobMsg["method"])

	cancel()
}

func TestSessionMinDifficultyFromPasswordRaisesFloor(t *testing.T) {
	addr := startFakePool(t, happyPathPool(t))
	sess, minerSide, _ := newTestSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Run(ctx)

	minerR := bufio.NewScanner(minerSide)

	writeLine(t, minerSide, `{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`)
	readJSONLine(t, minerR)

	writeLine(t, minerSide, `{"id":2,"method":"mining.authorize","params":["x.rig1","pw;md=8192;"]}`)
	readJSONLine(t, minerR) // authorize result

	diffMsg := readJSONLine(t, minerR)
	assert.Equal(t, "mining.set_difficulty", diffMsg["method"])
	assert.Equal(t, float64(8192), diffMsg["params"].([]interface{})[0])

	cancel()
}

func TestSessionSubmitAcceptedRecordsShare(t *testing.T) {
	addr := startFakePool(t, happyPathPool(t))
	sess, minerSide, log := newTestSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Run(ctx)

	minerR := bufio.NewScanner(minerSide)

	writeLine(t, minerSide, `{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`)
	readJSONLine(t, minerR)
	writeLine(t, minerSide, `{"id":2,"method":"mining.authorize","params":["x.rig1","password"]}`)
	readJSONLine(t, minerR)
	readJSONLine(t, minerR) // set_difficulty
	readJSONLine(t, minerR) // notify

	writeLine(t, minerSide, `{"id":3,"method":"mining.submit","params":["x.rig1","job1","00000000","5f000001","00000000"]}`)
	submitResp := readJSONLine(t, minerR)
	assert.Equal(t, float64(3), submitResp["id"])
	assert.Equal(t, true, submitResp["result"])

	cancel()
	time.Sleep(50 * time.Millisecond)

	// net.Pipe endpoints report "pipe" as their address, so the identity the
	// session derives (worker@remoteAddr) is deterministic here.
	count, err := log.CountByMiner(context.Background(), "x.rig1@pipe")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestSessionReaderSurvivesEarlyBurstTimeout is the regression case for the
// bufio.Scanner poisoning bug: when the miner sends nothing during the
// early-burst window, collectEarlyBurst's deadline elapses with no message
// read. The session must still be able to read ordinary post-handshake
// traffic afterwards on the same reader, rather than treating every
// subsequent read as an immediate miner disconnect.
func TestSessionReaderSurvivesEarlyBurstTimeout(t *testing.T) {
	addr := startFakePool(t, happyPathPool(t))
	sess, minerSide, _ := newTestSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Run(ctx)

	// Let the early-burst window (1s) elapse with no traffic from the miner
	// before sending anything.
	time.Sleep(1200 * time.Millisecond)

	minerR := bufio.NewScanner(minerSide)

	writeLine(t, minerSide, `{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`)
	subResp := readJSONLine(t, minerR)
	assert.Equal(t, float64(1), subResp["id"])
	result := subResp["result"].([]interface{})
	assert.Equal(t, "abcd", result[1])

	writeLine(t, minerSide, `{"id":2,"method":"mining.authorize","params":["x.rig1","password"]}`)
	authResp := readJSONLine(t, minerR)
	assert.Equal(t, true, authResp["result"])

	cancel()
}

func TestSessionLegacyUpstreamNoConfigureStillHandshakes(t *testing.T) {
	addr := startFakePool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewScanner(conn)

		_ = readJSONLine(t, r) // configure sent by proxy but deliberately unanswered
		subscribeReq := readJSONLine(t, r)
		writeLine(t, conn, `{"id":`+idOf(subscribeReq)+`,"result":[["mining.notify","subs1"],"abcd",4],"error":null}`)
		authReq := readJSONLine(t, r)
		writeLine(t, conn, `{"id":`+idOf(authReq)+`,"result":true,"error":null}`)
		writeLine(t, conn, `{"method":"mining.notify","params":["job1"]}`)
	})
	sess, minerSide, _ := newTestSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Run(ctx)

	minerR := bufio.NewScanner(minerSide)

	writeLine(t, minerSide, `{"id":1,"method":"mining.configure","params":[["version-rolling"],{"version-rolling.mask":"1fffe000"}]}`)
	writeLine(t, minerSide, `{"id":2,"method":"mining.subscribe","params":["miner/1.0"]}`)

	configResp := readJSONLine(t, minerR)
	assert.Equal(t, float64(1), configResp["id"])
	res := configResp["result"].(map[string]interface{})
	assert.Equal(t, true, res["version-rolling"])
	assert.Equal(t, "1fffe000", res["version-rolling.mask"])

	subResp := readJSONLine(t, minerR)
	assert.Equal(t, float64(2), subResp["id"])

	cancel()
}
