package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic-ai/kbot/internal/common/logger"
)

// syncBuffer collects conn output for assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, io.WriteCloser, *syncBuffer) {
	t.Helper()
	inR, inW := io.Pipe()
	out := &syncBuffer{}
	conn := NewConn(inR, out, logger.Default(), opts...)
	conn.Start()
	t.Cleanup(conn.Close)
	return conn, inW, out
}

func feed(t *testing.T, w io.Writer, s string) {
	t.Helper()
	_, err := io.WriteString(w, s)
	require.NoError(t, err)
}

func TestCallResolvesWithResult(t *testing.T) {
	conn, in, out := newTestConn(t)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = conn.Call(context.Background(), "session/new", map[string]string{"cwd": "/tmp"})
	}()

	// Wait for the request to hit the wire, then answer it.
	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	var req Request
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[0]), &req))
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "session/new", req.Method)
	assert.EqualValues(t, 1, req.ID)

	feed(t, in, `{"jsonrpc":"2.0","id":1,"result":{"sessionId":"abc"}}`+"\n")

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"sessionId":"abc"}`, string(result))
}

func TestCallIDsStrictlyIncreaseFromOne(t *testing.T) {
	conn, in, out := newTestConn(t)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = conn.Call(context.Background(), "ping", nil)
		}()
	}

	require.Eventually(t, func() bool { return len(out.Lines()) == n }, time.Second, 5*time.Millisecond)

	seen := make(map[int64]bool)
	for _, line := range out.Lines() {
		var req Request
		require.NoError(t, json.Unmarshal([]byte(line), &req))
		id := int64(req.ID.(float64))
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.GreaterOrEqual(t, id, int64(1))
		assert.LessOrEqual(t, id, int64(n))
		seen[id] = true

		feed(t, in, `{"jsonrpc":"2.0","id":`+string(mustJSON(req.ID))+`,"result":null}`+"\n")
	}
	wg.Wait()
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestTimeoutRejectsCall(t *testing.T) {
	conn, _, _ := newTestConn(t, WithDefaultTimeout(50*time.Millisecond))

	_, err := conn.Call(context.Background(), "slow/method", nil)
	require.Error(t, err)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeRequestTimeout, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "timed out after 50ms")
}

func TestTimerResetOnInboundActivity(t *testing.T) {
	conn, in, out := newTestConn(t, WithDefaultTimeout(100*time.Millisecond))

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = conn.Call(context.Background(), "long/method", nil)
	}()
	require.Eventually(t, func() bool { return len(out.Lines()) >= 1 }, time.Second, 5*time.Millisecond)

	// An inbound request at 60ms resets the timer, so the response at
	// 120ms still arrives in time.
	time.Sleep(60 * time.Millisecond)
	feed(t, in, `{"jsonrpc":"2.0","id":"x","method":"tool/call"}`+"\n")
	time.Sleep(60 * time.Millisecond)
	feed(t, in, `{"jsonrpc":"2.0","id":1,"result":"ok"}`+"\n")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("call did not complete")
	}
	require.NoError(t, callErr)
	assert.Equal(t, `"ok"`, string(result))
}

func TestSplitChunksProduceOneRequest(t *testing.T) {
	conn, in, _ := newTestConn(t)

	var mu sync.Mutex
	var methods []string
	conn.OnRequest(func(req *Request) {
		mu.Lock()
		methods = append(methods, req.Method)
		mu.Unlock()
	})

	feed(t, in, `{"jsonrpc":"2.0","id":1`)
	time.Sleep(20 * time.Millisecond)
	feed(t, in, `,"method":"test"}`+"\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"test"}, methods)
	mu.Unlock()
}

func TestParseErrorAnsweredOnWire(t *testing.T) {
	_, in, out := newTestConn(t)

	feed(t, in, "{not json\n")

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[0]), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

func TestInvalidRequestCopiesIDThrough(t *testing.T) {
	_, in, out := newTestConn(t)

	feed(t, in, `{"jsonrpc":"1.0","id":7,"method":"x"}`+"\n")

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[0]), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.EqualValues(t, 7, resp.ID)
}

func TestNotificationHasNoID(t *testing.T) {
	conn, _, out := newTestConn(t)

	require.NoError(t, conn.Notify("session/cancel", map[string]string{"sessionId": "s1"}))

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, out.Lines()[0], `"id"`)
}

func TestNotificationDispatch(t *testing.T) {
	conn, in, _ := newTestConn(t)

	got := make(chan string, 1)
	conn.OnNotification(func(method string, params json.RawMessage) {
		got <- method
	})

	feed(t, in, `{"jsonrpc":"2.0","method":"session/update","params":{}}`+"\n")

	select {
	case m := <-got:
		assert.Equal(t, "session/update", m)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestUnmatchedResponseDelivered(t *testing.T) {
	conn, in, _ := newTestConn(t)

	got := make(chan *Response, 1)
	conn.OnUnmatched(func(resp *Response) {
		got <- resp
	})

	feed(t, in, `{"jsonrpc":"2.0","id":99,"result":"stray"}`+"\n")

	select {
	case resp := <-got:
		assert.EqualValues(t, 99, resp.ID)
	case <-time.After(time.Second):
		t.Fatal("unmatched response not delivered")
	}
}

func TestRemoteErrorPropagates(t *testing.T) {
	conn, in, out := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "missing/method", nil, Silent())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	feed(t, in, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`+"\n")

	err := <-done
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestCloseRejectsPending(t *testing.T) {
	conn, _, out := newTestConn(t, WithDefaultTimeout(10*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "never/answered", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	conn.Close() // idempotent

	err := <-done
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeConnClosed, rpcErr.Code)
}

func TestEOFClosesConn(t *testing.T) {
	conn, in, _ := newTestConn(t)

	require.NoError(t, in.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn did not close on EOF")
	}
}

func TestRespondWritesResponse(t *testing.T) {
	conn, _, out := newTestConn(t)

	require.NoError(t, conn.Respond(float64(3), map[string]string{"ok": "yes"}))

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[0]), &resp))
	assert.EqualValues(t, 3, resp.ID)
	assert.JSONEq(t, `{"ok":"yes"}`, string(resp.Result))
}
