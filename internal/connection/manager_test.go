package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn 内存连接：测试向 events/drop 写入来模拟推送与断线
type fakeConn struct {
	events    chan models.Event
	drop      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan models.Event, 16),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (models.Event, error) {
	select {
	case <-c.closed:
		return models.Event{}, errors.New("closed")
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.drop:
		return models.Event{}, err
	case <-c.closed:
		return models.Event{}, errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	failNext int  // 接下来失败的次数
	failAll  bool // 全部失败
	dials    int
	tokens   []string
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.tokens = append(t.tokens, token)
	if t.failAll {
		return nil, errors.New("dial refused")
	}
	if t.failNext > 0 {
		t.failNext--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) setFailAll(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = v
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// stateRecorder 记录全部状态迁移
type stateRecorder struct {
	mu    sync.Mutex
	edges [][2]models.ConnectionState
}

func (r *stateRecorder) record(from, to models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, [2]models.ConnectionState{from, to})
}

func (r *stateRecorder) targets() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConnectionState, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e[1])
	}
	return out
}

func (r *stateRecorder) assertValid(t *testing.T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		assert.True(t, CanTransition(e[0], e[1]), "invalid edge %s -> %s", e[0], e[1])
	}
}

func newTestManager(ft *fakeTransport, attempts int) (*Manager, *stateRecorder) {
	m := NewManager(ft, Config{ReconnectDelay: 10 * time.Millisecond, MaxAttempts: attempts}, zap.NewNop())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	return m, rec
}

func (r *stateRecorder) last() (models.ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.edges) == 0 {
		return 0, false
	}
	return r.edges[len(r.edges)-1][1], true
}

// waitState 等待状态到达 want；rec 非空时同时等待订阅者收到通知
func waitState(t *testing.T, m *Manager, rec *stateRecorder, want models.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		if m.State() != want {
			return false
		}
		if rec == nil {
			return true
		}
		last, ok := rec.last()
		return ok && last == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func receiveConn(t *testing.T, ft *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case c := <-ft.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func TestManager_ConnectRequiresToken(t *testing.T) {
	m, _ := newTestManager(newFakeTransport(), 3)
	err := m.Connect("")
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestManager_ConnectAndDeliverInOrder(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	received := make(chan string, 8)
	m.On(models.EventVitalsUpdate, func(ev models.Event) { received <- string(ev.Data) })
	connected := make(chan struct{}, 1)
	m.On(models.EventConnect, func(models.Event) { connected <- struct{}{} })

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)
	<-connected

	conn.events <- models.Event{Name: models.EventVitalsUpdate, Data: []byte(`1`)}
	conn.events <- models.Event{Name: models.EventVitalsData, Data: []byte(`2`)}
	conn.events <- models.Event{Name: models.EventVitalsUpdate, Data: []byte(`3`)}

	for _, want := range []string{"1", "2", "3"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, rec.targets())
	assert.Equal(t, []string{"tok"}, ft.tokens)
	m.Disconnect()
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	require.NoError(t, m.Connect("tok"))
	receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.Connect("other"))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, ft.dialCount())
	assert.Equal(t, models.StateConnected, m.State())
	m.Disconnect()
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	var disconnects atomic.Int32
	m.On(models.EventDisconnect, func(models.Event) { disconnects.Add(1) })

	require.NoError(t, m.Connect("tok"))
	first := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	first.drop <- errors.New("network gone")
	second := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, []models.ConnectionState{
		models.StateConnecting,
		models.StateConnected,
		models.StateReconnecting,
		models.StateConnected,
	}, rec.targets())
	rec.assertValid(t)
	m.Disconnect()
}

func TestManager_FailsAfterAttemptBound(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	var connectErrors atomic.Int32
	m.On(models.EventConnectError, func(models.Event) { connectErrors.Add(1) })

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	ft.setFailAll(true)
	conn.drop <- errors.New("network gone")
	waitState(t, m, rec, models.StateFailed)

	// 不会在后台继续重试
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, ft.dialCount())
	assert.Equal(t, int32(3), connectErrors.Load())

	// 显式 Connect 从 connecting 重新开始
	ft.setFailAll(false)
	require.NoError(t, m.Connect("tok"))
	receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	assert.Equal(t, []models.ConnectionState{
		models.StateConnecting,
		models.StateConnected,
		models.StateReconnecting,
		models.StateFailed,
		models.StateConnecting,
		models.StateConnected,
	}, rec.targets())
	rec.assertValid(t)
	m.Disconnect()
}

func TestManager_InitialDialRetries(t *testing.T) {
	ft := newFakeTransport()
	ft.failNext = 2
	m, rec := newTestManager(ft, 3)

	var connectErrors atomic.Int32
	m.On(models.EventConnectError, func(models.Event) { connectErrors.Add(1) })

	require.NoError(t, m.Connect("tok"))
	receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	assert.Equal(t, int32(2), connectErrors.Load())
	assert.Equal(t, 3, ft.dialCount())
	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, rec.targets())
	m.Disconnect()
}

func TestManager_InitialDialExhausted(t *testing.T) {
	ft := newFakeTransport()
	ft.failAll = true
	m, rec := newTestManager(ft, 2)

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, rec, models.StateFailed)

	assert.Equal(t, 3, ft.dialCount())
	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateFailed}, rec.targets())
}

func TestManager_IgnoresEventsAfterDisconnect(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	var count atomic.Int32
	m.On(models.EventAlert, func(models.Event) { count.Add(1) })

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	m.Disconnect()
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.True(t, conn.isClosed())

	conn.events <- models.Event{Name: models.EventAlert, Data: []byte(`{}`)}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())

	// 已断开时再次 Disconnect 为空操作
	m.Disconnect()
	targets := rec.targets()
	assert.Equal(t, models.StateDisconnected, targets[len(targets)-1])
	assert.Equal(t, 1, countOf(targets, models.StateDisconnected))
	rec.assertValid(t)
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, Config{ReconnectDelay: time.Hour, MaxAttempts: 3}, zap.NewNop())

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	waitState(t, m, nil, models.StateConnected)

	conn.drop <- errors.New("network gone")
	waitState(t, m, nil, models.StateReconnecting)

	finished := make(chan struct{})
	go func() {
		m.Disconnect()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not cancel the reconnect timer")
	}
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.Equal(t, 1, ft.dialCount())
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	ft := newFakeTransport()
	m, rec := newTestManager(ft, 3)

	delivered := make(chan struct{}, 1)
	m.On(models.EventAlert, func(models.Event) { panic("boom") })
	m.On(models.EventAlert, func(models.Event) { delivered <- struct{}{} })

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	waitState(t, m, rec, models.StateConnected)

	conn.events <- models.Event{Name: models.EventAlert}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not called")
	}
	assert.Equal(t, models.StateConnected, m.State())
	m.Disconnect()
}

func TestManager_Unsubscribe(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft, 3)

	var count atomic.Int32
	off := m.On(models.EventAlert, func(models.Event) { count.Add(1) })
	marker := make(chan struct{}, 1)
	m.On(models.EventVitalsUpdate, func(models.Event) { marker <- struct{}{} })
	off()

	require.NoError(t, m.Connect("tok"))
	conn := receiveConn(t, ft)
	conn.events <- models.Event{Name: models.EventAlert}
	conn.events <- models.Event{Name: models.EventVitalsUpdate}
	<-marker

	assert.Equal(t, int32(0), count.Load())
	m.Disconnect()
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StateDisconnected, models.StateConnecting))
	assert.True(t, CanTransition(models.StateConnected, models.StateReconnecting))
	assert.True(t, CanTransition(models.StateReconnecting, models.StateFailed))
	assert.True(t, CanTransition(models.StateFailed, models.StateConnecting))
	assert.True(t, CanTransition(models.StateReconnecting, models.StateDisconnected))

	assert.False(t, CanTransition(models.StateDisconnected, models.StateConnected))
	assert.False(t, CanTransition(models.StateFailed, models.StateConnected))
	assert.False(t, CanTransition(models.StateConnected, models.StateFailed))
	assert.False(t, CanTransition(models.StateDisconnected, models.StateDisconnected))
}

func countOf(states []models.ConnectionState, want models.ConnectionState) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

// instantTransport 每次建连立即成功
type instantTransport struct{}

func (instantTransport) Dial(ctx context.Context, token string) (Conn, error) {
	return newFakeConn(), nil
}

func TestManager_ConcurrentConnectDisconnectNotifiesFinalState(t *testing.T) {
	m := NewManager(instantTransport{}, Config{ReconnectDelay: 10 * time.Millisecond, MaxAttempts: 1}, zap.NewNop())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Disconnect)

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Connect("tok")
		}()
		go func() {
			defer wg.Done()
			m.Disconnect()
		}()
		wg.Wait()

		// 最后一次通知的目标状态必须与管理器的实际状态一致
		require.Eventually(t, func() bool {
			last, ok := rec.last()
			if !ok {
				return m.State() == models.StateDisconnected
			}
			return last == m.State()
		}, 2*time.Second, 5*time.Millisecond, "iteration %d: observers out of sync with state %s", i, m.State())
	}
	rec.assertValid(t)
}
