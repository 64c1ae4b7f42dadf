package transport

import (
	"net"
	"sync"
	"time"
)

type acceptResult struct {
	conn Conn
	err  error
}

// asyncListener adapts a blocking accept function without deadline support
// into a Listener. A background goroutine accepts and hands each result to
// the next AcceptTimeout caller, so a connection that arrives between two
// timed waits is kept rather than lost.
type asyncListener struct {
	addr    net.Addr
	accept  func() (Conn, error)
	closeFn func() error

	results   chan acceptResult
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newAsyncListener(addr net.Addr, accept func() (Conn, error), closeFn func() error) *asyncListener {
	return &asyncListener{
		addr:    addr,
		accept:  accept,
		closeFn: closeFn,
		results: make(chan acceptResult),
		done:    make(chan struct{}),
	}
}

func (a *asyncListener) loop() {
	for {
		conn, err := a.accept()
		select {
		case a.results <- acceptResult{conn: conn, err: err}:
		case <-a.done:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
		}
	}
}

// AcceptTimeout implements Listener.
func (a *asyncListener) AcceptTimeout(d time.Duration) (Conn, error) {
	a.startOnce.Do(func() { go a.loop() })

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-a.results:
		if res.err != nil {
			select {
			case <-a.done:
				return nil, ErrListenerClosed
			default:
			}
		}
		return res.conn, res.err
	case <-timeout:
		return nil, ErrAcceptTimeout
	case <-a.done:
		return nil, ErrListenerClosed
	}
}

// Addr implements Listener.
func (a *asyncListener) Addr() net.Addr { return a.addr }

// Close implements Listener. It is safe to call more than once.
func (a *asyncListener) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.closeErr = a.closeFn()
	})
	return a.closeErr
}
