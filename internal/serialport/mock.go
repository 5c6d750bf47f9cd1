package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestablePort implements TimeoutSerialPorter with configurable behaviour for
// testing. Reads on an empty buffer wait up to ReadTimeout for data and then
// return 0, nil, the way a hardware port with a read timeout does.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	dataCh   chan struct{}

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// FailWrites makes every Write fail with WriteError until cleared.
	FailWrites bool
	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	closeCalls int
	readCalls  int
	writeCalls int
	timeout    time.Duration
}

// NewTestablePort creates an open TestablePort with a 10ms read timeout.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		dataCh:  make(chan struct{}, 1),
		timeout: 10 * time.Millisecond,
	}
}

// Read returns buffered data, waiting up to the read timeout when empty.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.readCalls++
	if n, done, err := t.readLocked(p); done {
		t.mu.Unlock()
		return n, err
	}
	timeout := t.timeout
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.dataCh:
	case <-timer.C:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n, _, err := t.readLocked(p)
	return n, err
}

func (t *TestablePort) readLocked(p []byte) (int, bool, error) {
	if t.closed {
		return 0, true, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, true, err
	}
	if t.readBuf.Len() > 0 {
		n, _ := t.readBuf.Read(p)
		return n, true, nil
	}
	return 0, false, nil
}

// Write captures data, optionally failing.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeCalls++
	if t.closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		if !t.FailWrites {
			t.WriteError = nil
		}
		return 0, err
	}
	return t.writeBuf.Write(p)
}

// Close marks the port closed and wakes any waiting reader.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	t.closed = true
	t.notify()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// AddReadData queues data for subsequent reads.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
	t.notify()
}

func (t *TestablePort) notify() {
	select {
	case t.dataCh <- struct{}{}:
	default:
	}
}

// SetReadError makes the next Read fail with err.
func (t *TestablePort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.notify()
}

// SetWriteError makes the next Write (or every Write, if sticky) fail.
func (t *TestablePort) SetWriteError(err error, sticky bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
	t.FailWrites = sticky
}

// Written returns a copy of all data written to the port.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.writeBuf.Bytes()...)
}

// Closed reports whether Close was called since the last Reopen.
func (t *TestablePort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCalls returns the number of Close calls.
func (t *TestablePort) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// WriteCalls returns the number of Write calls.
func (t *TestablePort) WriteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCalls
}

// Reopen clears the closed flag so a factory can hand the port out again.
func (t *TestablePort) Reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = false
}

// MockFactory implements Factory for testing. Ports are handed out in order;
// the last one is reused once the list is exhausted.
type MockFactory struct {
	mu sync.Mutex

	// Ports returned from Open, in order.
	Ports []SerialPorter
	// Error is returned by Open if set.
	Error error

	calls  []MockOpenCall
	served int
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockFactory returns a factory that serves the given ports.
func NewMockFactory(ports ...SerialPorter) *MockFactory {
	return &MockFactory{Ports: ports}
}

// Open returns the next configured port or Error.
func (f *MockFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Ports) == 0 {
		return nil, errors.New("mock factory: no ports configured")
	}

	idx := f.served
	if idx >= len(f.Ports) {
		idx = len(f.Ports) - 1
	}
	f.served++
	port := f.Ports[idx]
	if tp, ok := port.(*TestablePort); ok {
		tp.Reopen()
	}
	return port, nil
}

// SetError sets the error returned by subsequent Open calls.
func (f *MockFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = err
}

// Calls returns a copy of the recorded Open calls.
func (f *MockFactory) Calls() []MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockOpenCall(nil), f.calls...)
}

// StaticEnumerator returns a fixed port list.
type StaticEnumerator struct {
	mu    sync.Mutex
	names []string
	err   error
}

// NewStaticEnumerator returns an Enumerator over names.
func NewStaticEnumerator(names ...string) *StaticEnumerator {
	return &StaticEnumerator{names: names}
}

func (e *StaticEnumerator) Ports() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]string(nil), e.names...), nil
}

// Set replaces the port list and error.
func (e *StaticEnumerator) Set(err error, names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = names
	e.err = err
}
