package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestSerialPort implements SerialPorter for testing SerialMux operations
type TestSerialPort struct {
	readData    []byte
	readIndex   int
	writtenData bytes.Buffer
	writeErr    error
	closeErr    error
	closed      bool
	mu          sync.Mutex
}

func NewTestSerialPort(data string) *TestSerialPort {
	return &TestSerialPort{
		readData: []byte(data),
	}
}

func (p *TestSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.readIndex >= len(p.readData) {
		// Block until closed to simulate waiting for more data
		time.Sleep(10 * time.Millisecond)
		if p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(buf, p.readData[p.readIndex:])
	p.readIndex += n
	return n, nil
}

func (p *TestSerialPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writtenData.Write(data)
}

func (p *TestSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *TestSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *TestSerialPort) WrittenData() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writtenData.String()
}

// TestNewSerialMux tests creation of a new SerialMux
func TestNewSerialMux(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

// TestSerialMux_Subscribe tests subscribing to the serial mux
func TestSerialMux_Subscribe(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Error("Subscribe returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Error("Subscribe returned nil channel")
	}
	if cap(ch1) != subscriberBuffer {
		t.Errorf("Expected channel capacity %d, got %d", subscriberBuffer, cap(ch1))
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()
}

// TestSerialMux_Unsubscribe tests unsubscribing from the serial mux
func TestSerialMux_Unsubscribe(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	// Channel must be closed after Unsubscribe
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel to be closed")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for channel closure")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 0 {
		t.Errorf("Expected 0 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()
}

// TestSerialMux_Unsubscribe_NonExistent tests unsubscribing with invalid ID
func TestSerialMux_Unsubscribe_NonExistent(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	// Should not panic
	mux.Unsubscribe("non-existent-id")
}

// TestSerialMux_SendCommand tests sending commands to the serial port
func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	tests := []struct {
		name    string
		command string
	}{
		{"command without newline", "S+"},
		{"command with newline", "S-\n"},
		{"rate command", "R=100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mux.SendCommand(tt.command); err != nil {
				t.Errorf("SendCommand returned error: %v", err)
			}
		})
	}

	// Every command must arrive newline terminated exactly once
	written := port.WrittenData()
	if !strings.Contains(written, "S+\n") {
		t.Error("Expected S+ command to be written with newline")
	}
	if !strings.Contains(written, "S-\n") {
		t.Error("Expected S- command to be written with newline")
	}
	if strings.Contains(written, "S-\n\n") {
		t.Error("Command with trailing newline should not be doubled")
	}
	if !strings.Contains(written, "R=100\n") {
		t.Error("Expected R=100 command to be written with newline")
	}
}

// TestSerialMux_SendCommand_WriteError tests error handling in SendCommand
func TestSerialMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	port.SetWriteError(errors.New("write failed"))

	if err := mux.SendCommand("S+"); err == nil {
		t.Error("Expected error when write fails")
	}
}

// TestSerialMux_Initialize tests the datalogger startup sequence
func TestSerialMux_Initialize(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	if err := mux.Initialize(); err != nil {
		t.Errorf("Initialize returned error: %v", err)
	}

	written := port.WrittenData()
	for _, cmd := range []string{"T=", "FJ", "R=100", "CH=ALL", "S+"} {
		if !strings.Contains(written, cmd) {
			t.Errorf("Expected command %s to be written during initialization", cmd)
		}
	}

	// The clock sync must land before streaming starts
	if strings.Index(written, "T=") > strings.Index(written, "S+") {
		t.Error("Expected clock sync before the start command")
	}
	if !strings.HasSuffix(written, "S+\n") {
		t.Errorf("Expected S+ to be the final command, got %q", written)
	}
}

// TestSerialMux_Initialize_WriteError tests Initialize with write failure
func TestSerialMux_Initialize_WriteError(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	port.SetWriteError(errors.New("write failed"))

	if err := mux.Initialize(); err == nil {
		t.Error("Expected error when write fails during initialization")
	}
}

// TestSerialMux_Close tests closing the serial mux
func TestSerialMux_Close(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("Expected channel %d to be closed", i+1)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("Timeout waiting for channel %d closure", i+1)
		}
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()

	mux.closingMu.Lock()
	if !mux.closing {
		t.Error("Expected closing flag to be true after Close")
	}
	mux.closingMu.Unlock()

	if !port.closed {
		t.Error("Expected underlying port to be closed")
	}

	// Unsubscribing after close should be safe
	mux.Unsubscribe(id1)
}

// TestSerialMux_Monitor tests fanout of port lines to subscribers
func TestSerialMux_Monitor(t *testing.T) {
	frames := `{"t":0.01,"rpm":3000,"map":95,"tps":100}` + "\n" +
		`{"t":0.02,"rpm":3010,"map":95,"tps":100}` + "\n" +
		`#OK S+` + "\n"
	port := NewTestSerialPort(frames)
	mux := NewSerialMux(port)

	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(ctx)
	}()

	collect := func(ch chan string) []string {
		var received []string
		timeout := time.After(150 * time.Millisecond)
		for len(received) < 3 {
			select {
			case line, ok := <-ch:
				if !ok {
					return received
				}
				received = append(received, line)
			case <-timeout:
				return received
			}
		}
		return received
	}

	got1 := collect(ch1)
	got2 := collect(ch2)

	if len(got1) != 3 {
		t.Errorf("Expected subscriber 1 to receive 3 lines, got %d: %v", len(got1), got1)
	}
	if len(got2) != 3 {
		t.Errorf("Expected subscriber 2 to receive 3 lines, got %d: %v", len(got2), got2)
	}
	if len(got1) > 0 && got1[0] != `{"t":0.01,"rpm":3000,"map":95,"tps":100}` {
		t.Errorf("Unexpected first line: %q", got1[0])
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Logf("Monitor returned: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("Monitor did not exit after context deadline")
	}
}

// TestSerialMux_Monitor_ScanError tests Monitor with scanner error
func TestSerialMux_Monitor_ScanError(t *testing.T) {
	port := &ErrorReadPort{errAfter: 2}
	mux := NewSerialMux(port)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := mux.Monitor(ctx)
	// Should get either the read error or context timeout
	if err == nil {
		t.Error("Expected error from Monitor, got nil")
	}
}

// TestSerialMux_Monitor_CloseDuringRead tests closing while Monitor is reading
func TestSerialMux_Monitor_CloseDuringRead(t *testing.T) {
	frames := `{"t":0.01,"rpm":3000,"map":95,"tps":100}` + "\n" +
		`{"t":0.02,"rpm":3010,"map":95,"tps":100}` + "\n"
	port := NewTestSerialPort(frames)
	mux := NewSerialMux(port)

	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(context.Background())
	}()

	// Read a line to ensure monitor is running
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for first line")
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Logf("Monitor returned: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("Monitor did not exit after Close")
	}
}

// TestSerialMux_Monitor_SlowSubscriber tests that a full subscriber buffer
// drops lines instead of stalling the reader loop.
func TestSerialMux_Monitor_SlowSubscriber(t *testing.T) {
	var b strings.Builder
	for i := 0; i < subscriberBuffer+50; i++ {
		b.WriteString(`{"t":1,"rpm":3000,"map":95,"tps":100}` + "\n")
	}
	port := NewTestSerialPort(b.String())
	mux := NewSerialMux(port)

	// Subscribe but never read: the buffer fills and the overflow drops.
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := mux.Monitor(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("Monitor returned: %v", err)
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("Expected a full buffer of %d lines, got %d", subscriberBuffer, len(ch))
	}
}

// ErrorReadPort simulates a port that returns an error after N reads
type ErrorReadPort struct {
	readCount int
	errAfter  int
	closed    bool
}

func (p *ErrorReadPort) Read(buf []byte) (int, error) {
	if p.closed {
		return 0, io.EOF
	}
	p.readCount++
	if p.readCount > p.errAfter {
		return 0, errors.New("simulated read error")
	}
	if len(buf) > 0 {
		buf[0] = '\n'
		return 1, nil
	}
	return 0, nil
}

func (p *ErrorReadPort) Write(data []byte) (int, error) {
	return len(data), nil
}

func (p *ErrorReadPort) Close() error {
	p.closed = true
	return nil
}

// TestSerialMux_AttachAdminRoutes tests the admin routes attachment
func TestSerialMux_AttachAdminRoutes(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	// Debug routes may sit behind tsweb's debug access checks, so anything
	// other than 404 proves the route is registered.
	routes := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/debug/send-command", ""},
		{http.MethodPost, "/debug/send-command-api", "command=S+"},
		{http.MethodGet, "/debug/tail.js", ""},
	}
	for _, rt := range routes {
		t.Run(strings.TrimPrefix(rt.path, "/debug/"), func(t *testing.T) {
			var body io.Reader
			if rt.body != "" {
				body = strings.NewReader(rt.body)
			}
			req := httptest.NewRequest(rt.method, rt.path, body)
			if rt.body != "" {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			if w.Code == http.StatusNotFound {
				t.Errorf("Route %s should be registered, got 404", rt.path)
			}
		})
	}
}

// TestRandomID tests the randomID helper function
func TestRandomID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomID()
		if len(id) != 16 { // 8 bytes hex encoded = 16 chars
			t.Errorf("Expected ID length 16, got %d", len(id))
		}
		if ids[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestSerialMux_SendCommand_PartialWrite tests handling of partial writes
func TestSerialMux_SendCommand_PartialWrite(t *testing.T) {
	port := &PartialWritePort{maxWrite: 1}
	mux := NewSerialMux(port)

	err := mux.SendCommand("S+")
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed for partial write, got %v", err)
	}
}

// PartialWritePort is a test port that only writes a limited number of bytes
type PartialWritePort struct {
	maxWrite int
	written  []byte
	closed   bool
}

func (p *PartialWritePort) Read(buf []byte) (int, error) {
	return 0, io.EOF
}

func (p *PartialWritePort) Write(data []byte) (int, error) {
	if p.maxWrite > 0 && len(data) > p.maxWrite {
		p.written = append(p.written, data[:p.maxWrite]...)
		return p.maxWrite, nil
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *PartialWritePort) Close() error {
	p.closed = true
	return nil
}
