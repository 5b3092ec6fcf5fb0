package serialmux

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// TestAttachAdminRoutes_SendCommandAPI tests the send-command-api endpoint
func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name           string
		method         string
		formData       url.Values
		expectedStatus int
		wantBody       string
	}{
		{
			name:           "valid POST with command",
			method:         http.MethodPost,
			formData:       url.Values{"command": {"S+"}},
			expectedStatus: http.StatusOK,
			wantBody:       "S+",
		},
		{
			name:           "POST with empty command",
			method:         http.MethodPost,
			formData:       url.Values{"command": {""}},
			expectedStatus: http.StatusBadRequest,
			wantBody:       "Missing command",
		},
		{
			name:           "POST with whitespace-only command",
			method:         http.MethodPost,
			formData:       url.Values{"command": {"   "}},
			expectedStatus: http.StatusBadRequest,
			wantBody:       "Missing command",
		},
		{
			name:           "POST without command parameter",
			method:         http.MethodPost,
			formData:       url.Values{},
			expectedStatus: http.StatusBadRequest,
			wantBody:       "Missing command",
		},
		{
			name:           "GET method not allowed",
			method:         http.MethodGet,
			expectedStatus: http.StatusMethodNotAllowed,
			wantBody:       "Method not allowed",
		},
		{
			name:           "PUT method not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.formData != nil {
				body = strings.NewReader(tt.formData.Encode())
			}

			req := localHostRequest(tt.method, "/debug/send-command-api", body)
			if tt.formData != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got: %s", tt.wantBody, w.Body.String())
			}
		})
	}

	// The accepted command must reach the port newline terminated
	if !strings.Contains(port.WrittenData(), "S+\n") {
		t.Errorf("Expected S+ written to port, got %q", port.WrittenData())
	}
}

// TestAttachAdminRoutes_SendCommandAPI_WriteError tests error handling when writing to port fails
func TestAttachAdminRoutes_SendCommandAPI_WriteError(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	port.SetWriteError(io.ErrShortWrite)

	formData := url.Values{"command": {"S+"}}
	req := localHostRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d. Body: %s", w.Code, w.Body.String())
	}
}

// TestAttachAdminRoutes_Tail tests method handling on the tail endpoint
func TestAttachAdminRoutes_Tail(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := localHostRequest(http.MethodPost, "/debug/tail", nil)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestAttachAdminRoutes_TailStream tests that the SSE stream relays lines
func TestAttachAdminRoutes_TailStream(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := localHostRequest(http.MethodGet, "/debug/tail", nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		httpMux.ServeHTTP(w, req)
		close(done)
	}()

	// Wait for the handler's subscription to land, then push a line through
	// the fanout path the way Monitor would.
	var ch chan string
	deadline := time.Now().Add(2 * time.Second)
	for ch == nil {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for tail subscription")
		}
		mux.subscriberMu.Lock()
		for _, c := range mux.subscribers {
			ch = c
		}
		mux.subscriberMu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	line := `{"t":1.5,"rpm":3200,"map":96,"tps":100}`
	ch <- line

	// Once the handler drains the channel the event write is unconditional,
	// so closing the mux here cannot truncate it.
	for len(ch) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for handler to drain line")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mux.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tail handler did not exit after Close")
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, ": ping\n\n") {
		t.Errorf("Expected SSE ping preamble, got %q", body)
	}
	if !strings.Contains(body, "data: "+line+"\n\n") {
		t.Errorf("Expected SSE data event for %q, got %q", line, body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

// TestAttachAdminRoutes_SendCommand tests the send-command HTML page
func TestAttachAdminRoutes_SendCommand(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := localHostRequest(http.MethodGet, "/debug/send-command", nil)
	w := httptest.NewRecorder()

	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	body := w.Body.String()
	if !strings.Contains(body, "command-form") {
		t.Error("Expected the command form in the console page")
	}
	if !strings.Contains(body, "tail.js") {
		t.Error("Expected the console page to load tail.js")
	}
}

// TestAttachAdminRoutes_TailJS tests the tail.js endpoint
func TestAttachAdminRoutes_TailJS(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := localHostRequest(http.MethodGet, "/debug/tail.js", nil)
	w := httptest.NewRecorder()

	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected Content-Type to contain 'javascript', got: %s", ct)
	}
	if !strings.Contains(w.Body.String(), "EventSource") {
		t.Error("Expected tail.js to open an EventSource")
	}
}
