package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentPay-Chain/internal/callerctx"

	"github.com/ethereum/go-ethereum/common"
)

func TestInvokeRoundTripThroughHandler(t *testing.T) {
	var seen *callerctx.CallerContext
	handler := Handler(func(ctx context.Context, input json.RawMessage) (any, error) {
		seen = callerctx.FromContext(ctx)
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, &ClientError{Message: "bad input"}
		}
		return map[string]string{"summary": strings.ToUpper(in.Text)}, nil
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cc := callerctx.Root(common.HexToAddress("0x00000000000000000000000000000000000000a1"), "intent-1")
	out, err := NewHTTPInvoker().Invoke(context.Background(), srv.URL, Request{
		Input:         json.RawMessage(`{"text":"hi"}`),
		CallerContext: cc,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if strings.TrimSpace(string(out)) != `{"summary":"HI"}` {
		t.Fatalf("unexpected output %s", out)
	}
	if seen == nil || seen.OriginIntentID != "intent-1" || seen.CallerAddress != cc.CallerAddress {
		t.Fatalf("caller context not propagated: %+v", seen)
	}
}

func TestInvokeNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(Handler(func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("model crashed")
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker().Invoke(context.Background(), srv.URL, Request{Input: json.RawMessage(`{}`)})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Message != "model crashed" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestInvokeReturnsMalformedBodyUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	out, err := NewHTTPInvoker().Invoke(context.Background(), srv.URL, Request{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("malformed bodies are for the validator to judge: %v", err)
	}
	if string(out) != "not json at all" {
		t.Fatalf("unexpected body %q", out)
	}
}

func TestInvokeHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPInvoker().Invoke(ctx, srv.URL, Request{Input: json.RawMessage(`{}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInvokeRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(WithMaxResponseBytes(16)).Invoke(context.Background(), srv.URL, Request{Input: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := Handler(func(context.Context, json.RawMessage) (any, error) { return "ok", nil })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerClientError(t *testing.T) {
	h := Handler(func(context.Context, json.RawMessage) (any, error) {
		return nil, &ClientError{Message: "text too long"}
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"input":{}}`)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "text too long") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
