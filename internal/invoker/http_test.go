package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestHTTPInvoker_Success(t *testing.T) {
	var gotKey string
	var gotBody api.TaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"result":{"url":"s3://docs/1.pdf","pages":12}}`))
	}))
	defer srv.Close()

	out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), time.Second)
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out.Failure)
	}
	if out.Result["url"] != "s3://docs/1.pdf" || out.Result["pages"] != float64(12) {
		t.Fatalf("unexpected result: %v", out.Result)
	}
	if gotKey != "job-1:Generate:4:0" {
		t.Fatalf("unexpected idempotency key %q", gotKey)
	}
	if gotBody.JobID != "job-1" || gotBody.State != "Generate" || gotBody.Version != 4 || gotBody.Payload["doc"] != "spec.pdf" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestHTTPInvoker_BodyWithoutResultField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), time.Second)
	if !out.OK() || out.Result["ok"] != true {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHTTPInvoker_FailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   api.FailureKind
		detail string
	}{
		{"explicit kind", http.StatusInternalServerError, `{"errorKind":"Timeout","detail":"renderer stalled"}`, api.FailureTimeout, "renderer stalled"},
		{"plain 500", http.StatusInternalServerError, `oops`, api.FailureWorkerError, "worker answered HTTP 500: oops"},
		{"503", http.StatusServiceUnavailable, ``, api.FailureWorkerUnavailable, "worker answered HTTP 503"},
		{"unknown kind ignored", http.StatusBadRequest, `{"errorKind":"Bogus"}`, api.FailureWorkerError, "worker answered HTTP 400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), time.Second)
			if out.OK() {
				t.Fatalf("expected failure")
			}
			if out.Failure.Kind != tt.want || out.Failure.Detail != tt.detail {
				t.Fatalf("got %s %q, want %s %q", out.Failure.Kind, out.Failure.Detail, tt.want, tt.detail)
			}
		})
	}
}

func TestHTTPInvoker_ErrorBodyOnSuccessStatus(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   api.FailureKind
		detail string
	}{
		{"worker error", `{"errorKind":"WorkerError","detail":"model refused"}`, api.FailureWorkerError, "model refused"},
		{"declared kind", `{"errorKind":"WorkerUnavailable","detail":"renderer pool empty"}`, api.FailureWorkerUnavailable, "renderer pool empty"},
		{"unknown kind", `{"errorKind":"Quota"}`, api.FailureWorkerError, "worker reported Quota"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), time.Second)
			if out.OK() {
				t.Fatalf("expected failure, got result %v", out.Result)
			}
			if out.Failure.Kind != tt.want || out.Failure.Detail != tt.detail {
				t.Fatalf("got %s %q, want %s %q", out.Failure.Kind, out.Failure.Detail, tt.want, tt.detail)
			}
		})
	}
}

func TestHTTPInvoker_ResultWinsOverErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"errorKind":"none"}}`))
	}))
	defer srv.Close()

	out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), time.Second)
	if !out.OK() || out.Result["errorKind"] != "none" {
		t.Fatalf("expected success carrying the result, got %+v", out)
	}
}

func TestHTTPInvoker_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	out := NewHTTPInvoker().Invoke(context.Background(), request(srv.URL), 50*time.Millisecond)
	if out.OK() || out.Failure.Kind != api.FailureTimeout {
		t.Fatalf("expected Timeout, got %+v", out)
	}
}

func TestHTTPInvoker_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := NewHTTPInvoker().Invoke(context.Background(), request(url), time.Second)
	if out.OK() || out.Failure.Kind != api.FailureWorkerUnavailable {
		t.Fatalf("expected WorkerUnavailable, got %+v", out)
	}
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"via":"http"}}`))
	}))
	defer srv.Close()

	r := NewRouter()
	r.Local.Handle("local", func(context.Context, api.TaskRequest) (map[string]any, error) {
		return map[string]any{"via": "local"}, nil
	})

	if out := r.Invoke(context.Background(), request("local"), time.Second); out.Result["via"] != "local" {
		t.Fatalf("expected local dispatch, got %+v", out)
	}
	if out := r.Invoke(context.Background(), request(srv.URL), time.Second); out.Result["via"] != "http" {
		t.Fatalf("expected http dispatch, got %+v", out)
	}
}
