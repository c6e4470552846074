package scanclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"

	"dermascan/internal/util"
	"dermascan/pkg/domain"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitSendsMultipartAndMapsResult(t *testing.T) {
	var gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/scan" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotRequestID = r.Header.Get(util.RequestIDHeader)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("user_id"); got != "user-1" {
			t.Errorf("user_id = %q, want user-1", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			defer file.Close()
			if !strings.HasPrefix(header.Filename, "skin-image-") || !strings.HasSuffix(header.Filename, ".png") {
				t.Errorf("filename = %q", header.Filename)
			}
			if ct := header.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("part content type = %q", ct)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"diagnosis": "Measles",
			"image_url": "https://cdn.example.com/a.png",
			"report": map[string]any{
				"assessment":      "Rash consistent with measles.",
				"key_features":    []string{"maculopapular rash"},
				"recommendations": []string{"See a doctor", "Isolate"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Transport: util.WithRequestLog("test", nil)},
	})
	var uploaded atomic.Bool
	ctx := WithUploadComplete(context.Background(), func() { uploaded.Store(true) })
	ctx = util.WithRequestID(ctx, "req-42")

	sub, err := client.Submit(ctx, Image{Filename: "arm.png", Data: pngBytes}, "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Analysis.Diagnosis != domain.DiagnosisMeasles {
		t.Fatalf("diagnosis = %q", sub.Analysis.Diagnosis)
	}
	if sub.Analysis.TopRecommendation() != "See a doctor" || len(sub.Analysis.KeyFeatures) != 1 {
		t.Fatalf("unexpected analysis %+v", sub.Analysis)
	}
	if sub.ImageURL != "https://cdn.example.com/a.png" {
		t.Fatalf("image url = %q", sub.ImageURL)
	}
	if !uploaded.Load() {
		t.Fatalf("expected upload-complete hook to fire")
	}
	if gotRequestID != "req-42" {
		t.Fatalf("request id = %q, want req-42", gotRequestID)
	}
}

func TestSubmitAnonymousOmitsUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, ok := r.MultipartForm.Value["user_id"]; ok {
			t.Errorf("anonymous submit should not send user_id")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"diagnosis": "Psoriasis",
			"report":    map[string]any{"assessment": "unclear"},
		})
	}))
	defer srv.Close()

	sub, err := NewClient(Config{BaseURL: srv.URL}).Submit(context.Background(), Image{Data: pngBytes}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Analysis.Diagnosis != domain.DiagnosisNormal {
		t.Fatalf("unknown diagnosis should coerce to Normal, got %q", sub.Analysis.Diagnosis)
	}
	if sub.Analysis.KeyFeatures == nil || sub.Analysis.Recommendations == nil {
		t.Fatalf("missing lists should decode as empty, got %+v", sub.Analysis)
	}
}

func TestSubmitValidationNeverTouchesNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MaxImageBytes: 64})
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrEmptyImage},
		{name: "too large", data: append(append([]byte{}, pngBytes...), make([]byte, 128)...), want: ErrImageTooLarge},
		{name: "not an image", data: []byte("hello, this is plain text"), want: ErrUnsupportedImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Submit(context.Background(), Image{Data: tc.data}, "user-1")
			if !IsKind(err, KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if hits.Load() != 0 {
		t.Fatalf("validation failures reached the server %d times", hits.Load())
	}
}

func TestSubmitRejectsPartialResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "diagnosis": "Monkeypox"})
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Submit(context.Background(), Image{Data: pngBytes}, "user-1")
	if !IsKind(err, KindServer) {
		t.Fatalf("expected server error for missing report, got %v", err)
	}
}

func TestSubmitStatusNotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "model unavailable"})
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Submit(context.Background(), Image{Data: pngBytes}, "user-1")
	if !IsKind(err, KindServer) || err.Error() != "model unavailable" {
		t.Fatalf("expected server error with message, got %v", err)
	}
}

func TestServerErrorMessages(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		status      int
		body        string
		want        string
	}{
		{name: "message", contentType: "application/json", status: 400, body: `{"message":"bad image"}`, want: "bad image"},
		{name: "fastapi detail", contentType: "application/json", status: 422, body: `{"detail":[{"msg":"field required"}]}`, want: "field required"},
		{name: "html title", contentType: "text/html", status: 502, body: "<html><head><title>502 Bad Gateway</title></head><body>nginx</body></html>", want: "502 Bad Gateway"},
		{name: "empty", contentType: "text/plain", status: 503, body: "", want: "server error: 503 Service Unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL}).Submit(context.Background(), Image{Data: pngBytes}, "user-1")
			var scanErr *Error
			if !errors.As(err, &scanErr) || scanErr.Kind != KindServer {
				t.Fatalf("expected server error, got %v", err)
			}
			if scanErr.Status != tc.status || scanErr.Message != tc.want {
				t.Fatalf("got status=%d message=%q, want %d %q", scanErr.Status, scanErr.Message, tc.status, tc.want)
			}
		})
	}
}

func TestConnectivityFailuresOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("dial tcp: connection refused")
	})
	client := NewClient(Config{
		BaseURL:         "http://scanner.invalid:8000",
		BreakerFailures: 2,
		HTTPClient:      &http.Client{Transport: transport},
	})

	for i := 0; i < 2; i++ {
		_, err := client.FetchHistory(context.Background(), "user-1")
		if !IsKind(err, KindConnectivity) {
			t.Fatalf("call %d: expected connectivity error, got %v", i, err)
		}
		if !strings.Contains(err.Error(), "http://scanner.invalid:8000") {
			t.Fatalf("guidance should name the base url, got %q", err.Error())
		}
	}
	_, err := client.FetchHistory(context.Background(), "user-1")
	if !IsKind(err, KindConnectivity) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("transport calls = %d, want 2", calls.Load())
	}
}

func TestServerErrorsDoNotOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "boom"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, BreakerFailures: 1})
	for i := 0; i < 3; i++ {
		if _, err := client.FetchHistory(context.Background(), "user-1"); !IsKind(err, KindServer) {
			t.Fatalf("call %d: expected server error, got %v", i, err)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits = %d, want 3", hits.Load())
	}
}

func TestFetchHistoryDecodesAdviceShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/user-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"status":"success","data":[
			{"id":"h3","diagnosis":"Monkeypox","confidence":0.91,"created_at":"2024-05-03T10:00:00Z",
			 "medical_advice":{"assessment":"a","key_features":["k"],"recommendations":["r1","r2"]}},
			{"id":2,"diagnosis":"Chickenpox","created_at":"2024-05-02 09:30:00.123456+00",
			 "medical_advice":"{\"assessment\":\"b\",\"key_features\":[],\"recommendations\":[\"rest\"]}"},
			{"id":"h1","diagnosis":"Normal","created_at":"2024-05-01T08:00:00",
			 "medical_advice":"not json"},
			{"id":"h0","diagnosis":"weird","medical_advice":null}
		]}`)
	}))
	defer srv.Close()

	entries, err := NewClient(Config{BaseURL: srv.URL}).FetchHistory(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[0].ID != "h3" || entries[1].ID != "2" || entries[2].ID != "h1" || entries[3].ID != "h0" {
		t.Fatalf("server order not preserved: %+v", entries)
	}
	if entries[0].Result.Confidence == nil || *entries[0].Result.Confidence != 0.91 {
		t.Fatalf("confidence not decoded: %+v", entries[0].Result)
	}
	if entries[1].Result.TopRecommendation() != "rest" || entries[1].CreatedAt.IsZero() {
		t.Fatalf("string advice not decoded: %+v", entries[1])
	}
	if entries[2].Result.Assessment != "" || len(entries[2].Result.KeyFeatures) != 0 || entries[2].Result.Recommendations == nil {
		t.Fatalf("malformed advice should fall back to empty lists: %+v", entries[2].Result)
	}
	if entries[3].Result.Diagnosis != domain.DiagnosisNormal {
		t.Fatalf("unknown diagnosis should coerce to Normal, got %q", entries[3].Result.Diagnosis)
	}
	stats := domain.StatsFor(entries)
	if stats.Total != 4 || stats.Detections != 2 || stats.Monkeypox != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestFetchHistoryLogsUnparsedTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","data":[
			{"id":"h1","diagnosis":"Measles","created_at":"last tuesday","medical_advice":null}
		]}`)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	ctx := util.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))
	entries, err := NewClient(Config{BaseURL: srv.URL}).FetchHistory(ctx, "user-1")
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(entries) != 1 || !entries[0].CreatedAt.IsZero() || entries[0].Result.Diagnosis != domain.DiagnosisMeasles {
		t.Fatalf("entry should be kept with a zero time: %+v", entries)
	}
	out := logs.String()
	if !strings.Contains(out, "history_created_at_unparsed") || !strings.Contains(out, "last tuesday") {
		t.Fatalf("expected unparsed timestamp warning, got %q", out)
	}
}

func TestFetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data":   map[string]any{"id": "user-1", "full_name": "Ana Silva", "age": 31, "skin_type": "Oily", "role": "patient", "phone": nil},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	profile, err := client.FetchProfile(context.Background(), "missing")
	if err != nil || profile != nil {
		t.Fatalf("expected no profile, got %+v (%v)", profile, err)
	}
	profile, err = client.FetchProfile(context.Background(), "user-1")
	if err != nil || profile == nil {
		t.Fatalf("fetch profile: %+v (%v)", profile, err)
	}
	if profile.FullName != "Ana Silva" || profile.Age == nil || *profile.Age != 31 || profile.Phone != "" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestUpdateProfileSendsSetFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/profile/update" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["user_id"] != "user-1" || body["full_name"] != "Ana S." {
			t.Errorf("unexpected body %v", body)
		}
		if v, ok := body["age"]; !ok || v != nil {
			t.Errorf("cleared age should be sent as null, got %v (%v)", v, ok)
		}
		if _, ok := body["gender"]; ok {
			t.Errorf("unset fields should be omitted")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data":   []map[string]any{{"id": "user-1", "full_name": "Ana S.", "age": nil}},
		})
	}))
	defer srv.Close()

	name := "Ana S."
	zero := 0
	attrs, err := NewClient(Config{BaseURL: srv.URL}).UpdateProfile(context.Background(), "user-1", domain.ProfileUpdate{FullName: &name, Age: &zero})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if attrs.FullName != "Ana S." || attrs.Age != nil {
		t.Fatalf("unexpected attrs %+v", attrs)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":"ok"}`)
	}))
	client := NewClient(Config{BaseURL: srv.URL})
	if !client.Ping(context.Background()) {
		t.Fatalf("expected healthy server")
	}
	srv.Close()
	if client.Ping(context.Background()) {
		t.Fatalf("expected closed server to be unhealthy")
	}
}
