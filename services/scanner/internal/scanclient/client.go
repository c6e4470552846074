package scanclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sony/gobreaker"

	"dermascan/internal/util"
	"dermascan/pkg/domain"
)

// DefaultMaxImageBytes is the upload ceiling when none is configured.
const DefaultMaxImageBytes int64 = 5 * 1024 * 1024

const (
	defaultTimeout         = 60 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	pingTimeout            = 5 * time.Second
	maxResponseBytes       = 8 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxImageBytes   int64
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// Client calls the analysis server over HTTP.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxImageBytes int64
	breaker       *gobreaker.CircuitBreaker
}

// Image is a candidate upload.
type Image struct {
	Filename string
	Data     []byte
}

// Submission is a successful analysis.
type Submission struct {
	Analysis domain.AnalysisResult
	ImageURL string
}

// NewClient constructs an analysis server client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: util.WithRequestLog("scanclient", nil),
		}
	}
	c := &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:    httpClient,
		maxImageBytes: maxBytes,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scanclient",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsKind(err, KindConnectivity) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// BaseURL returns the configured server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type uploadHookKey struct{}

// WithUploadComplete registers fn to run once the upload body has been sent.
func WithUploadComplete(ctx context.Context, fn func()) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, uploadHookKey{}, fn)
}

// ValidateImage checks size and content type without touching the network.
// It returns the sniffed MIME type and file extension.
func ValidateImage(data []byte, maxBytes int64) (string, string, error) {
	const op = "validate"
	if len(data) == 0 {
		return "", "", validationError(op, ErrEmptyImage, "")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", "", validationError(op, ErrImageTooLarge, fmt.Sprintf("max %.1f MB", float64(maxBytes)/(1024*1024)))
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", "", validationError(op, ErrUnsupportedImage, mt.String())
	}
	ext := strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" {
		ext = "img"
	}
	return mt.String(), ext, nil
}

// Submit uploads an image for analysis. An empty identityID submits anonymously.
func (c *Client) Submit(ctx context.Context, img Image, identityID string) (Submission, error) {
	const op = "scan"
	contentType, ext, err := ValidateImage(img.Data, c.maxImageBytes)
	if err != nil {
		return Submission{}, err
	}

	filename := fmt.Sprintf("skin-image-%d-%s.%s", time.Now().UnixMilli(), util.ShortToken(8), ext)
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return Submission{}, err
	}
	if _, err := part.Write(img.Data); err != nil {
		return Submission{}, err
	}
	if identityID = strings.TrimSpace(identityID); identityID != "" {
		if err := writer.WriteField("user_id", identityID); err != nil {
			return Submission{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return Submission{}, err
	}

	if hook, ok := ctx.Value(uploadHookKey{}).(func()); ok {
		var once sync.Once
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(info httptrace.WroteRequestInfo) {
				if info.Err == nil {
					once.Do(hook)
				}
			},
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scan", body)
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp scanResponse
	if err := c.do(op, req, &resp); err != nil {
		return Submission{}, err
	}
	if resp.Status != statusSuccess {
		msg := firstNonEmpty(resp.Message, resp.Status, "scan failed")
		return Submission{}, serverError(op, http.StatusOK, msg)
	}
	if resp.Report == nil {
		return Submission{}, serverError(op, http.StatusOK, "analysis response is missing its report")
	}
	util.LoggerFromContext(ctx).Info("scan_complete", "file", img.Filename, "upload", filename, "diagnosis", resp.Diagnosis)
	return Submission{
		Analysis: resp.Report.result(resp.Diagnosis, decodeConfidence(resp.Confidence)),
		ImageURL: resp.ImageURL,
	}, nil
}

// FetchHistory returns the identity's analyses in server order.
func (c *Client) FetchHistory(ctx context.Context, identityID string) ([]domain.HistoryEntry, error) {
	const op = "history"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(identityID), nil)
	if err != nil {
		return nil, err
	}
	var resp historyResponse
	if err := c.do(op, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != statusSuccess {
		return nil, serverError(op, http.StatusOK, firstNonEmpty(resp.Message, "failed to fetch history"))
	}

	logger := util.LoggerFromContext(ctx)
	entries := make([]domain.HistoryEntry, 0, len(resp.Data))
	for i, raw := range resp.Data {
		var item historyItemWire
		if err := json.Unmarshal(raw, &item); err != nil {
			logger.Warn("history_entry_skipped", "index", i, "err", decodeError(op, err))
			continue
		}
		id, err := decodeID(item.ID)
		if err != nil {
			logger.Warn("history_entry_skipped", "index", i, "err", decodeError(op, err))
			continue
		}
		advice, err := decodeAdvice(item.MedicalAdvice)
		if err != nil {
			logger.Warn("history_advice_malformed", "id", id, "err", decodeError(op, err))
			advice = adviceWire{}
		}
		createdAt, ok := parseTimestamp(item.CreatedAt)
		if !ok {
			logger.Warn("history_created_at_unparsed", "id", id, "value", item.CreatedAt,
				"err", decodeError(op, fmt.Errorf("unrecognized timestamp %q", item.CreatedAt)))
		}
		entries = append(entries, domain.HistoryEntry{
			ID:        id,
			CreatedAt: createdAt,
			Result:    advice.result(item.Diagnosis, decodeConfidence(item.Confidence)),
			ImageURL:  item.ImageURL,
		})
	}
	return entries, nil
}

// FetchProfile returns nil without error when the server has no profile.
func (c *Client) FetchProfile(ctx context.Context, identityID string) (*domain.ProfileAttributes, error) {
	const op = "profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile/"+url.PathEscape(identityID), nil)
	if err != nil {
		return nil, err
	}
	var resp profileResponse
	if err := c.do(op, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != statusSuccess || resp.Data == nil {
		return nil, nil
	}
	attrs := resp.Data.attributes()
	return &attrs, nil
}

// UpdateProfile sends the set fields of update and returns the stored profile.
func (c *Client) UpdateProfile(ctx context.Context, identityID string, update domain.ProfileUpdate) (domain.ProfileAttributes, error) {
	const op = "profile_update"
	payload := map[string]any{"user_id": identityID}
	setText := func(key string, v *string) {
		if v == nil {
			return
		}
		if s := strings.TrimSpace(*v); s != "" {
			payload[key] = s
		} else {
			payload[key] = nil
		}
	}
	setText("full_name", update.FullName)
	setText("gender", update.Gender)
	setText("skin_type", update.SkinType)
	setText("role", update.Role)
	setText("phone", update.Phone)
	if update.Age != nil {
		if *update.Age > 0 {
			payload["age"] = *update.Age
		} else {
			payload["age"] = nil
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ProfileAttributes{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/profile/update", bytes.NewReader(data))
	if err != nil {
		return domain.ProfileAttributes{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp profileUpdateResponse
	if err := c.do(op, req, &resp); err != nil {
		return domain.ProfileAttributes{}, err
	}
	if resp.Status != statusSuccess {
		return domain.ProfileAttributes{}, serverError(op, http.StatusOK, firstNonEmpty(resp.Message, "failed to update profile"))
	}
	if len(resp.Data) == 0 {
		return domain.ProfileAttributes{}, serverError(op, http.StatusOK, "profile update returned no profile")
	}
	return resp.Data[0].attributes(), nil
}

// Ping reports whether the server answers GET / within five seconds.
// It bypasses the circuit breaker so it can observe recovery.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type rawResponse struct {
	status     int
	statusText string
	body       []byte
}

func (c *Client) do(op string, req *http.Request, out any) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, c.connectivityError(op, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, c.connectivityError(op, err)
		}
		return rawResponse{status: resp.StatusCode, statusText: resp.Status, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return c.connectivityError(op, err)
		}
		return err
	}
	raw := result.(rawResponse)
	if raw.status < 200 || raw.status >= 300 {
		msg := messageFromBody(raw.body)
		if msg == "" {
			msg = "server error: " + raw.statusText
		}
		return serverError(op, raw.status, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw.body, out); err != nil {
		return decodeError(op, err)
	}
	return nil
}

func (c *Client) connectivityError(op string, err error) *Error {
	return &Error{
		Kind: KindConnectivity,
		Op:   op,
		Message: fmt.Sprintf(
			"cannot connect to the analysis server at %s; make sure the server is running and the API base URL is configured correctly",
			c.baseURL,
		),
		Err: err,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
