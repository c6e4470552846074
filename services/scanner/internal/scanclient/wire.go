package scanclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"dermascan/pkg/domain"
)

const statusSuccess = "success"

type adviceWire struct {
	Assessment      string   `json:"assessment"`
	KeyFeatures     []string `json:"key_features"`
	Recommendations []string `json:"recommendations"`
}

type scanResponse struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Diagnosis  string          `json:"diagnosis"`
	ImageURL   string          `json:"image_url"`
	Confidence json.RawMessage `json:"confidence"`
	Report     *adviceWire     `json:"report"`
}

type historyResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
}

type historyItemWire struct {
	ID            json.RawMessage `json:"id"`
	UserID        string          `json:"user_id"`
	ImageURL      string          `json:"image_url"`
	Diagnosis     string          `json:"diagnosis"`
	Confidence    json.RawMessage `json:"confidence"`
	MedicalAdvice json.RawMessage `json:"medical_advice"`
	CreatedAt     string          `json:"created_at"`
}

type profileWire struct {
	ID       string  `json:"id"`
	FullName *string `json:"full_name"`
	Email    *string `json:"email"`
	Age      *int    `json:"age"`
	Gender   *string `json:"gender"`
	SkinType *string `json:"skin_type"`
	Role     *string `json:"role"`
	Phone    *string `json:"phone"`
}

type profileResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Data    *profileWire `json:"data"`
}

type profileUpdateResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Data    []profileWire `json:"data"`
}

func (p profileWire) attributes() domain.ProfileAttributes {
	return domain.ProfileAttributes{
		FullName: deref(p.FullName),
		Age:      p.Age,
		Gender:   deref(p.Gender),
		SkinType: deref(p.SkinType),
		Role:     deref(p.Role),
		Phone:    deref(p.Phone),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func (a adviceWire) result(diagnosis string, confidence *float64) domain.AnalysisResult {
	return domain.AnalysisResult{
		Diagnosis:       domain.ParseDiagnosis(diagnosis),
		Assessment:      a.Assessment,
		KeyFeatures:     nonNil(a.KeyFeatures),
		Recommendations: nonNil(a.Recommendations),
		Confidence:      confidence,
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// decodeAdvice accepts medical_advice as an object, a JSON-encoded string
// holding that object, or null.
func decodeAdvice(raw json.RawMessage) (adviceWire, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return adviceWire{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return adviceWire{}, err
		}
		raw = bytes.TrimSpace([]byte(s))
		if len(raw) == 0 {
			return adviceWire{}, nil
		}
	}
	var advice adviceWire
	if err := json.Unmarshal(raw, &advice); err != nil {
		return adviceWire{}, err
	}
	return advice, nil
}

// decodeID accepts string and numeric ids.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		if strings.TrimSpace(s) == "" {
			return "", errors.New("missing id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// decodeConfidence accepts a number or numeric string; anything else is nil.
func decodeConfidence(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return &f
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// messageFromBody extracts a human-readable failure message from an error
// response: a JSON message/detail/error/status field, else an HTML page title.
func messageFromBody(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"message", "detail", "error", "status"} {
			if msg := textOf(payload[key]); msg != "" {
				return msg
			}
		}
		return ""
	}
	return htmlTitle(body)
}

func textOf(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		if msg := textOf(val["msg"]); msg != "" {
			return msg
		}
		return textOf(val["message"])
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if msg := textOf(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func htmlTitle(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var fallback string
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if text := strings.TrimSpace(nodeText(n)); text != "" {
					return text
				}
			case "h1":
				if fallback == "" {
					fallback = strings.TrimSpace(nodeText(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title := walk(c); title != "" {
				return title
			}
		}
		return ""
	}
	if title := walk(doc); title != "" {
		return title
	}
	return fallback
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
