package domain

import (
	"strings"
	"time"
)

// Diagnosis is the closed set of classifications the client understands.
type Diagnosis string

const (
	DiagnosisMonkeypox  Diagnosis = "Monkeypox"
	DiagnosisChickenpox Diagnosis = "Chickenpox"
	DiagnosisMeasles    Diagnosis = "Measles"
	DiagnosisNormal     Diagnosis = "Normal"
)

// ParseDiagnosis maps a server value onto the closed enum.
// Anything unrecognized becomes DiagnosisNormal.
func ParseDiagnosis(raw string) Diagnosis {
	switch d := Diagnosis(strings.TrimSpace(raw)); d {
	case DiagnosisMonkeypox, DiagnosisChickenpox, DiagnosisMeasles, DiagnosisNormal:
		return d
	default:
		return DiagnosisNormal
	}
}

// IsDisease reports whether the diagnosis is anything other than Normal.
func (d Diagnosis) IsDisease() bool {
	return d != DiagnosisNormal
}

type AnalysisResult struct {
	Diagnosis       Diagnosis `json:"diagnosis"`
	Assessment      string    `json:"assessment"`
	KeyFeatures     []string  `json:"keyFeatures"`
	Recommendations []string  `json:"recommendations"`
	Confidence      *float64  `json:"confidence,omitempty"`
}

// TopRecommendation returns the first recommendation or "".
func (r AnalysisResult) TopRecommendation() string {
	if len(r.Recommendations) == 0 {
		return ""
	}
	return r.Recommendations[0]
}

type HistoryEntry struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Result    AnalysisResult `json:"result"`
	ImageURL  string         `json:"imageUrl,omitempty"`
}

type ProfileAttributes struct {
	FullName string `json:"fullName,omitempty"`
	Age      *int   `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	SkinType string `json:"skinType,omitempty"`
	Role     string `json:"role,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// ProfileUpdate is a partial profile change. A nil field is left untouched;
// a pointer to the zero value clears the attribute.
type ProfileUpdate struct {
	FullName *string
	Age      *int
	Gender   *string
	SkinType *string
	Role     *string
	Phone    *string
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.Age == nil && u.Gender == nil &&
		u.SkinType == nil && u.Role == nil && u.Phone == nil
}

type Identity struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"displayName"`
	Profile     ProfileAttributes `json:"profile"`
}

// DisplayNameFor picks the first usable name from provider metadata and
// falls back to the local part of the email.
func DisplayNameFor(email string, candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(email), "@"); ok && local != "" {
		return local
	}
	return "User"
}

// HistoryStats backs the profile summary.
type HistoryStats struct {
	Total      int `json:"total"`
	Detections int `json:"detections"`
	Monkeypox  int `json:"monkeypox"`
}

// StatsFor computes summary counts over entries.
func StatsFor(entries []HistoryEntry) HistoryStats {
	stats := HistoryStats{Total: len(entries)}
	for _, e := range entries {
		if e.Result.Diagnosis.IsDisease() {
			stats.Detections++
		}
		if e.Result.Diagnosis == DiagnosisMonkeypox {
			stats.Monkeypox++
		}
	}
	return stats
}
