package detector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultEntities are the entity classes requested from the analyzer.
var DefaultEntities = []string{
	"PERSON", "LOCATION", "ORGANIZATION", "PHONE_NUMBER", "EMAIL_ADDRESS",
	"DATE_TIME", "IP_ADDRESS", "URL", "CREDIT_CARD", "US_SSN",
}

type PresidioOptions struct {
	AnalyzerURL    string
	AnonymizerURL  string
	Language       string
	Entities       []string
	ScoreThreshold float64
	Timeout        time.Duration
	RateLimit      float64
}

// Presidio talks to the analyzer and anonymizer REST services.
type Presidio struct {
	analyzeURL   string
	anonymizeURL string
	language     string
	entities     []string
	threshold    float64
	http         *httpClient
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
}

type analyzerResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

type operatorConfig struct {
	Type     string `json:"type"`
	NewValue string `json:"new_value"`
}

type anonymizeRequest struct {
	Text            string                    `json:"text"`
	Anonymizers     map[string]operatorConfig `json:"anonymizers"`
	AnalyzerResults []analyzerResult          `json:"analyzer_results"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

// NewPresidio checks both services answer on /health before returning.
func NewPresidio(ctx context.Context, opts PresidioOptions) (*Presidio, error) {
	analyzer := strings.TrimRight(strings.TrimSpace(opts.AnalyzerURL), "/")
	anonymizer := strings.TrimRight(strings.TrimSpace(opts.AnonymizerURL), "/")
	if analyzer == "" || anonymizer == "" {
		return nil, fmt.Errorf("%w: presidio analyzer and anonymizer URLs are required", ErrUnavailable)
	}

	language := opts.Language
	if language == "" {
		language = "en"
	}
	entities := opts.Entities
	if len(entities) == 0 {
		entities = DefaultEntities
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &Presidio{
		analyzeURL:   analyzer + "/analyze",
		anonymizeURL: anonymizer + "/anonymize",
		language:     language,
		entities:     entities,
		threshold:    opts.ScoreThreshold,
		http:         newHTTPClient(timeout, opts.RateLimit),
	}

	for _, base := range []string{analyzer, anonymizer} {
		if _, err := p.http.get(ctx, base+"/health"); err != nil {
			return nil, fmt.Errorf("%w: presidio health check %s: %v", ErrUnavailable, base, err)
		}
	}
	return p, nil
}

func (p *Presidio) Anonymize(ctx context.Context, text string) (string, error) {
	var results []analyzerResult
	err := p.http.postJSON(ctx, p.analyzeURL, analyzeRequest{
		Text:           text,
		Language:       p.language,
		Entities:       p.entities,
		ScoreThreshold: p.threshold,
	}, &results)
	if err != nil {
		return "", fmt.Errorf("presidio analyze: %w", err)
	}
	if len(results) == 0 {
		return text, nil
	}

	var resp anonymizeResponse
	err = p.http.postJSON(ctx, p.anonymizeURL, anonymizeRequest{
		Text: text,
		Anonymizers: map[string]operatorConfig{
			"DEFAULT": {Type: "replace", NewValue: Tag},
		},
		AnalyzerResults: results,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("presidio anonymize: %w", err)
	}
	return resp.Text, nil
}

var _ Detector = (*Presidio)(nil)
