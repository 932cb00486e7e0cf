package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type OllamaOptions struct {
	Endpoint  string
	Model     string
	Threshold float64
	Timeout   time.Duration
	RateLimit float64
}

// Ollama asks a local model for entity spans.
type Ollama struct {
	generateURL string
	model       string
	threshold   float64
	http        *httpClient
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

type ollamaTags struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

const ollamaPrompt = `Analyze the following email text for personally identifying information.
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found
- "type": one of: name, location, organization, phone, email, date, ipAddress, url, creditCard, governmentId
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"name","confidence":0.95}]`

// NewOllama checks the model is installed on the endpoint.
func NewOllama(ctx context.Context, opts OllamaOptions) (*Ollama, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	model := strings.TrimSpace(opts.Model)
	if endpoint == "" || model == "" {
		return nil, fmt.Errorf("%w: ollama endpoint and model are required", ErrUnavailable)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	o := &Ollama{
		generateURL: endpoint + "/api/generate",
		model:       model,
		threshold:   opts.Threshold,
		http:        newHTTPClient(timeout, opts.RateLimit),
	}

	data, err := o.http.get(ctx, endpoint+"/api/tags")
	if err != nil {
		return nil, fmt.Errorf("%w: ollama %s: %v", ErrUnavailable, endpoint, err)
	}
	var tags ollamaTags
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("%w: ollama tags: %v", ErrUnavailable, err)
	}
	for _, m := range tags.Models {
		if modelMatches(model, m.Name) || modelMatches(model, m.Model) {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: ollama model %q not installed", ErrUnavailable, model)
}

func modelMatches(want, have string) bool {
	return have == want || (!strings.Contains(want, ":") && have == want+":latest")
}

func (o *Ollama) Anonymize(ctx context.Context, text string) (string, error) {
	var resp ollamaResponse
	err := o.http.postJSON(ctx, o.generateURL, ollamaRequest{
		Model:  o.model,
		Prompt: fmt.Sprintf(ollamaPrompt, text),
		Stream: false,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	detections, err := parseDetections(resp.Response)
	if err != nil {
		return "", err
	}
	return o.apply(text, detections), nil
}

// apply replaces longer originals first so a full name is not split by a
// detection of its first name.
func (o *Ollama) apply(text string, detections []ollamaDetection) string {
	kept := detections[:0]
	for _, d := range detections {
		if d.Confidence >= o.threshold && strings.TrimSpace(d.Original) != "" {
			kept = append(kept, d)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return len(kept[i].Original) > len(kept[j].Original)
	})
	for _, d := range kept {
		text = strings.ReplaceAll(text, d.Original, Tag)
	}
	return text
}

// parseDetections extracts the JSON array from the model's free-text answer.
func parseDetections(raw string) ([]ollamaDetection, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in ollama response")
	}

	var detections []ollamaDetection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("parse ollama detections: %w", err)
	}
	return detections, nil
}

var _ Detector = (*Ollama)(nil)
