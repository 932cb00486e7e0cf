package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePresidio serves both analyzer and anonymizer endpoints. It tags every
// occurrence of the configured names.
func fakePresidio(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Presidio service is up"))
	})
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "en", req.Language)

		results := []analyzerResult{}
		for _, name := range names {
			if idx := strings.Index(req.Text, name); idx >= 0 {
				results = append(results, analyzerResult{EntityType: "PERSON", Start: idx, End: idx + len(name), Score: 0.85})
			}
		}
		_ = json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("/anonymize", func(w http.ResponseWriter, r *http.Request) {
		var req anonymizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		op := req.Anonymizers["DEFAULT"]
		assert.Equal(t, "replace", op.Type)

		text := req.Text
		for i := len(req.AnalyzerResults) - 1; i >= 0; i-- {
			res := req.AnalyzerResults[i]
			text = text[:res.Start] + op.NewValue + text[res.End:]
		}
		_ = json.NewEncoder(w).Encode(anonymizeResponse{Text: text})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPresidioAnonymize(t *testing.T) {
	srv := fakePresidio(t, "Alice Martin")

	p, err := NewPresidio(context.Background(), PresidioOptions{AnalyzerURL: srv.URL, AnonymizerURL: srv.URL + "/"})
	require.NoError(t, err)

	out, err := p.Anonymize(context.Background(), "Hi, this is Alice Martin about the renewal.")
	require.NoError(t, err)
	assert.Equal(t, "Hi, this is [REDACTED] about the renewal.", out)
}

func TestPresidioNoEntitiesSkipsAnonymizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
		case "/analyze":
			_, _ = w.Write([]byte("[]"))
		default:
			t.Errorf("unexpected call to %s", r.URL.Path)
			http.Error(w, "unexpected", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	p, err := NewPresidio(context.Background(), PresidioOptions{AnalyzerURL: srv.URL, AnonymizerURL: srv.URL})
	require.NoError(t, err)

	out, err := p.Anonymize(context.Background(), "nothing to see")
	require.NoError(t, err)
	assert.Equal(t, "nothing to see", out)
}

func TestNewPresidioUnreachable(t *testing.T) {
	srv := fakePresidio(t)

	_, err := NewPresidio(context.Background(), PresidioOptions{AnalyzerURL: srv.URL, AnonymizerURL: "http://127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewPresidioRequiresURLs(t *testing.T) {
	_, err := NewPresidio(context.Background(), PresidioOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPresidioCallErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewPresidio(context.Background(), PresidioOptions{AnalyzerURL: srv.URL, AnonymizerURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Anonymize(context.Background(), "call 604-555-0123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
