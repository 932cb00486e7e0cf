package redact

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dhcgn/mail-sanitizer/detector"
)

var passthrough = detector.Func(func(_ context.Context, text string) (string, error) {
	return text, nil
})

func failing(err error) detector.Detector {
	return detector.Func(func(context.Context, string) (string, error) {
		return "", err
	})
}

func TestNewEngineRequiresDetector(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrNoDetector)
}

func TestRedactDetectorSuccess(t *testing.T) {
	d := detector.Func(func(_ context.Context, text string) (string, error) {
		return strings.ReplaceAll(text, "Alice", detector.Tag), nil
	})
	e, err := NewEngine(d)
	require.NoError(t, err)

	out := e.Redact(context.Background(), "Alice needs $450,000 by March 15, 2024")
	assert.Equal(t, "[REDACTED] needs [AMOUNT] by [DATE]", out)
}

func TestRedactFallsBackWhenDetectorFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var hookErr error
	e, err := NewEngine(failing(errors.New("connection refused")),
		WithLogger(zap.New(core)),
		WithFallbackHook(func(err error) { hookErr = err }),
	)
	require.NoError(t, err)

	out := e.Redact(context.Background(), "Client pre-approved for $450,000, call 604-555-0123.")

	assert.Equal(t, "Client pre-approved for [AMOUNT], call [PHONE].", out)
	assert.NotContains(t, out, "450,000")
	assert.NotContains(t, out, "604-555-0123")
	assert.EqualError(t, hookErr, "connection refused")
	assert.Equal(t, 1, logs.FilterMessage("entity detection failed, using pattern fallback").Len())
}

func TestRedactDetectorTimeout(t *testing.T) {
	slow := detector.Func(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	var hookErr error
	e, err := NewEngine(slow,
		WithTimeout(20*time.Millisecond),
		WithFallbackHook(func(err error) { hookErr = err }),
	)
	require.NoError(t, err)

	out := e.Redact(context.Background(), "call 604-555-0123")
	assert.Equal(t, "call [PHONE]", out)
	assert.ErrorIs(t, hookErr, context.DeadlineExceeded)
}

func TestRedactBlankTextSkipsDetector(t *testing.T) {
	var calls atomic.Int32
	d := detector.Func(func(_ context.Context, text string) (string, error) {
		calls.Add(1)
		return text, nil
	})
	e, err := NewEngine(d)
	require.NoError(t, err)

	assert.Equal(t, "", e.Redact(context.Background(), ""))
	assert.Equal(t, "  \n\t", e.Redact(context.Background(), "  \n\t"))
	assert.Zero(t, calls.Load())
}

func TestRedactDropsForwardedHeaders(t *testing.T) {
	e, err := NewEngine(passthrough)
	require.NoError(t, err)

	in := strings.Join([]string{
		"Sounds good.",
		"",
		"---------- Forwarded message ---------",
		"From: Bob Smith <bob@example.com>",
		"Date: Mon, 4 Mar 2024",
		"Subject: rates",
		"To: agent@broker.ca",
		"",
		"> From: someone",
		"> the rate is 5.1% fixed",
		"thanks",
	}, "\n")

	out := e.Redact(context.Background(), in)
	assert.Equal(t, "Sounds good.\n\n\n> the rate is [RATE]\nthanks", out)
}

func TestRedactDirectIdentifiers(t *testing.T) {
	e, err := NewEngine(passthrough)
	require.NoError(t, err)
	ctx := context.Background()

	for _, email := range []string{"a@b.co", "first.last@mail.example.org", "x_y+tag@sub.domain.ca"} {
		out := e.Redact(ctx, "write to "+email+" please")
		assert.NotContains(t, out, email)
		assert.Contains(t, out, TagEmail)
	}
	for _, phone := range []string{"(604) 555-0134", "604.555.0134", "1-604-555-0134"} {
		out := e.Redact(ctx, "phone "+phone)
		assert.False(t, sevenDigits.MatchString(digitsOnly(out)), "%q kept digits", out)
	}
	for _, postal := range []string{"V5K 0A1", "V5K-0A1", "v5k0a1"} {
		out := e.Redact(ctx, "postal "+postal+" ok")
		assert.Equal(t, "postal [POSTAL_CODE] ok", out)
	}
}

func TestRedactRepeatedApplicationIsStable(t *testing.T) {
	e, err := NewEngine(passthrough)
	require.NoError(t, err)
	ctx := context.Background()

	in := "Alice at alice@example.com, $450,000 in Kelowna, works at Acme Corp as a nurse, 5.25% fixed"
	once := e.Redact(ctx, in)
	assert.Equal(t, "Alice at [EMAIL], [AMOUNT] in [CITY], works at [EMPLOYER] as a [JOB_TITLE], [RATE]", once)
	assert.Equal(t, once, e.Redact(ctx, once))
}

func TestRedactCustomLibrary(t *testing.T) {
	lib, err := NewLibrary(LibraryOptions{ExtraCities: []string{"Tofino"}})
	require.NoError(t, err)
	e, err := NewEngine(passthrough, WithLibrary(lib))
	require.NoError(t, err)

	assert.Equal(t, "surfing in [CITY]", e.Redact(context.Background(), "surfing in Tofino"))
}

func TestRedactFieldKeepsHeaderLikeValues(t *testing.T) {
	e, err := NewEngine(passthrough)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Empty(t, e.Redact(ctx, "subject::question_about_rates"), "the line pass drops header-shaped lines")
	assert.Equal(t, "subject::question_about_rates", e.RedactField(ctx, "subject::question_about_rates"))
	assert.Equal(t, "Forwarded message about [PHONE]", e.RedactField(ctx, "Forwarded message about 604-555-0134"))
	assert.Equal(t, "  ", e.RedactField(ctx, "  "))
}
