package delivery

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGateway returns each scripted outcome in sequence.
type scriptedGateway struct {
	statuses []int
	errs     []error
	calls    int
}

func (g *scriptedGateway) Send(_ context.Context, _, _ string) (int, error) {
	i := g.calls
	g.calls++
	var status int
	var err error
	if i < len(g.statuses) {
		status = g.statuses[i]
	}
	if i < len(g.errs) {
		err = g.errs[i]
	}
	return status, err
}

// newTestSender disables real sleeping and seeds the jitter RNG.
func newTestSender(gw Gateway, opts ...Option) (*Sender, *[]time.Duration) {
	slept := &[]time.Duration{}
	opts = append(opts, WithRand(rand.New(rand.NewSource(42))))
	s := NewSender(gw, opts...)
	s.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return s, slept
}

func TestSend_SucceedsFirstAttempt(t *testing.T) {
	gw := &scriptedGateway{statuses: []int{200}}
	s, slept := newTestSender(gw)

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.Err)
	assert.Empty(t, *slept)
}

func TestSend_RetriesServerErrorsThenSucceeds(t *testing.T) {
	// HTTP 500 on tries 1-2, success on try 3.
	gw := &scriptedGateway{statuses: []int{500, 500, 200}}
	s, slept := newTestSender(gw)

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, *slept, 2)
}

func TestSend_RateLimitIsRetryable(t *testing.T) {
	gw := &scriptedGateway{statuses: []int{429, 200}}
	s, _ := newTestSender(gw)

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
}

func TestSend_PermanentClientErrorFailsImmediately(t *testing.T) {
	gw := &scriptedGateway{statuses: []int{400, 200}}
	s, slept := newTestSender(gw)

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "permanent")
	assert.Empty(t, *slept, "no backoff should follow a permanent failure")
	assert.Equal(t, 1, gw.calls, "remaining attempts must not be consumed")
}

func TestSend_TransportErrorsExhaustAttempts(t *testing.T) {
	connRefused := errors.New("dial tcp: connection refused")
	gw := &scriptedGateway{errs: []error{connRefused, connRefused, connRefused}}
	s, slept := newTestSender(gw)

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.Err, connRefused)
	assert.Len(t, *slept, 2)
}

func TestSend_ContextCancelledDuringBackoff(t *testing.T) {
	gw := &scriptedGateway{statuses: []int{500, 500, 500}}
	s, _ := newTestSender(gw)
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	result := s.Send(context.Background(), "+5511999990000", "olá!")

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestBackoffDelay_Windows(t *testing.T) {
	s := NewSender(&scriptedGateway{}, WithRand(rand.New(rand.NewSource(7))))

	windows := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 1000 * time.Millisecond, 1300 * time.Millisecond},
		{1, 2000 * time.Millisecond, 2600 * time.Millisecond},
		{2, 4000 * time.Millisecond, 5200 * time.Millisecond},
	}

	for _, w := range windows {
		for i := 0; i < 100; i++ {
			d := s.backoffDelay(w.attempt)
			assert.GreaterOrEqualf(t, d, w.min, "attempt %d", w.attempt)
			assert.Lessf(t, d, w.max, "attempt %d", w.attempt)
		}
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	s := NewSender(&scriptedGateway{}, WithRand(rand.New(rand.NewSource(7))))

	// 1000ms * 2^5 = 32s, far past the 10s cap.
	for i := 0; i < 20; i++ {
		assert.Equal(t, DefaultMaxDelay, s.backoffDelay(5))
	}
}

func TestBackoffDelay_DeterministicWithSeededRand(t *testing.T) {
	a := NewSender(&scriptedGateway{}, WithRand(rand.New(rand.NewSource(99))))
	b := NewSender(&scriptedGateway{}, WithRand(rand.New(rand.NewSource(99))))

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.backoffDelay(i%3), b.backoffDelay(i%3))
	}
}

func TestHTTPGateway_Send(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret", srv.Client())
	status, err := gw.Send(context.Background(), "+5511999990000", "olá")

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPGateway_SendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", srv.Client())
	status, err := gw.Send(context.Background(), "+5511999990000", "olá")

	assert.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
}
