package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/missiond/internal/budget"
)

type fakeProvider struct {
	desc  Descriptor
	calls int
	fn    func(ctx context.Context, op string, args map[string]any) (*Result, error)
}

func (f *fakeProvider) Descriptor() Descriptor { return f.desc }

func (f *fakeProvider) Call(ctx context.Context, op string, args map[string]any) (*Result, error) {
	f.calls++
	return f.fn(ctx, op, args)
}

func newFake(name string, caps []string, fn func(ctx context.Context, op string, args map[string]any) (*Result, error)) *fakeProvider {
	return &fakeProvider{
		desc: Descriptor{
			Name:         name,
			Domain:       "bioinformatics",
			Category:     CategoryData,
			Capabilities: caps,
		},
		fn: fn,
	}
}

func okCall(cost string) func(ctx context.Context, op string, args map[string]any) (*Result, error) {
	return func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		return &Result{Payload: []byte(`{"ok":true}`), Cost: mustDecimal(cost)}, nil
	}
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type memRecorder struct {
	mu      sync.Mutex
	records []AttemptRecord
	fail    bool
}

func (m *memRecorder) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("recorder down")
	}
	m.records = append(m.records, rec)
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFake("pubmed", []string{"search"}, okCall("0"))))

	err := r.Register(newFake("pubmed", []string{"search"}, okCall("0")))
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestGetAndList(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFake("pubmed", []string{"search"}, okCall("0"))))
	require.NoError(t, r.Register(newFake("geo", []string{"fetch_dataset"}, okCall("0"))))

	p, err := r.Get("pubmed")
	require.NoError(t, err)
	assert.Equal(t, "pubmed", p.Descriptor().Name)

	_, err = r.Get("arxiv")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	assert.Len(t, r.List(), 2)
	assert.Len(t, r.ByCapability("search"), 1)
	assert.Empty(t, r.ByCapability("simulate"))
}

func TestInvokeSuccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFake("pubmed", []string{"search"}, okCall("0.25"))))

	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	tracker := budget.NewTracker(mustDecimal("10.00"), 0)
	rec := &memRecorder{}

	res, err := inv.Invoke(context.Background(), Request{
		Provider:   "pubmed",
		Operation:  "search",
		BudgetHint: mustDecimal("0.25"),
		Parent:     3,
	}, tracker, rec)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(res.Payload))

	assert.True(t, tracker.Spend().Equal(mustDecimal("0.25")))
	require.Len(t, rec.records, 1)
	assert.Equal(t, "success", rec.records[0].Status)
	assert.Equal(t, uint64(3), rec.records[0].Parent)
}

func TestInvokeCapabilityMismatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFake("pubmed", []string{"search"}, okCall("0"))))

	inv, err := NewInvoker(r)
	require.NoError(t, err)

	rec := &memRecorder{}
	_, err = inv.Invoke(context.Background(), Request{Provider: "pubmed", Operation: "simulate", Parent: 7}, nil, rec)
	assert.ErrorIs(t, err, ErrCapabilityMismatch)

	// The failure never reached the provider but still leaves a record.
	require.Len(t, rec.records, 1)
	assert.Equal(t, "rejected", rec.records[0].Status)
	assert.Equal(t, "capability_mismatch", rec.records[0].ErrorKind)
	assert.Equal(t, uint64(7), rec.records[0].Parent)
	assert.True(t, rec.records[0].Cost.IsZero())
}

func TestInvokeUnknownProviderRecorded(t *testing.T) {
	inv, err := NewInvoker(New())
	require.NoError(t, err)

	rec := &memRecorder{}
	_, err = inv.Invoke(context.Background(), Request{Provider: "arxiv", Operation: "search"}, nil, rec)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	require.Len(t, rec.records, 1)
	assert.Equal(t, "rejected", rec.records[0].Status)
	assert.Equal(t, "provider_not_found", rec.records[0].ErrorKind)
}

func TestInvokeRetriesTransient(t *testing.T) {
	attempts := 0
	p := newFake("geo", []string{"fetch_dataset"}, func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return &Result{Payload: []byte(`{}`), Cost: mustDecimal("1.00")}, nil
	})

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	rec := &memRecorder{}
	_, err = inv.Invoke(context.Background(), Request{Provider: "geo", Operation: "fetch_dataset"}, nil, rec)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	require.Len(t, rec.records, 3)
	assert.Equal(t, "failure", rec.records[0].Status)
	assert.Equal(t, "transient", rec.records[0].ErrorKind)
	assert.Equal(t, "success", rec.records[2].Status)
}

func TestInvokeNoRetryOnPermanent(t *testing.T) {
	p := newFake("geo", []string{"fetch_dataset"}, func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		return nil, ErrPermanent
	})

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Request{Provider: "geo", Operation: "fetch_dataset"}, nil, nil)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, p.calls)
}

func TestInvokeExhaustsRetries(t *testing.T) {
	p := newFake("geo", []string{"fetch_dataset"}, func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		return nil, errors.New("flaky")
	})

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	rec := &memRecorder{}
	_, err = inv.Invoke(context.Background(), Request{Provider: "geo", Operation: "fetch_dataset"}, nil, rec)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, p.calls)
	assert.Len(t, rec.records, 3)
}

func TestInvokeChargesFailedAttempts(t *testing.T) {
	// A failing provider that still declares cost accrues spend per attempt.
	p := newFake("hpc", []string{"run_job"}, func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		return &Result{Cost: mustDecimal("2.00")}, errors.New("job crashed")
	})
	p.desc.Category = CategoryCompute

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	tracker := budget.NewTracker(mustDecimal("100.00"), 0)
	_, err = inv.Invoke(context.Background(), Request{Provider: "hpc", Operation: "run_job"}, tracker, &memRecorder{})
	require.Error(t, err)

	assert.True(t, tracker.Spend().Equal(mustDecimal("6.00")), "three attempts at 2.00 each, got %s", tracker.Spend())
}

func TestInvokeQuotaRejection(t *testing.T) {
	p := newFake("hpc", []string{"run_job"}, okCall("4.00"))

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	tracker := budget.NewTracker(mustDecimal("10.00"), 0)
	rec := &memRecorder{}

	req := Request{Provider: "hpc", Operation: "run_job", BudgetHint: mustDecimal("4.00")}
	for i := 0; i < 2; i++ {
		_, err := inv.Invoke(context.Background(), req, tracker, rec)
		require.NoError(t, err)
	}

	// Third call: 8.00 spent + 4.00 hint exceeds 10.00. The provider must
	// not be dispatched, and a zero-cost rejected attempt is recorded.
	_, err = inv.Invoke(context.Background(), req, tracker, rec)
	assert.ErrorIs(t, err, budget.ErrQuotaExceeded)
	assert.Equal(t, 2, p.calls)
	assert.True(t, tracker.Spend().Equal(mustDecimal("8.00")))

	last := rec.records[len(rec.records)-1]
	assert.Equal(t, "rejected", last.Status)
	assert.True(t, last.Cost.IsZero())
}

func TestInvokeRecorderFailureIsFatal(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFake("pubmed", []string{"search"}, okCall("0"))))

	inv, err := NewInvoker(r, WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Request{Provider: "pubmed", Operation: "search"},
		nil, &memRecorder{fail: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorder down")
}

func TestInvokeTimeout(t *testing.T) {
	p := newFake("slow", []string{"search"}, func(ctx context.Context, op string, args map[string]any) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := New()
	require.NoError(t, r.Register(p))
	inv, err := NewInvoker(r, WithRetryConfig(RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1.0,
	}))
	require.NoError(t, err)

	rec := &memRecorder{}
	_, err = inv.Invoke(context.Background(), Request{
		Provider:  "slow",
		Operation: "search",
		Timeout:   5 * time.Millisecond,
	}, nil, rec)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, p.calls, "timeouts are retryable")
	assert.Equal(t, "timeout", rec.records[0].ErrorKind)
}
