package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeRecoversPanics(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *Request) Outcome {
		panic("boom")
	})
	out := Invoke(context.Background(), h, &Request{TaskID: 1})
	if out.Kind != KindPermanent {
		t.Fatalf("expected permanent outcome, got %s", out)
	}
	var pe *PanicError
	if !errors.As(out.Err, &pe) {
		t.Fatalf("expected PanicError, got %T", out.Err)
	}
	if pe.Value != "boom" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error: %+v", pe)
	}
}

func TestInvokeNormalizesOutcomes(t *testing.T) {
	cases := []struct {
		name string
		out  Outcome
		want Kind
	}{
		{"zero", Outcome{}, KindPermanent},
		{"retryable without cause", Outcome{Kind: KindRetryable}, KindRetryable},
		{"invalid json", Succeeded(json.RawMessage(`{`)), KindPermanent},
		{"suspend without token", Suspended(nil, time.Time{}), KindSuspended},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Invoke(context.Background(), HandlerFunc(func(context.Context, *Request) Outcome { return tc.out }), &Request{})
			assert.Equal(t, tc.want, out.Kind)
			switch out.Kind {
			case KindRetryable, KindPermanent:
				assert.Error(t, out.Err)
			case KindSuspended:
				assert.Equal(t, StartToken, out.Token)
			}
		})
	}
}

func TestSucceededWith(t *testing.T) {
	out := SucceededWith(map[string]int{"uploaded": 3})
	require.Equal(t, KindSucceeded, out.Kind)
	assert.JSONEq(t, `{"uploaded":3}`, string(out.Data))

	bad := SucceededWith(make(chan int))
	assert.Equal(t, KindPermanent, bad.Kind)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, *Request) Outcome { return Succeeded(nil) })

	require.NoError(t, r.Register("Etsy", "sync_product", noop))
	require.NoError(t, r.Register("etsy", "upload_image", noop))
	require.NoError(t, r.Register("shopify", "sync_product", noop))
	require.ErrorIs(t, r.Register("etsy", "sync_product", noop), ErrDuplicateHandler)
	require.Error(t, r.Register("", "x", noop))

	h, err := r.Resolve("ETSY", "sync_product")
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = r.Resolve("shopify", "delete_attribute")
	var unknown *UnknownOperationError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "shopify", unknown.Channel)
	assert.Equal(t, "delete_attribute", unknown.Operation)

	assert.Equal(t, []string{"sync_product", "upload_image"}, r.Operations("etsy"))
}

type classified struct{ retry bool }

func (c classified) Error() string   { return fmt.Sprintf("classified retry=%t", c.retry) }
func (c classified) Retryable() bool { return c.retry }

func TestClassify(t *testing.T) {
	resume := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	token := []byte(`{"page":2}`)

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindSucceeded},
		{"deferred", fmt.Errorf("call: %w", &ratelimit.DeferredError{ResumeAt: resume}), KindSuspended},
		{"invalid payload", fmt.Errorf("%w: missing id", ErrInvalidPayload), KindPermanent},
		{"task gone", ErrTaskGone, KindPermanent},
		{"unknown operation", &UnknownOperationError{Channel: "etsy", Operation: "x"}, KindPermanent},
		{"marked permanent", MarkPermanent(errors.New("bad")), KindPermanent},
		{"self classified retryable", classified{retry: true}, KindRetryable},
		{"self classified final", classified{retry: false}, KindPermanent},
		{"deadline", context.DeadlineExceeded, KindRetryable},
		{"other", errors.New("connection reset"), KindRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Classify(tc.err, token)
			assert.Equal(t, tc.want, out.Kind)
		})
	}

	out := Classify(&ratelimit.DeferredError{ResumeAt: resume}, token)
	assert.Equal(t, token, out.Token)
	assert.True(t, out.ResumeAt.Equal(resume))
	assert.Equal(t, StartToken, Classify(&ratelimit.DeferredError{ResumeAt: resume}, nil).Token)
}

type fakeSpawner struct{ children []Child }

func (f *fakeSpawner) Spawn(_ context.Context, c Child) (int64, error) {
	f.children = append(f.children, c)
	return int64(len(f.children)), nil
}

func TestRequestHelpers(t *testing.T) {
	ctx := context.Background()
	req := &Request{TaskID: 9}
	assert.False(t, req.Resumed())
	_, err := req.Spawn(ctx, Child{Operation: "sync_product"})
	assert.Error(t, err)
	assert.NoError(t, req.CheckAlive(ctx))

	sp := &fakeSpawner{}
	req.Spawner = sp
	req.Token = StartToken
	req.Alive = func(context.Context) (bool, error) { return false, nil }

	id, err := req.Spawn(ctx, Child{Operation: "sync_product"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.True(t, req.Resumed())
	assert.ErrorIs(t, req.CheckAlive(ctx), ErrTaskGone)
	assert.Equal(t, int64(3), ChildCounts{Succeeded: 1, Failed: 1, Pending: 1}.Total())
}
