package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/model"
)

type stubClient struct {
	err error
}

func (s *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Response{Content: "ok"}, nil
}

func (s *stubClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("not implemented")
}

func TestAdaptiveRateLimiterAllowsCallsWithinBudget(t *testing.T) {
	l := model.NewAdaptiveRateLimiter(60000, 60000)
	wrapped := l.Middleware()(&stubClient{})

	resp, err := wrapped.Complete(context.Background(), &model.Request{Messages: []model.Message{{Content: "hello"}}})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
}

func TestAdaptiveRateLimiterMiddlewarePassesThroughNilClient(t *testing.T) {
	l := model.NewAdaptiveRateLimiter(1000, 1000)
	require.Nil(t, l.Middleware()(nil))
}

func TestAdaptiveRateLimiterBacksOffOnRateLimitError(t *testing.T) {
	l := model.NewAdaptiveRateLimiter(1000, 1000)
	wrapped := l.Middleware()(&stubClient{err: model.ErrRateLimited})

	_, err := wrapped.Complete(context.Background(), &model.Request{Messages: []model.Message{{Content: "hi"}}})
	require.ErrorIs(t, err, model.ErrRateLimited)
}
