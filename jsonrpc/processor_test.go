package jsonrpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

func echoHandler() jsonrpc.Handler {
	return jsonrpc.HandlerFunc(func(_ context.Context, msg jsonrpc.Message) (*jsonrpc.Message, error) {
		if !msg.IsRequest() {
			return nil, nil
		}
		res, err := jsonrpc.NewResult(msg.ID, map[string]string{"method": msg.Method})
		if err != nil {
			return nil, err
		}
		return &res, nil
	})
}

func startProcessor(t *testing.T, cfg jsonrpc.ProcessorConfig, h jsonrpc.Handler) *jsonrpc.Processor {
	t.Helper()
	p := jsonrpc.NewProcessor(cfg, h)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestProcessorProcess(t *testing.T) {
	p := startProcessor(t, jsonrpc.ProcessorConfig{Workers: 2}, echoHandler())

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(1), "ping", nil)
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, req.ID, resp.ID)
	assert.JSONEq(t, `{"method":"ping"}`, string(resp.Result))

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.TotalProcessed)
	assert.EqualValues(t, 1, stats.Successful)
	assert.InDelta(t, 1.0, stats.SuccessRate(), 0.0001)
}

func TestProcessorNotificationHasNoResponse(t *testing.T) {
	p := startProcessor(t, jsonrpc.ProcessorConfig{}, echoHandler())

	n, err := jsonrpc.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestProcessorRejectsWhenStopped(t *testing.T) {
	p := jsonrpc.NewProcessor(jsonrpc.ProcessorConfig{}, echoHandler())

	_, err := p.Submit(context.Background(), jsonrpc.Message{})
	assert.ErrorIs(t, err, jsonrpc.ErrProcessorNotRunning)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), jsonrpc.ErrProcessorRunning)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Running())

	_, err = p.Submit(context.Background(), jsonrpc.Message{})
	assert.ErrorIs(t, err, jsonrpc.ErrProcessorNotRunning)
}

func TestProcessorQueueFull(t *testing.T) {
	release := make(chan struct{})
	blocking := jsonrpc.HandlerFunc(func(ctx context.Context, _ jsonrpc.Message) (*jsonrpc.Message, error) {
		<-release
		return nil, nil
	})
	p := startProcessor(t, jsonrpc.ProcessorConfig{Workers: 1, QueueCapacity: 1}, blocking)
	defer close(release)

	n, _ := jsonrpc.NewNotification("x", nil)

	// The first message occupies the worker, the second fills the queue.
	_, err := p.Submit(context.Background(), n)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().CurrentQueueDepth == 0 }, time.Second, time.Millisecond)
	_, err = p.Submit(context.Background(), n)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), n)
	var full *jsonrpc.QueueFullError
	require.True(t, errors.As(err, &full))
	assert.Equal(t, 1, full.Capacity)
}

func TestProcessorTimeout(t *testing.T) {
	slow := jsonrpc.HandlerFunc(func(ctx context.Context, _ jsonrpc.Message) (*jsonrpc.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := startProcessor(t, jsonrpc.ProcessorConfig{ProcessingTimeout: 20 * time.Millisecond}, slow)

	req, _ := jsonrpc.NewRequest(jsonrpc.NumberID(1), "slow", nil)
	_, err := p.Process(context.Background(), req)
	assert.ErrorIs(t, err, jsonrpc.ErrProcessingTimeout)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.TimedOut)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestProcessorRecoversPanics(t *testing.T) {
	panicky := jsonrpc.HandlerFunc(func(context.Context, jsonrpc.Message) (*jsonrpc.Message, error) {
		panic("boom")
	})
	p := startProcessor(t, jsonrpc.ProcessorConfig{Workers: 1}, panicky)

	req, _ := jsonrpc.NewRequest(jsonrpc.NumberID(1), "boom", nil)
	_, err := p.Process(context.Background(), req)
	assert.ErrorIs(t, err, jsonrpc.ErrHandlerPanic)

	// The worker survives.
	_, err = p.Process(context.Background(), req)
	assert.ErrorIs(t, err, jsonrpc.ErrHandlerPanic)
}

func TestProcessorBatch(t *testing.T) {
	p := startProcessor(t, jsonrpc.ProcessorConfig{MaxBatchSize: 3}, echoHandler())

	var msgs []jsonrpc.Message
	for i := int64(1); i <= 3; i++ {
		req, _ := jsonrpc.NewRequest(jsonrpc.NumberID(i), "ping", nil)
		msgs = append(msgs, req)
	}
	results, err := p.SubmitBatch(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, msgs[i].ID, res.Response.ID)
	}

	_, err = p.SubmitBatch(context.Background(), append(msgs, msgs[0]))
	assert.ErrorIs(t, err, jsonrpc.ErrBatchTooLarge)
}

func TestProcessorShutdownDrainsQueue(t *testing.T) {
	var (
		mu   sync.Mutex
		seen int
	)
	counting := jsonrpc.HandlerFunc(func(context.Context, jsonrpc.Message) (*jsonrpc.Message, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen++
		mu.Unlock()
		return nil, nil
	})
	p := jsonrpc.NewProcessor(jsonrpc.ProcessorConfig{Workers: 1, QueueCapacity: 10}, counting)
	require.NoError(t, p.Start())

	n, _ := jsonrpc.NewNotification("x", nil)
	for range 5 {
		_, err := p.Submit(context.Background(), n)
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, seen)
	assert.EqualValues(t, 5, p.Stats().TotalProcessed)
}
