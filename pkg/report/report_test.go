package report

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happystoic/overlaytest/pkg/config"
)

type recorder struct {
	traces  []string
	results []string
}

func (r *recorder) Trace(event string, _ map[string]interface{}) {
	r.traces = append(r.traces, event)
}

func (r *recorder) Result(name, result string) {
	r.results = append(r.results, name+"="+result)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, LogReporter{}, b}
	m.Trace("put", map[string]interface{}{"peer": 0})
	m.Result("dht-cycle", "success")

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []string{"put"}, r.traces)
		assert.Equal(t, []string{"dht-cycle=success"}, r.results)
	}
}

func TestEncodeMessage(t *testing.T) {
	data, err := encodeMessage(TypeResult, ResultMessage{Name: "regex", Result: "failure"})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeResult, decoded["type"])
	assert.Equal(t, float64(1), decoded["version"])
	assert.Equal(t, map[string]interface{}{"name": "regex", "result": "failure"}, decoded["data"])
}

func TestDispatch(t *testing.T) {
	rc := &RedisClient{messageTypesCallbacks: make(map[string]Callback)}
	var got []byte
	require.NoError(t, rc.SubscribeCallback(TypeAbort, func(data []byte) { got = data }))
	assert.Error(t, rc.SubscribeCallback(TypeAbort, func([]byte) {}))

	rc.dispatch(`{"type":"control_abort","version":1,"data":{"reason":"operator"}}`)
	assert.JSONEq(t, `{"reason":"operator"}`, string(got))

	got = nil
	rc.dispatch(`{"type":"report_trace","version":1,"data":{}}`)
	rc.dispatch(`{"type":"unknown","version":1}`)
	rc.dispatch(`not json`)
	assert.Nil(t, got)
}

func TestNewWithoutRedis(t *testing.T) {
	r, rc, err := New(context.Background(), &config.Redis{}, nil)
	require.NoError(t, err)
	assert.Nil(t, rc)
	assert.IsType(t, LogReporter{}, r)
}

// needs a redis server, e.g. OVERLAYTEST_REDIS=127.0.0.1
func TestRedisAbort(t *testing.T) {
	host := os.Getenv("OVERLAYTEST_REDIS")
	if host == "" {
		t.Skip("OVERLAYTEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conf := &config.Redis{Host: host, Port: 6379, TraceChannel: "overlaytest_trace_test", ControlChannel: "overlaytest_control_test"}
	aborted := make(chan struct{}, 1)
	r, rc, err := New(ctx, conf, func() { aborted <- struct{}{} })
	require.NoError(t, err)
	defer rc.Close()
	r.Result("redis-test", "success")

	msg, err := encodeMessage(TypeAbort, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		require.NoError(t, rc.Publish(ctx, conf.ControlChannel, msg).Err())
		select {
		case <-aborted:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 200*time.Millisecond)
}
