// Package report publishes what a testbed run does: trace events while it
// runs and the final result. Reports always go to the log and, when
// configured, to a Redis channel that also carries control messages.
package report

import (
	"context"
	"strings"
	"time"

	"happystoic/overlaytest/pkg/config"
)

const (
	TypeTrace  = "report_trace"
	TypeResult = "report_result"
	// TypeAbort control messages stop the running scenario
	TypeAbort = "control_abort"
)

func isReport(msgType string) bool {
	return strings.HasPrefix(msgType, "report_")
}

type Reporter interface {
	// Trace reports one event of the run.
	Trace(event string, fields map[string]interface{})
	// Result reports the outcome of the run.
	Result(name, result string)
}

type TraceMessage struct {
	Event  string                 `json:"event"`
	Time   time.Time              `json:"time"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

type ResultMessage struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// LogReporter writes reports to the log.
type LogReporter struct{}

func (LogReporter) Trace(event string, fields map[string]interface{}) {
	log.Infow(event, flatten(fields)...)
}

func (LogReporter) Result(name, result string) {
	log.Infof("%s finished: %s", name, result)
}

func flatten(fields map[string]interface{}) []interface{} {
	kv := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

// RedisReporter publishes reports on the trace channel.
type RedisReporter struct {
	*RedisClient
}

func (r RedisReporter) Trace(event string, fields map[string]interface{}) {
	msg := TraceMessage{Event: event, Time: time.Now(), Fields: fields}
	if err := r.PublishMessage(TypeTrace, msg); err != nil {
		log.Errorf("error publishing trace %s: %s", event, err)
	}
}

func (r RedisReporter) Result(name, result string) {
	if err := r.PublishMessage(TypeResult, ResultMessage{Name: name, Result: result}); err != nil {
		log.Errorf("error publishing result of %s: %s", name, err)
	}
}

// Multi sends every report to all its reporters.
type Multi []Reporter

func (m Multi) Trace(event string, fields map[string]interface{}) {
	for _, r := range m {
		r.Trace(event, fields)
	}
}

func (m Multi) Result(name, result string) {
	for _, r := range m {
		r.Result(name, result)
	}
}

// New returns the reporter for conf. The Redis client is nil unless Redis is
// enabled; abort is called for every abort control message.
func New(ctx context.Context, conf *config.Redis, abort func()) (Reporter, *RedisClient, error) {
	if !conf.Enabled() {
		return LogReporter{}, nil, nil
	}
	rc, err := NewRedisClient(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	if abort != nil {
		err = rc.SubscribeCallback(TypeAbort, func([]byte) {
			log.Warnf("abort requested over redis")
			abort()
		})
		if err != nil {
			_ = rc.Close()
			return nil, nil, err
		}
	}
	return Multi{LogReporter{}, RedisReporter{rc}}, rc, nil
}
