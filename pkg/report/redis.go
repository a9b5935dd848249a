package report

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/config"
)

var log = logging.Logger("report")

// Callback receives the data of a control message.
type Callback func(data []byte)

// RedisClient publishes run reports and dispatches control messages by
// their type.
type RedisClient struct {
	*redis.Client

	ctx          context.Context
	traceChannel string

	mu                    sync.RWMutex
	messageTypesCallbacks map[string]Callback
}

type RedisBaseMessage struct {
	Type    string      `json:"type"`
	Version uint        `json:"version"`
	Data    interface{} `json:"data"`
}

func NewRedisClient(ctx context.Context, conf *config.Redis) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr(),
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.Db,
	})
	// check connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.WithMessagef(err, "error connecting to redis at %s", conf.Addr())
	}
	rc := &RedisClient{
		Client:                rdb,
		ctx:                   ctx,
		traceChannel:          conf.TraceChannel,
		messageTypesCallbacks: make(map[string]Callback),
	}
	if conf.ControlChannel != "" {
		rc.subscribeChannel(conf.ControlChannel)
	}
	return rc, nil
}

func (rc *RedisClient) SubscribeCallback(messageType string, callback Callback) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.messageTypesCallbacks[messageType]; exists {
		return errors.Errorf("callback with messageType %s already exists", messageType)
	}
	rc.messageTypesCallbacks[messageType] = callback
	return nil
}

func (rc *RedisClient) callback(messageType string) (Callback, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	cb, ok := rc.messageTypesCallbacks[messageType]
	return cb, ok
}

// dispatch decodes one control message and runs its callback.
func (rc *RedisClient) dispatch(payload string) {
	baseMsg := RedisBaseMessage{}
	if err := json.Unmarshal([]byte(payload), &baseMsg); err != nil {
		log.Errorf("error while unmarshalling json RedisBaseMessage: %s", err)
		return
	}
	if isReport(baseMsg.Type) {
		// sent by a run, possibly this one
		return
	}
	callback, exists := rc.callback(baseMsg.Type)
	if !exists {
		log.Errorf("received unknown RedisBaseMessage type '%s'", baseMsg.Type)
		return
	}
	log.Debugf("received RedisBaseMessage of type %s, calling its callback...", baseMsg.Type)
	bytesData, err := json.Marshal(baseMsg.Data)
	if err != nil {
		log.Errorf("error re-encoding data of %s message: %s", baseMsg.Type, err)
		return
	}
	callback(bytesData)
}

func (rc *RedisClient) subscribeChannel(channel string) {
	pubSub := rc.Subscribe(rc.ctx, channel)

	// Go channel which receives messages.
	ch := pubSub.Channel()
	go func() {
		defer pubSub.Close()
		for {
			select {
			case <-rc.ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				rc.dispatch(redisMsg.Payload)
			}
		}
	}()
}

func encodeMessage(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(RedisBaseMessage{
		Type:    msgType,
		Version: 1,
		Data:    data,
	})
}

func (rc *RedisClient) PublishMessage(msgType string, data interface{}) error {
	encoded, err := encodeMessage(msgType, data)
	if err != nil {
		return err
	}
	return rc.Publish(rc.ctx, rc.traceChannel, encoded).Err()
}
