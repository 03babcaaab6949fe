package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CallStatus is the live summary kept in Redis for dashboards and other
// nodes.
type CallStatus struct {
	CallID          string              `json:"call_id"`
	TeamID          string              `json:"team_id"`
	CloserID        string              `json:"closer_id,omitempty"`
	NodeID          string              `json:"node_id,omitempty"`
	Status          coaching.CallStatus `json:"status"`
	Segments        int64               `json:"segments"`
	AmmoCount       int64               `json:"ammo_count"`
	NudgeCount      int64               `json:"nudge_count"`
	CloserSeconds   float64             `json:"closer_seconds"`
	ProspectSeconds float64             `json:"prospect_seconds"`
	RecordingURL    string              `json:"recording_url,omitempty"`
	DurationSeconds int64               `json:"duration_seconds,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// RedisStatusStore mirrors live call state into Redis hashes and relays
// every event on a per-call pub/sub channel.
type RedisStatusStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
	ttl       time.Duration
	nodeID    string
}

// NewRedisStatusStore connects to Redis and verifies the connection.
func NewRedisStatusStore(ctx context.Context, cfg config.RedisConfig, nodeID string, logger *logrus.Logger) (*RedisStatusStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"address":  cfg.Address,
		"database": cfg.Database,
		"ttl":      cfg.StatusTTL,
	}).Info("Redis status store initialized")

	return NewRedisStatusStoreWithClient(client, cfg, nodeID, logger), nil
}

// NewRedisStatusStoreWithClient wraps an existing client.
func NewRedisStatusStoreWithClient(client redis.UniversalClient, cfg config.RedisConfig, nodeID string, logger *logrus.Logger) *RedisStatusStore {
	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisStatusStore{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		ttl:       ttl,
		nodeID:    nodeID,
	}
}

// Name identifies the sink in metrics.
func (r *RedisStatusStore) Name() string {
	return "redis"
}

// Publish applies event to the call's status hash and relays it on the
// call's channel. Completed calls leave the team's active set.
func (r *RedisStatusStore) Publish(ctx context.Context, event coaching.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	callKey := r.callKey(event.CallID)
	activeKey := r.activeKey(event.TeamID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields := statusFields(event)
		fields["updated_at"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
		if r.nodeID != "" {
			fields["node_id"] = r.nodeID
		}
		pipe.HSet(ctx, callKey, fields)

		switch event.Type {
		case coaching.EventTranscript:
			pipe.HIncrBy(ctx, callKey, "segments", 1)
		case coaching.EventAmmo:
			pipe.HIncrBy(ctx, callKey, "ammo_count", 1)
		case coaching.EventNudge:
			pipe.HIncrBy(ctx, callKey, "nudge_count", 1)
		}
		pipe.Expire(ctx, callKey, r.ttl)

		if status, ok := eventStatus(event); ok {
			if status == coaching.StatusCompleted {
				pipe.SRem(ctx, activeKey, event.CallID)
			} else {
				pipe.SAdd(ctx, activeKey, event.CallID)
				pipe.Expire(ctx, activeKey, r.ttl)
			}
		}

		pipe.Publish(ctx, r.channel(event.CallID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update call status in Redis: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"call_id":    event.CallID,
		"event_type": event.Type,
	}).Debug("Call status updated in Redis")
	return nil
}

// Get returns the stored status of a call.
func (r *RedisStatusStore) Get(ctx context.Context, callID string) (*CallStatus, error) {
	values, err := r.client.HGetAll(ctx, r.callKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call status from Redis: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call status not found: %s", callID)
	}
	return parseStatus(callID, values), nil
}

// ActiveCalls lists the ids of a team's calls that have not completed.
func (r *RedisStatusStore) ActiveCalls(ctx context.Context, teamID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey(teamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	return ids, nil
}

// Subscribe returns a subscription to a call's relayed events. The caller
// closes it.
func (r *RedisStatusStore) Subscribe(ctx context.Context, callID string) *redis.PubSub {
	return r.client.Subscribe(ctx, r.channel(callID))
}

// Health pings Redis.
func (r *RedisStatusStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *RedisStatusStore) Close() error {
	return r.client.Close()
}

func (r *RedisStatusStore) callKey(callID string) string {
	return r.keyPrefix + "call:" + callID
}

func (r *RedisStatusStore) activeKey(teamID string) string {
	return r.keyPrefix + "team:" + teamID + ":active"
}

func (r *RedisStatusStore) channel(callID string) string {
	return r.keyPrefix + "events:" + callID
}

// statusFields maps an event onto the hash fields it sets.
func statusFields(event coaching.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"call_id": event.CallID,
		"team_id": event.TeamID,
	}

	switch data := event.Data.(type) {
	case coaching.StatusChange:
		fields["status"] = string(data.Status)
		if data.CloserID != "" {
			fields["closer_id"] = data.CloserID
		}
	case coaching.TalkTime:
		fields["closer_seconds"] = formatSeconds(data.CloserSeconds)
		fields["prospect_seconds"] = formatSeconds(data.ProspectSeconds)
	case *coaching.TalkTime:
		if data != nil {
			fields["closer_seconds"] = formatSeconds(data.CloserSeconds)
			fields["prospect_seconds"] = formatSeconds(data.ProspectSeconds)
		}
	case coaching.CallCompletion:
		fields["recording_url"] = data.RecordingURL
		fields["duration_seconds"] = strconv.FormatInt(data.DurationSeconds, 10)
	case *coaching.CallCompletion:
		if data != nil {
			fields["recording_url"] = data.RecordingURL
			fields["duration_seconds"] = strconv.FormatInt(data.DurationSeconds, 10)
		}
	}
	return fields
}

func eventStatus(event coaching.Event) (coaching.CallStatus, bool) {
	if event.Type != coaching.EventStatus {
		return "", false
	}
	change, ok := event.Data.(coaching.StatusChange)
	if !ok {
		return "", false
	}
	return change.Status, true
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}

func parseStatus(callID string, values map[string]string) *CallStatus {
	status := &CallStatus{
		CallID:       callID,
		TeamID:       values["team_id"],
		CloserID:     values["closer_id"],
		NodeID:       values["node_id"],
		Status:       coaching.CallStatus(values["status"]),
		RecordingURL: values["recording_url"],
	}
	status.Segments, _ = strconv.ParseInt(values["segments"], 10, 64)
	status.AmmoCount, _ = strconv.ParseInt(values["ammo_count"], 10, 64)
	status.NudgeCount, _ = strconv.ParseInt(values["nudge_count"], 10, 64)
	status.DurationSeconds, _ = strconv.ParseInt(values["duration_seconds"], 10, 64)
	status.CloserSeconds, _ = strconv.ParseFloat(values["closer_seconds"], 64)
	status.ProspectSeconds, _ = strconv.ParseFloat(values["prospect_seconds"], 64)
	status.UpdatedAt, _ = time.Parse(time.RFC3339Nano, values["updated_at"])
	return status
}
