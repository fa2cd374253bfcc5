package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// Key layout:
//
//	conv:{id}:messages  list of JSON-encoded Message, in Seq order
//	conv:{id}:seq       monotonic per-conversation counter
//	user:{id}           hash of User fields
const (
	convMessagesKey = "conv:%s:messages"
	convSeqKey      = "conv:%s:seq"
	userKey         = "user:%s"
)

// Redis is the production Repository backed by a single Redis instance.
type Redis struct {
	log    logging.Logger
	client *redis.Client
}

// NewRedis connects to the Redis instance at addr and verifies reachability.
func NewRedis(ctx context.Context, log logging.Logger, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, pkgerrors.Wrapf(err, "connecting to redis at %s", addr)
	}
	return &Redis{log: log, client: client}, nil
}

func (r *Redis) AppendMessage(ctx context.Context, msg *Message) error {
	seq, err := r.client.Incr(ctx, fmt.Sprintf(convSeqKey, msg.ConversationID)).Result()
	if err != nil {
		return pkgerrors.Wrap(err, "allocating message sequence")
	}
	msg.Seq = seq
	msg.Content = capContent(msg.Content)

	data, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(err, "encoding message")
	}
	if err := r.client.RPush(ctx, fmt.Sprintf(convMessagesKey, msg.ConversationID), data).Err(); err != nil {
		return pkgerrors.Wrap(err, "appending message")
	}
	return nil
}

func (r *Redis) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.client.LRange(ctx, fmt.Sprintf(convMessagesKey, conversationID), start, -1).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading messages")
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			r.log.WithError(err).Warnf("skipping undecodable message in conversation %s", conversationID)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *Redis) DeleteConversation(ctx context.Context, conversationID string) error {
	keys := []string{
		fmt.Sprintf(convMessagesKey, conversationID),
		fmt.Sprintf(convSeqKey, conversationID),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return pkgerrors.Wrap(err, "deleting conversation")
	}
	return nil
}

func (r *Redis) ReplaceTail(ctx context.Context, conversationID string, upTo int64, summary *Message) error {
	listKey := fmt.Sprintf(convMessagesKey, conversationID)

	msgs, err := r.Messages(ctx, conversationID, 0)
	if err != nil {
		return err
	}

	summary.Seq = upTo
	summary.Content = capContent(summary.Content)

	rebuilt := make([]interface{}, 0, len(msgs)+1)
	data, err := json.Marshal(summary)
	if err != nil {
		return pkgerrors.Wrap(err, "encoding summary")
	}
	rebuilt = append(rebuilt, data)
	for _, msg := range msgs {
		if msg.Seq <= upTo {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return pkgerrors.Wrap(err, "encoding message")
		}
		rebuilt = append(rebuilt, data)
	}

	// Rewrite the list atomically so concurrent readers never observe a
	// half-compacted conversation.
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, listKey)
		pipe.RPush(ctx, listKey, rebuilt...)
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "rewriting conversation")
	}
	return nil
}

func (r *Redis) GetUser(ctx context.Context, id string) (*User, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(userKey, id)).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading user")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	data, ok := fields["state"]
	if !ok {
		return nil, pkgerrors.Errorf("user %s hash missing state field", id)
	}
	var u User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, pkgerrors.Wrap(err, "decoding user")
	}
	// The usage counter lives in its own hash field so AddUsage can HINCRBY
	// without a read-modify-write on the whole state blob.
	if used, ok := fields["used"]; ok {
		if _, err := fmt.Sscanf(used, "%d", &u.UsedThisWeek); err != nil {
			return nil, pkgerrors.Wrap(err, "decoding usage counter")
		}
	}
	return &u, nil
}

func (r *Redis) PutUser(ctx context.Context, u *User) error {
	// The state blob intentionally omits the live counter.
	state := *u
	state.UsedThisWeek = 0
	data, err := json.Marshal(&state)
	if err != nil {
		return pkgerrors.Wrap(err, "encoding user")
	}
	if err := r.client.HSet(ctx, fmt.Sprintf(userKey, u.ID),
		"state", data, "used", u.UsedThisWeek).Err(); err != nil {
		return pkgerrors.Wrap(err, "writing user")
	}
	return nil
}

func (r *Redis) AddUsage(ctx context.Context, id string, tokens int) (int, error) {
	total, err := r.client.HIncrBy(ctx, fmt.Sprintf(userKey, id), "used", int64(tokens)).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "incrementing usage")
	}
	return int(total), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
