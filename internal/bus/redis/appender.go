package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Appender XADDs raw payloads to a stream in the layout Source reads.
type Appender struct {
	client *goredis.Client
	stream string
	maxLen int64
}

func NewAppender(client *goredis.Client, stream string) *Appender {
	return &Appender{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

// Send appends value. The key is not stored; Redis streams have no partitions.
func (a *Appender) Send(ctx context.Context, _, value []byte) error {
	err := a.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: a.stream,
		MaxLen: a.maxLen,
		Approx: true,
		Values: map[string]interface{}{streamField: string(value)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", a.stream, err)
	}
	return nil
}

func (a *Appender) Close() error { return nil }
