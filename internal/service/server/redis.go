package server

import (
	"context"
	"fmt"

	"e2e_core/internal/model"
)

func queueKey(to model.Identity) string {
	return fmt.Sprintf("queue:%s", to)
}

// Dequeue takes every frame queued for to.
func (c *HttpServer) Dequeue(ctx context.Context, to model.Identity) ([][]byte, error) {
	vals, err := c.redisService.Drain(ctx, queueKey(to))
	if err != nil {
		return nil, err
	}

	res := make([][]byte, 0, len(vals))
	for _, v := range vals {
		res = append(res, []byte(v))
	}
	return res, nil
}

func (c *HttpServer) Enqueue(ctx context.Context, to model.Identity, frames ...[]byte) error {
	if len(frames) == 0 {
		return nil
	}
	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		vals = append(vals, f)
	}
	return c.redisService.RPush(ctx, queueKey(to), vals...)
}
