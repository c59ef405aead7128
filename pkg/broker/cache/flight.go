// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// maxFlightJoins bounds how often a caller re-runs a flight that was
// cancelled by the caller that started it.
const maxFlightJoins = 3

// doOnce runs fn through g so concurrent callers for key share one call.
// The call runs with the ctx of the caller that started it, so cancelling
// that caller aborts the call. A waiter whose own ctx is still live does not
// inherit that cancellation; it starts or joins a new flight instead.
func doOnce[V any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (V, error)) (V, bool, error) {
	var zero V

	for attempt := 1; ; attempt++ {
		ch := g.DoChan(key, func() (any, error) {
			return fn(ctx)
		})

		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && isContextError(res.Err) && ctx.Err() == nil && attempt < maxFlightJoins {
					continue
				}
				return zero, false, res.Err
			}
			v, _ := res.Val.(V)
			return v, false, nil
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
