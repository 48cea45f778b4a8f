// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Do 重复执行 fn 直到成功、遇到不可恢复错误或次数用尽。
// 配置了 RetryErr 时，只有被它判定为可重试的错误才会继续。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := newConfig(opts)
	return run(ctx, c, func() (bool, error) {
		err := fn()
		if err == nil {
			return false, nil
		}
		if !IsRecoverable(err) {
			return false, err
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			return false, err
		}
		return true, err
	})
}

// Handle 与 Do 相同，但由 fn 自己决定是否值得重试。
func Handle(ctx context.Context, fn func() (bool, error), opts ...Option) error {
	return run(ctx, newConfig(opts), fn)
}

func newConfig(opts []Option) *config {
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func run(ctx context.Context, c *config, fn func() (bool, error)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger := log.Ctx(ctx)
	caller := getCaller(3)
	sleep := c.sleep

	var lastErr error
	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		shouldRetry, err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed", zap.Uint("retried", i), zap.String("caller", caller), zap.Error(err))
		}
		if !shouldRetry {
			return preferLast(err, lastErr)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < sleep {
			logger.Warn("retry func gave up before deadline", zap.Uint("retried", i), zap.String("caller", caller))
			return preferLast(err, lastErr)
		}
		lastErr = err

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return lastErr
		}
		sleep = min(sleep*2, c.maxSleepTime)
	}
	logger.Warn("retry func failed, reach max retry", zap.Uint("attempt", c.attempts), zap.String("caller", caller))
	return lastErr
}

// preferLast 在本次失败只是 ctx 错误时返回更有信息量的上一次错误。
func preferLast(err, lastErr error) error {
	if lastErr != nil && merr.IsCanceledOrTimeout(err) {
		return lastErr
	}
	return err
}

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 标记 err，使 Do 立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断 err 是否未被 Unrecoverable 标记。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
