// Package storage 提供用户记录与离线消息的持久化实现。
package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"

	DefaultConnectAttempts = 5
)

// SpoolEntry 是一条离线消息，ID 在同一 UIN 下单调递增。
type SpoolEntry struct {
	ID   uint64
	Data []byte
}

// SpoolStore 保存投递失败且要求离线保存的消息。
type SpoolStore interface {
	Append(ctx context.Context, uin types.UIN, data []byte) (uint64, error)
	List(ctx context.Context, uin types.UIN) ([]SpoolEntry, error)
	Delete(ctx context.Context, uin types.UIN, id uint64) error
}

// Backend 同时提供用户记录与离线消息存储。
type Backend interface {
	userdata.Store
	SpoolStore
	Close() error
}

type Config struct {
	Driver          string `mapstructure:"driver"`
	BoltPath        string `mapstructure:"boltPath"`
	PostgresDSN     string `mapstructure:"postgresDSN"`
	ConnectAttempts int    `mapstructure:"connectAttempts"`
}

// Open 按 driver 打开存储后端。
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBolt:
		b, err := OpenBolt(ctx, cfg.BoltPath, cfg.ConnectAttempts)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.ConnectAttempts)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown storage driver %q", cfg.Driver)
	}
}

// connect 以指数退避重试 fn，直到成功、次数耗尽或 ctx 结束。
func connect(ctx context.Context, what string, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := b.NextBackOff()
		log.Ctx(ctx).Warn("storage connect failed, retrying",
			zap.String("backend", what),
			zap.Int("attempt", i+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return merr.WrapErrIoFailed(what, err)
}
