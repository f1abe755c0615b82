package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidData      = errors.New("invalid feed data")
	ErrInstanceDisabled = errors.New("instance disabled")
	ErrMissingEndpoint  = errors.New("missing endpoint")
	ErrUnknownProtocol  = errors.New("unknown protocol")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrQueryTimeout     = errors.New("query timeout")
	ErrPoolClosed       = errors.New("connection pool closed")
	ErrShutdown         = errors.New("shutting down")
)

// FetchError 单个 symbol 重试耗尽后的错误
type FetchError struct {
	Symbol   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Symbol, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError 持久化层错误，Op 为操作名
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsConfigError 配置类错误不重试
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingEndpoint) ||
		errors.Is(err, ErrUnknownProtocol) ||
		errors.Is(err, ErrInstanceDisabled)
}

// IsRetryable 数据错误与未找到直接跳过，其余视为瞬时错误
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidData) && !IsConfigError(err)
}

// BackoffDelay 指数退避：base * multiplier^(attempt-1)
func BackoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
