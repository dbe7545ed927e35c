package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout はバッチ処理がタイムアウトしたことを表します
var ErrTimeout = errors.New("batch process timed out")

// 指定されたタイムアウト時間内でバッチ処理を実行する
// タイムアウトを超えた場合は、コンテキストをキャンセルして ErrTimeout を返す
// 親コンテキストがキャンセルされた場合はその理由を返す
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		if parent.Err() != nil {
			return fmt.Errorf("batch process cancelled: %w", parent.Err())
		}
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}
