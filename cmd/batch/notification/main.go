package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/common/utils"
	"github.com/uma-arai/sbcntr-lending/internal/service/batch"
)

const (
	projectName = "sbcntr-lending-notification"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	limit := flag.Int("limit", 0, "1回の実行で送信する通知の上限(0はデフォルト)")
	flag.Parse()

	// 設定の読み込み
	// このバッチはStep Functionsのタスクトークンを使わない
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := utils.ConfigureTracing("1.0.0"); err != nil {
			log.Fatalf("Failed to configure tracing: %v", err)
		}
	}

	// コンテキストを作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SESクライアントの初期化
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// 通知バッチサービスを作成
	service, err := batch.NewNotificationBatchService(ctx, cfg, sesv2.NewFromConfig(awsCfg))
	if err != nil {
		log.Fatalf("Failed to create notification batch service: %v", err)
	}
	defer service.Close()
	if *limit > 0 {
		service.SetLimit(*limit)
	}

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// シグナルハンドリング
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルを待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			log.Printf("Batch process failed: %v\nStack trace:\n%s", err, debug.Stack())
			os.Exit(1)
		}
		log.Println("Batch process completed successfully")
	}
}
