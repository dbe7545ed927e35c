package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runtime/debug"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/common/utils"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/service/batch"
)

const (
	projectName = "sbcntr-lending-reminder"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	asOfFlag := flag.String("as-of", "", "基準日(YYYY-MM-DD)。省略時は設定タイムゾーンの今日")
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	if os.Getenv("ENV") != "LOCAL" {
		if flag.NArg() == 0 || flag.Arg(flag.NArg()-1) == "" {
			log.Fatalf("Task token is required")
		}
		taskToken = flag.Arg(flag.NArg() - 1)
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := utils.ConfigureTracing("1.0.0"); err != nil {
			log.Fatalf("Failed to configure tracing: %v", err)
		}
	}

	// AWSクライアントの初期化
	// SESは通知方式がsesの場合のみ使用する
	var (
		sfnClient batch.SFNAPI
		sesClient notifier.SESAPI
	)
	if !cfg.IsLocal() || cfg.Notifier.Mode == config.NotifierModeSES {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		if !cfg.IsLocal() {
			sfnClient = sfn.NewFromConfig(awsCfg)
		}
		if cfg.Notifier.Mode == config.NotifierModeSES {
			sesClient = sesv2.NewFromConfig(awsCfg)
		}
	}

	// コンテキストの作成
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// サービスの初期化
	service, err := batch.NewReminderBatchService(ctx, cfg, sfnClient, sesClient)
	if err != nil {
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	if *asOfFlag != "" {
		asOf, err := model.ParseDate(*asOfFlag)
		if err != nil {
			log.Fatalf("Invalid -as-of: %v", err)
		}
		service.SetAsOf(asOf)
	}

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("task_token", taskToken); err != nil {
			log.Printf("Failed to add task_token metadata: %v", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			log.Printf("Batch process failed: %v\nStack trace:\n%s", err, debug.Stack())

			// ローカル環境以外の場合のみStep Functionsのエラー通知を行う
			if !cfg.IsLocal() && sfnClient != nil {
				// タイムアウト後でも通知できるよう新しいコンテキストを使う
				failCtx, failCancel := context.WithTimeout(context.Background(), 30*time.Second)
				if sendErr := batch.SendTaskFailure(failCtx, sfnClient, taskToken, err); sendErr != nil {
					log.Printf("Failed to send task failure: %v", errors.Join(err, sendErr))
				}
				failCancel()
			}

			os.Exit(1)
		}
		log.Println("Batch process completed successfully")
	}
}
