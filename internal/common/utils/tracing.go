package utils

import (
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// xrayDaemonAddr はサイドカーで動くX-Rayデーモンのアドレスです
const xrayDaemonAddr = "127.0.0.1:2000"

// ConfigureTracing はX-Rayを設定します
// デーモンの設定に失敗した場合はデフォルト設定で再試行します
func ConfigureTracing(serviceVersion string) error {
	if err := xray.Configure(xray.Config{
		DaemonAddr:     xrayDaemonAddr,
		ServiceVersion: serviceVersion,
	}); err != nil {
		log.Printf("Failed to configure X-Ray: %v", err)
		if configErr := xray.Configure(xray.Config{}); configErr != nil {
			return fmt.Errorf("failed to configure default X-Ray settings: %w", configErr)
		}
	}
	// セグメントのないコンテキストでサブセグメントを開始してもpanicさせない
	os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	return nil
}
