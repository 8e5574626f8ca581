package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 使用方式：
//   go build -o bin/sdkd ./cmd/sdkd
//   ./bin/sdkd backend --grpc :50051
//   ./bin/sdkd simulate -c configs/default.yaml
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/sdk-runtime/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
