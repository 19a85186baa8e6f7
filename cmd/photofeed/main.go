// Command photofeed は写真フィードのAPIサーバーを起動する。
//
// 使い方:
//
//	photofeed [serve|migrate|healthcheck]
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/photofeed/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
