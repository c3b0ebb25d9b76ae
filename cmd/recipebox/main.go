// Command recipebox はレシピ共有APIのサーバー・ワーカー・マイグレーションを起動する。
//
// 使い方:
//
//	recipebox [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/recipebox/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "recipebox: %v\n", err)
		os.Exit(1)
	}
}
