// tunnelctl 将本机端口经 localtunnel 暴露到公网
// 标准输出逐行输出 JSON 事件，标准输入接受 stop 指令
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"runicvtt/tunnel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := tunnel.RunController(ctx, os.Args[1:], os.Stdin, os.Stdout, &tunnel.LocalTunnel{})
	stop()
	os.Exit(code)
}
