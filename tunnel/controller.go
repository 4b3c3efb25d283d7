package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Options 隧道启动参数
type Options struct {
	Port      int
	Subdomain string
	Host      string // 备用隧道代理地址
}

var errInvalidPort = errors.New(MsgInvalidPort)

// ParseArgs 解析 --key value 与 --key=value 形式，忽略未知参数
func ParseArgs(args []string) (Options, error) {
	fs := pflag.NewFlagSet("tunnelctl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	port := fs.String("port", "", "local port to expose (1..65535)")
	subdomain := fs.String("subdomain", "", "requested public subdomain")
	host := fs.String("host", "", "tunnel broker base url")
	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("%w: %v", errInvalidPort, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(*port))
	if err != nil || n <= 0 || n > 65535 {
		return Options{}, errInvalidPort
	}
	return Options{Port: n, Subdomain: *subdomain, Host: *host}, nil
}

// Args 还原为命令行参数
func (o Options) Args() []string {
	args := []string{"--port", strconv.Itoa(o.Port)}
	if o.Subdomain != "" {
		args = append(args, "--subdomain", o.Subdomain)
	}
	if o.Host != "" {
		args = append(args, "--host", o.Host)
	}
	return args
}

// RunController 隧道子进程主体，返回进程退出码
// stdout 只写事件行；stdin 读取控制指令，"stop" 或 EOF 触发优雅关闭
func RunController(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, broker Broker) int {
	out := newEventWriter(stdout)
	out.emit(bootEvent(args))

	opts, err := ParseArgs(args)
	if err != nil {
		out.emit(errorEvent(MsgInvalidPort))
		return 1
	}

	// stop 指令在申请隧道期间同样有效
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) == StopDirective {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	tun, err := broker.Open(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			out.emit(closedEvent())
			return 0
		}
		out.emit(errorEvent(err.Error()))
		return 1
	}
	if ctx.Err() != nil {
		_ = tun.Close()
		out.emit(closedEvent())
		return 0
	}
	out.emit(readyEvent(tun.URL()))

	for {
		select {
		case <-ctx.Done():
			_ = tun.Close()
			out.emit(closedEvent())
			return 0
		case err := <-tun.Errors():
			out.emit(errorEvent(err.Error()))
		case <-tun.Done():
			// 远端关闭：不是调用方请求的关闭
			if err := tun.Err(); err != nil {
				out.emit(errorEvent(err.Error()))
			}
			out.emit(closedEvent())
			return 1
		}
	}
}

func bootEvent(args []string) Event {
	cwd, _ := os.Getwd()
	argv := append([]string{os.Args[0]}, args...)
	return Event{Event: EventBoot, Cwd: cwd, Argv: argv, Go: runtime.Version()}
}
