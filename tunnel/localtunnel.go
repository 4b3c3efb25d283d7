package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultHost 公共隧道代理
const DefaultHost = "https://localtunnel.me"

const (
	localRetryDelay       = time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Broker 打开一条公网隧道
type Broker interface {
	Open(ctx context.Context, opts Options) (Tunnel, error)
}

// Tunnel 已建立的隧道
// Errors 上报可恢复的运行时错误；Done 关闭表示隧道终止，Err 给出终止原因
type Tunnel interface {
	URL() string
	Errors() <-chan error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// LocalTunnel localtunnel 协议客户端
type LocalTunnel struct {
	Client     *http.Client
	Dialer     *net.Dialer
	LocalHost  string // 默认 localhost
	MaxRetries uint   // 单条连接重拨上限，默认 5

	RequestTimeout time.Duration // 申请隧道的超时，默认 30s
}

// brokerInfo 代理分配结果
type brokerInfo struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// Open 向代理申请隧道并启动连接池
func (lt *LocalTunnel) Open(ctx context.Context, opts Options) (Tunnel, error) {
	host := opts.Host
	if host == "" {
		host = DefaultHost
	}
	base, err := url.Parse(host)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid tunnel host %q", host)
	}
	info, err := lt.request(ctx, base, opts.Subdomain)
	if err != nil {
		return nil, err
	}

	remote := info.IP
	if remote == "" {
		remote = base.Hostname()
	}
	workers := info.MaxConnCount
	if workers < 1 {
		workers = 1
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &localTunnel{
		url:    info.URL,
		remote: net.JoinHostPort(remote, strconv.Itoa(info.Port)),
		local:  net.JoinHostPort(lt.localHost(), strconv.Itoa(opts.Port)),
		dialer: lt.dialer(),
		tries:  lt.maxRetries(),
		errs:   make(chan error, workers),
		done:   make(chan struct{}),
		ctx:    tctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
	t.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.worker()
	}
	go func() {
		t.wg.Wait()
		t.finish(nil)
	}()
	return t, nil
}

func (lt *LocalTunnel) request(ctx context.Context, base *url.URL, subdomain string) (brokerInfo, error) {
	u := *base
	if subdomain != "" {
		u.Path = "/" + subdomain
	} else {
		u.Path = "/"
		u.RawQuery = "new"
	}
	ctx, cancel := context.WithTimeout(ctx, lt.requestTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return brokerInfo{}, err
	}
	client := lt.Client
	if client == nil {
		client = &http.Client{Timeout: lt.requestTimeout()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return brokerInfo{}, fmt.Errorf("tunnel broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	var info brokerInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&info); err != nil {
		return brokerInfo{}, fmt.Errorf("tunnel broker reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if info.Message != "" {
			return brokerInfo{}, errors.New(info.Message)
		}
		return brokerInfo{}, fmt.Errorf("tunnel broker status %d", resp.StatusCode)
	}
	if info.URL == "" || info.Port <= 0 {
		return brokerInfo{}, errors.New("tunnel broker reply missing url or port")
	}
	return info, nil
}

func (lt *LocalTunnel) localHost() string {
	if lt.LocalHost == "" {
		return "localhost"
	}
	return lt.LocalHost
}

func (lt *LocalTunnel) dialer() *net.Dialer {
	if lt.Dialer == nil {
		return &net.Dialer{Timeout: 10 * time.Second}
	}
	return lt.Dialer
}

func (lt *LocalTunnel) requestTimeout() time.Duration {
	if lt.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return lt.RequestTimeout
}

func (lt *LocalTunnel) maxRetries() uint {
	if lt.MaxRetries == 0 {
		return 5
	}
	return lt.MaxRetries
}

type localTunnel struct {
	url    string
	remote string
	local  string
	dialer *net.Dialer
	tries  uint

	errs chan error
	done chan struct{}
	once sync.Once
	err  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (t *localTunnel) URL() string           { return t.url }
func (t *localTunnel) Errors() <-chan error  { return t.errs }
func (t *localTunnel) Done() <-chan struct{} { return t.done }

func (t *localTunnel) Err() error {
	<-t.done
	return t.err
}

// Close 主动关闭：停止重拨并断开所有连接
func (t *localTunnel) Close() error {
	t.shutdown()
	t.wg.Wait()
	t.finish(nil)
	return nil
}

func (t *localTunnel) shutdown() {
	t.cancel()
	t.mu.Lock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
}

// finish 只记录第一次终止原因
func (t *localTunnel) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// report 非阻塞上报运行时错误
func (t *localTunnel) report(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *localTunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		_ = c.Close()
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *localTunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	_ = c.Close()
}

// worker 维持一条到代理的连接，每次连接对接一次本地服务
func (t *localTunnel) worker() {
	defer t.wg.Done()
	for t.ctx.Err() == nil {
		remote, err := backoff.Retry(t.ctx, func() (net.Conn, error) {
			return t.dialer.DialContext(t.ctx, "tcp", t.remote)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(t.tries),
			backoff.WithNotify(func(err error, _ time.Duration) { t.report(err) }),
		)
		if err != nil {
			if t.ctx.Err() == nil {
				t.finish(fmt.Errorf("tunnel connection lost: %w", err))
				t.shutdown()
			}
			return
		}
		if !t.track(remote) {
			return
		}
		t.serve(remote)
	}
}

// serve 将一条代理连接对接到本地端口，直到任一端关闭
func (t *localTunnel) serve(remote net.Conn) {
	defer t.untrack(remote)

	local, err := t.dialer.DialContext(t.ctx, "tcp", t.local)
	if err != nil {
		if t.ctx.Err() == nil {
			t.report(fmt.Errorf("local service unreachable: %w", err))
		}
		select {
		case <-t.ctx.Done():
		case <-time.After(localRetryDelay):
		}
		return
	}
	if !t.track(local) {
		return
	}
	defer t.untrack(local)

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, local, remote)
	go pipe(&wg, remote, local)
	wg.Wait()
}

func pipe(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
	// 一端结束即关闭双方，唤醒另一方向的拷贝
	_ = dst.Close()
	_ = src.Close()
}
