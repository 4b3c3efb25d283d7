package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"runicvtt/config"
	"runicvtt/server"
	"runicvtt/store"
	"runicvtt/table"
	"runicvtt/tunnel"
)

// runicvtt 入口：加载存档，启动 HTTP + WebSocket 服务，可选开启公网隧道
func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 使用第三方 zap 日志库写入日志文件（带滚动）
	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer server.SyncLogger(log)

	if err := run(cfg, log); err != nil {
		log.Errorw("exit", "error", err)
		server.SyncLogger(log)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tb := table.New(cfg.Table.Name, log.Named("table"), table.WithBoardDefaults(table.BoardDefaults{
		Width:    cfg.Table.BoardWidth,
		Height:   cfg.Table.BoardHeight,
		CellSize: cfg.Table.CellSize,
	}))

	var st *store.Store
	if cfg.Storage.Enabled {
		var err error
		st, err = store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		d, ok, err := st.Load(ctx, cfg.Table.Name)
		if err != nil {
			return err
		}
		if ok {
			if err := tb.Restore(d); err != nil {
				return fmt.Errorf("restore table %q: %w", cfg.Table.Name, err)
			}
			log.Infow("table restored", "table", cfg.Table.Name, "boards", len(d.Boards))
		}
	}

	metrics, err := server.NewMetrics()
	if err != nil {
		return err
	}

	var tun *tunnel.Session
	opts := server.Options{
		TickInterval: cfg.Table.TickInterval(),
		SendQueue:    cfg.Session.SendQueue,
		CommandQueue: cfg.Session.CommandQueue,
	}
	if st != nil {
		opts.Saver = st
	}
	if cfg.Tunnel.Enabled {
		port, err := listenPort(cfg.Server.Addr)
		if err != nil {
			return err
		}
		tun = tunnel.NewSession(tunnel.SessionConfig{
			Command:     cfg.Tunnel.Command,
			Options:     tunnel.Options{Port: port, Subdomain: cfg.Tunnel.Subdomain, Host: cfg.Tunnel.Host},
			EventBuffer: cfg.Tunnel.EventBuffer,
			StopTimeout: cfg.Tunnel.StopTimeout,
		}, log.Named("tunnel"))
		opts.Tunnel = tun
	}

	sess := server.NewSession(tb, opts, metrics, log.Named("session"))
	sess.Start(ctx)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: sess.Routes(cfg.Server.WebDir)}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("runicvtt listening on %s; open http://localhost%v/", cfg.Server.Addr, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if tun != nil {
		// 隧道失败不影响桌面，只记录
		if err := tun.Launch(ctx); err != nil {
			log.Errorw("tunnel launch failed", "error", err)
		}
		go watchTunnel(tun, log)
	}

	// 优雅退出（Ctrl+C）
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Errorw("listen failed", "error", err)
	}
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tun != nil {
		if err := tun.Stop(shutdownCtx); err != nil {
			log.Warnw("tunnel stop", "error", err)
		}
	}
	_ = srv.Shutdown(shutdownCtx)
	sess.Stop()
	if st != nil {
		if err := sess.Save(shutdownCtx); err != nil {
			return fmt.Errorf("save on shutdown: %w", err)
		}
	}
	return nil
}

// watchTunnel 将隧道事件写入日志，直到会话终结
func watchTunnel(tun *tunnel.Session, log *zap.SugaredLogger) {
	for ev := range tun.Events() {
		if ev.Event == tunnel.EventReady {
			log.Infof("table reachable at %s", ev.URL)
		}
	}
	code, err := tun.Wait()
	log.Infow("tunnel session ended", "state", tun.State().String(), "code", code, "error", err)
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("server.addr %q: %w", addr, err)
	}
	return strconv.Atoi(p)
}
