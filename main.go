package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/icexin/gocraft-collab/proto"
)

var (
	configPath = flag.String("config", "", "yaml config file")
	listenAddr = flag.String("l", DefaultListenAddr, "listen address (empty to disable)")
	muxAddr    = flag.String("mux", "", "yamux listen address (empty to disable)")
	wsAddr     = flag.String("ws", "", "websocket listen address, served at /ws (empty to disable)")
	queueSize  = flag.Int("queue", DefaultQueueSize, "outbound queue size per connection")
	maxFrame   = flag.Int("max_frame", proto.DefaultMaxFrameSize, "max frame size in bytes")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "l":
			cfg.Listen = *listenAddr
		case "mux":
			cfg.MuxListen = *muxAddr
		case "ws":
			cfg.WSListen = *wsAddr
		case "queue":
			cfg.QueueSize = *queueSize
		case "max_frame":
			cfg.MaxFrameSize = *maxFrame
		}
	})
	cfg.Normalize()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg Config, logger *log.Logger) error {
	if cfg.Listen == "" && cfg.MuxListen == "" && cfg.WSListen == "" {
		return errors.New("no listen address configured")
	}

	server := NewServer(NewWorld(), cfg, logger)
	g, ctx := errgroup.WithContext(ctx)
	var closers []func() error
	fail := func(err error) error {
		for _, c := range closers {
			c()
		}
		return err
	}

	if cfg.Listen != "" {
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, l.Close)
		logger.Printf("listening on %s", l.Addr())
		g.Go(func() error { return ignoreClosed(server.Serve(l)) })
	}
	if cfg.MuxListen != "" {
		l, err := net.Listen("tcp", cfg.MuxListen)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, l.Close)
		logger.Printf("listening for yamux on %s", l.Addr())
		g.Go(func() error { return ignoreClosed(server.ServeMux(l)) })
	}
	if cfg.WSListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", server.WebsocketHandler())
		hs := &http.Server{Addr: cfg.WSListen, Handler: mux}
		l, err := net.Listen("tcp", cfg.WSListen)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, hs.Close)
		logger.Printf("listening for websocket on %s", l.Addr())
		g.Go(func() error {
			if err := hs.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Print("shutting down")
		for _, c := range closers {
			c()
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
