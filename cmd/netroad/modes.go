package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/netroad/config"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/logger"
	"github.com/cyberinferno/netroad/relay"
	"github.com/cyberinferno/netroad/tcpclient"
	"github.com/cyberinferno/netroad/tcpserver"
	"github.com/cyberinferno/netroad/udp"
)

// linger is how long a receiving client keeps reading after its input ends.
const linger = 500 * time.Millisecond

// lineWriter serializes output from handler goroutines.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// scanLines feeds input lines into a channel that is closed at EOF.
func scanLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	return lines
}

// pump sends every input line with send until the input ends, ctx is done or
// gone is closed. Blank lines are skipped.
func pump(ctx context.Context, in io.Reader, gone <-chan struct{}, receive bool, send func(string) error) error {
	lines := scanLines(in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case line, open := <-lines:
			if !open {
				if receive {
					select {
					case <-ctx.Done():
					case <-gone:
					case <-time.After(linger):
					}
				}
				return nil
			}

			if err := send(line); err != nil && !errors.Is(err, framing.ErrEmptyContent) {
				return err
			}
		}
	}
}

func runClient(ctx context.Context, cfg *config.Config, log logger.Logger, in io.Reader, out io.Writer) error {
	c, err := cfg.Codec()
	if err != nil {
		return err
	}

	w := &lineWriter{w: out}
	session, err := tcpclient.New(tcpclient.Config{
		Address:           cfg.Address,
		Port:              cfg.Port,
		Encoding:          c.Encoding(),
		Receive:           cfg.Receive,
		ConnectionTimeout: cfg.ConnectTimeout,
		SendTimeout:       cfg.SendTimeout,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	gone := make(chan struct{})
	session.OnDataReceived(func(e tcpclient.DataReceivedEvent) {
		w.printf("%s\n", e.Message)
	})
	session.OnDisconnected(func(e tcpclient.DisconnectedEvent) {
		close(gone)
	})

	ok, err := session.ConnectContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is unreachable", session.Remote())
	}
	defer func() { _ = session.Disconnect() }()

	return pump(ctx, in, gone, cfg.Receive, func(line string) error {
		_, err := session.Send(line)
		return err
	})
}

func runServer(ctx context.Context, cfg *config.Config, log logger.Logger, out io.Writer) error {
	c, err := cfg.Codec()
	if err != nil {
		return err
	}

	srv, err := tcpserver.New(tcpserver.Config{
		Name:        "netroad",
		Address:     cfg.Address,
		Port:        cfg.Port,
		Encoding:    c.Encoding(),
		Backlog:     cfg.Backlog,
		SendTimeout: cfg.SendTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		defer client.Close()

		broker := relay.NewRedisBroker(client)
		if err := broker.Ping(ctx); err != nil {
			return err
		}

		rl, err = relay.New(relay.Config{
			Channel:        cfg.Relay.Channel,
			Broker:         broker,
			PublishTimeout: cfg.SendTimeout,
			Logger:         log,
		})
		if err != nil {
			return err
		}
	}

	w := &lineWriter{w: out}
	srv.OnStarted(func(e tcpserver.StartedEvent) {
		w.printf("listening on %s\n", e.Endpoint)
	})

	var forward tcpserver.DataReceivedHandler
	if rl != nil {
		forward = rl.Forwarder(ctx)
	}

	srv.OnDataReceived(func(e tcpserver.DataReceivedEvent) {
		w.printf("read:\t%s\n", e.Message)

		if cfg.Server.Echo {
			if err := srv.SendToOne(e.Peer, e.Message); err != nil {
				log.Warn("echo failed", logger.Field{Key: "peer", Value: uint32(e.Peer)}, logger.Field{Key: "error", Value: err})
			}
		}

		if cfg.Server.Broadcast {
			results, err := srv.SendToAll(e.Message)
			if err == nil {
				err = results.Err()
			}
			if err != nil {
				log.Warn("broadcast failed", logger.Field{Key: "error", Value: err})
			}
		}

		if forward != nil {
			forward(e)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if rl != nil {
		g.Go(func() error {
			return rl.Run(gctx, srv)
		})
	}

	return g.Wait()
}

func runUDPClient(ctx context.Context, cfg *config.Config, log logger.Logger, in io.Reader, out io.Writer) error {
	c, err := cfg.Codec()
	if err != nil {
		return err
	}

	client, err := udp.NewClient(udp.ClientConfig{
		Address:  cfg.Address,
		Port:     cfg.Port,
		Encoding: c.Encoding(),
		Receive:  cfg.Receive,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	w := &lineWriter{w: out}
	client.OnDataReceived(func(e udp.DatagramEvent) {
		w.printf("%s\n", e.Message)
	})

	if err := client.Connect(); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	return pump(ctx, in, nil, cfg.Receive, client.Send)
}

func runUDPServer(ctx context.Context, cfg *config.Config, log logger.Logger, out io.Writer) error {
	c, err := cfg.Codec()
	if err != nil {
		return err
	}

	srv, err := udp.NewServer(udp.ServerConfig{
		Address:  cfg.Address,
		Port:     cfg.Port,
		Encoding: c.Encoding(),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	w := &lineWriter{w: out}
	srv.OnStarted(func(e udp.StartedEvent) {
		w.printf("listening on %s\n", e.Endpoint)
	})
	srv.OnDataReceived(func(e udp.DatagramEvent) {
		w.printf("read:\t%s\t%s\n", e.From, e.Message)

		if cfg.Server.Echo {
			if err := srv.SendTo(e.From, e.Message); err != nil {
				log.Warn("echo failed", logger.Field{Key: "to", Value: e.From.String()}, logger.Field{Key: "error", Value: err})
			}
		}
	})

	return srv.Run(ctx)
}
