// hyperdemo runs the MathUtils example as a server or a client.
//
//	hyperdemo -role server -addr :7000
//	hyperdemo -role client -addr 127.0.0.1:7000
//
// With -etcd the server announces itself and the client discovers it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"hyper-rpc/client"
	"hyper-rpc/example"
	"hyper-rpc/internal/util"
	"hyper-rpc/loadbalance"
	"hyper-rpc/middleware"
	"hyper-rpc/registry"
	"hyper-rpc/server"
	"hyper-rpc/transport"
)

type config struct {
	role      string
	addr      string
	advertise string
	etcd      string
	interval  time.Duration
	timeout   time.Duration
	rate      float64
	debug     bool
	stats     bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.role, "role", "server", "server or client")
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:7000", "listen address (server) or server address (client)")
	flag.StringVar(&cfg.advertise, "advertise", "", "address announced to etcd, defaults to the listen address")
	flag.StringVar(&cfg.etcd, "etcd", "", "comma separated etcd endpoints for service discovery")
	flag.DurationVar(&cfg.interval, "ka-interval", transport.DefaultKeepAliveInterval, "keep-alive probe interval")
	flag.DurationVar(&cfg.timeout, "ka-timeout", transport.DefaultKeepAliveTimeout, "keep-alive timeout")
	flag.Float64Var(&cfg.rate, "rate", 0, "max inbound requests per second, 0 for no limit")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&cfg.stats, "stats", false, "log traffic statistics every second")
	flag.Parse()

	if cfg.debug {
		util.EnableDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.DefaultHeader.Println("hyper-rpc demo: " + cfg.role)
	if cfg.stats {
		util.StartStatsReporter(ctx, time.Second)
	}

	var err error
	switch cfg.role {
	case "server":
		err = runServer(ctx, cfg)
	case "client":
		err = runClient(ctx, cfg)
	default:
		err = fmt.Errorf("unknown role %q", cfg.role)
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func keepAlive(cfg config) (transport.KeepAlive, error) {
	return transport.NewKeepAlive(cfg.interval, cfg.timeout)
}

func openRegistry(cfg config) (*registry.EtcdRegistry, error) {
	if cfg.etcd == "" {
		return nil, nil
	}
	return registry.NewEtcdRegistry(strings.Split(cfg.etcd, ","))
}

func runServer(ctx context.Context, cfg config) error {
	ka, err := keepAlive(cfg)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithKeepAlive(ka),
		server.WithMiddleware(middleware.LoggingMiddleware()),
	}
	if cfg.rate > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(cfg.rate, int(cfg.rate)+1)))
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.advertise))
	}

	svr := server.NewServer(opts...)
	math := example.NewMathUtils(0)
	if err := svr.AddService(math); err != nil {
		return err
	}
	svr.OnConnected(func(conn *transport.Connection) {
		pterm.Success.Printfln("client %d joined from %s", conn.ID(), conn.RemoteAddr())
	})
	svr.OnDisconnected(func(conn *transport.Connection, reason error) {
		pterm.Warning.Printfln("client %d left: %v", conn.ID(), reason)
	})
	if err := svr.Start("tcp", cfg.addr); err != nil {
		return err
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return svr.Shutdown(3 * time.Second)
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			v, err := math.Scale(callCtx, n)
			cancel()
			if err != nil {
				pterm.Error.Printfln("scale %d: %v", n, err)
				continue
			}
			pterm.Info.Printfln("scale %d across %d clients, last answer %d", n, len(svr.ConnectionIDs()), v)
		}
	}
}

func runClient(ctx context.Context, cfg config) error {
	ka, err := keepAlive(cfg)
	if err != nil {
		return err
	}
	cli := client.NewClient(client.WithKeepAlive(ka))
	math := example.NewMathUtils(2)
	if err := cli.AddService(math); err != nil {
		return err
	}
	cli.OnDisconnected(func(reason error) {
		pterm.Warning.Printfln("disconnected: %v", reason)
	})

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		err = cli.ConnectService(ctx, reg, &loadbalance.RoundRobinBalancer{}, "MathUtils")
	} else {
		err = cli.Connect(ctx, "tcp", cfg.addr)
	}
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := cli.WaitReady(ctx); err != nil {
		return err
	}
	pterm.Success.Printfln("connected as client %d", cli.ID())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-cli.Connection().Done():
			return cli.Connection().Err()
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			sum, err := math.Add(callCtx, n, n)
			cancel()
			if err != nil {
				pterm.Error.Printfln("add %d: %v", n, err)
				continue
			}
			pterm.Info.Printfln("%d + %d = %d", n, n, sum)
		}
	}
}
