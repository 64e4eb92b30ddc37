// replmesh-node runs one mesh member: it joins the cluster from a seed
// list, answers an echo user type, and serves its metrics over HTTP.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"replmesh/internal/mesh"
	"replmesh/internal/metrics"
	"replmesh/internal/nameservice"
)

const echoUserType = 1

type seedList []string

func (s *seedList) String() string { return strings.Join(*s, ",") }

func (s *seedList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		name        = flag.String("name", "", "mesh hostname of this node (required)")
		port        = flag.Int("port", 19000, "mesh listen port")
		app         = flag.String("app", "replmesh", "application name")
		service     = flag.String("service", "replication", "service name")
		instance    = flag.String("instance", "default", "instance name")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		etcd        = flag.String("etcd", "", "comma-separated etcd endpoints for port rendezvous")
		subnets     = flag.String("subnets", "", "comma-separated subnet suffixes, e.g. _n2,_n3")
		seeds       seedList
	)
	flag.Var(&seeds, "seed", "seed peer as host or host:port (repeatable)")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "replmesh-node: -name is required")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replmesh-node: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := mesh.Options{
		App:      *app,
		Service:  *service,
		Instance: *instance,
		Hostname: *name,
		Port:     *port,
		Logger:   logger,
	}
	if *subnets != "" {
		opts.SubnetSuffixes = strings.Split(*subnets, ",")
	}
	if *etcd != "" {
		ns, err := nameservice.NewEtcd(strings.Split(*etcd, ","), nameservice.EtcdOptions{})
		if err != nil {
			logger.Fatal("etcd name service", zap.Error(err))
		}
		defer ns.Close()
		opts.Resolver = ns
		opts.Registrar = ns
	}

	m, err := mesh.New(opts)
	if err != nil {
		logger.Fatal("mesh setup", zap.Error(err))
	}

	err = m.RegisterHandler(echoUserType, "echo", func(ack *mesh.AckState, from string, _ int, data []byte) {
		logger.Info("echo request",
			zap.String("from", from), zap.ByteString("data", data))
		if ack != nil {
			if err := ack.AckPayload(0, append([]byte("echo:"), data...)); err != nil {
				logger.Warn("echo ack", zap.Error(err))
			}
		}
	})
	if err != nil {
		logger.Fatal("register handler", zap.Error(err))
	}

	for _, seed := range seeds {
		host, seedPort, err := splitSeed(seed)
		if err != nil {
			logger.Fatal("bad seed", zap.String("seed", seed), zap.Error(err))
		}
		m.AddPeer(host, seedPort)
	}

	if err := m.Start(); err != nil {
		logger.Fatal("mesh start", zap.Error(err))
	}
	logger.Info("mesh running",
		zap.String("host", m.Hostname()),
		zap.Int("port", m.Port()),
		zap.Strings("seeds", seeds))

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	m.Stop()
}

// splitSeed parses "host" or "host:port"; a bare host leaves the port to
// the name service.
func splitSeed(s string) (string, int, error) {
	if !strings.Contains(s, ":") {
		return s, 0, nil
	}
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return "", 0, fmt.Errorf("malformed seed %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
