// Command rdt-gateway wires a LinkPort, the RDT engine, the request broker,
// pairing, the parameter registry and the file service into one runnable
// daemon.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/config"
	"github.com/kestrel-link/rdt/pkg/files"
	"github.com/kestrel-link/rdt/pkg/link"
	"github.com/kestrel-link/rdt/pkg/metrics"
	"github.com/kestrel-link/rdt/pkg/pairing"
	"github.com/kestrel-link/rdt/pkg/params"
	"github.com/kestrel-link/rdt/pkg/rdt"
	"github.com/kestrel-link/rdt/pkg/store"
)

const (
	systemChannel = 0
	paramsChannel = 2
	filesChannel  = 3
)

func main() {
	log.SetLevel(log.InfoLevel)

	iface := flag.String("iface", "serial", "link implementation: serial|loopback")
	device := flag.String("device", "/dev/ttyUSB0", "serial device path (iface=serial)")
	baud := flag.Int("baud", 115200, "serial baud rate (iface=serial)")
	configPath := flag.String("config", "", "engine tuning INI path (optional, see pkg/config)")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve Prometheus metrics on")
	ownAddrHex := flag.String("own-addr", "", "own 6-byte link address, hex, e.g. aabbccddeeff (required to pair)")
	doPair := flag.Bool("pair", false, "run the pairing handshake before serving requests")
	filesRoot := flag.String("files-root", ".", "root directory the file service is jailed to")
	redisAddr := flag.String("redis-addr", "", "Redis address for the peer store (empty: in-memory only)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := rdt.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("rdt-gateway: loading config: %v", err)
		}
		cfg = loaded.Engine
	}
	// The file service moves much larger blocks than params/system; give it
	// headroom beyond the 512B default unless the configured size is already
	// larger than that default.
	if cfg.MaxBlockSize[filesChannel] <= rdt.DefaultMaxBlockSize {
		cfg.MaxBlockSize[filesChannel] = 4096 + 64
	}

	lp, closeLink := newLink(*iface, *device, *baud)
	defer closeLink()

	collector := metrics.New()
	go serveMetrics(*metricsAddr, collector)

	engine := rdt.NewEngine(lp, cfg)
	engine.SetObserver(collector)
	go engine.Run(ctx)
	defer engine.Close()

	b := broker.New(engine, 0)
	b.SetObserver(collector)

	peerStore := newPeerStore(*redisAddr)
	ownAddr, err := parseAddr(*ownAddrHex)
	if err != nil {
		log.Fatalf("rdt-gateway: -own-addr: %v", err)
	}

	paramsRegistry := params.New(engine, b, paramsChannel)
	stopParams := make(chan struct{})
	go func() {
		if err := paramsRegistry.Run(stopParams); err != nil {
			log.Errorf("rdt-gateway: params registry stopped: %v", err)
		}
	}()
	defer close(stopParams)

	producer := files.NewOsProducer(*filesRoot, slog.Default())
	filesService := files.New(engine, b, filesChannel, producer)
	stopFiles := make(chan struct{})
	go func() {
		if err := filesService.Run(stopFiles); err != nil {
			log.Errorf("rdt-gateway: file service stopped: %v", err)
		}
	}()
	defer close(stopFiles)

	if *doPair {
		sm := pairing.New(engine, peerStore, ownAddr, pairing.Config{})
		log.Info("rdt-gateway: starting pairing")
		if err := sm.StartPairing(ctx); err != nil {
			log.Warnf("rdt-gateway: pairing did not complete: %v", err)
		} else {
			log.Infof("rdt-gateway: paired with %s", sm.Peer())
		}
	}

	log.Info("rdt-gateway: running, ctrl-c to stop")
	<-ctx.Done()
	log.Info("rdt-gateway: shutting down")
}

func newLink(iface, device string, baud int) (rdt.LinkPort, func()) {
	switch iface {
	case "serial":
		sl, err := link.NewSerialLink(device, baud, rdt.PacketSize, slog.Default())
		if err != nil {
			log.Fatalf("rdt-gateway: opening serial link: %v", err)
		}
		return sl, func() { _ = sl.Close() }
	case "loopback":
		a, b := link.NewLoopbackPair()
		_ = b // the peer end is only useful for in-process smoke tests
		return a, func() {}
	default:
		log.Fatalf("rdt-gateway: unknown -iface %q (want serial|loopback)", iface)
		return nil, nil
	}
}

func newPeerStore(redisAddr string) store.PeerStore {
	if redisAddr == "" {
		return store.NewInMemoryPeerStore()
	}
	client := newRedisClient(redisAddr)
	return store.NewRedisPeerStore(client, "rdt:paired_peer")
}

func newRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func parseAddr(hexAddr string) (store.PeerAddr, error) {
	var addr store.PeerAddr
	if hexAddr == "" {
		return addr, nil
	}
	raw, err := hex.DecodeString(hexAddr)
	if err != nil || len(raw) != 6 {
		return addr, fmt.Errorf("must be 12 hex characters (6 bytes), got %q", hexAddr)
	}
	copy(addr[:], raw)
	return addr, nil
}

func serveMetrics(addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("rdt-gateway: metrics server: %v", err)
	}
}
