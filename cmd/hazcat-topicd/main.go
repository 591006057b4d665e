// Command hazcat-topicd registers a single publisher or subscriber
// endpoint on a topic and bridges it to stdin/stdout, for shell pipelines
// and manual testing of a running hazcat deployment.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/tensorlane/hazcat"
	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/allocator/devicering"
	"github.com/tensorlane/hazcat/internal/logging"
	"github.com/tensorlane/hazcat/internal/promexport"
	"github.com/tensorlane/hazcat/internal/registry"
)

type metricsAdapter struct{ m *hazcat.Metrics }

func (a metricsAdapter) Snapshot() promexport.Snapshot {
	s := a.m.Snapshot()
	return promexport.Snapshot{
		PublishOps:        s.PublishOps,
		TakeOps:           s.TakeOps,
		PublishBytes:      s.PublishBytes,
		TakeBytes:         s.TakeBytes,
		PublishErrors:     s.PublishErrors,
		TakeErrors:        s.TakeErrors,
		CrossDomainCopies: s.CrossDomainCopies,
		AvgInterestCount:  s.AvgInterestCount,
		MaxInterestCount:  s.MaxInterestCount,
		AvgLatencyNs:      s.AvgLatencyNs,
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		topic       = flag.String("topic", "", "topic name (required)")
		role        = flag.String("role", "", "pub or sub")
		domainSpec  = flag.String("domain", "", "cpu or cuda:N")
		depth       = flag.Uint("depth", 0, "ring depth; 0 keeps the config/default value")
		itemSize    = flag.Uint("item-size", 0, "allocator item size in bytes; 0 keeps the config/default value")
		ringSize    = flag.Uint("ring-size", 0, "allocator ring size in slots; 0 keeps the config/default value")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9400")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hazcat-topicd:", err)
		os.Exit(1)
	}
	if *topic != "" {
		cfg.Topic = *topic
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *domainSpec != "" {
		cfg.Domain = *domainSpec
	}
	if *depth != 0 {
		cfg.Depth = uint32(*depth)
	}
	if *itemSize != 0 {
		cfg.ItemSize = uint32(*itemSize)
	}
	if *ringSize != 0 {
		cfg.RingSize = uint32(*ringSize)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if cfg.Topic == "" {
		fmt.Fprintln(os.Stderr, "hazcat-topicd: -topic is required")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	domain, domainLabel, err := parseDomain(cfg.Domain)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx := hazcat.Init(hazcat.WithLogger(logger))
	defer ctx.Fini()

	sessionID := uuid.New().String()
	log := logger.WithTopic(cfg.Topic).WithDomain(domain)
	log.Infof("starting session=%s role=%s domain=%s depth=%d", sessionID, cfg.Role, domainLabel, cfg.Depth)

	alloc, err := newAllocator(cfg.Domain, cfg.ItemSize, cfg.RingSize)
	if err != nil {
		log.Errorf("allocator setup failed: %v", err)
		os.Exit(1)
	}

	store, err := registry.OpenStore(cfg.PersistPath)
	if err != nil {
		log.Errorf("OpenStore failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	rec := registry.EndpointRecord{
		Topic:    cfg.Topic,
		Domain:   domain,
		ShmemID:  alloc.Header().ShmemID,
		IsSub:    cfg.Role == "sub",
		ItemSize: cfg.ItemSize,
		RingSize: cfg.RingSize,
	}
	if err := store.Save(rec); err != nil {
		log.Errorf("Save endpoint record failed: %v", err)
	}
	defer func() {
		if err := store.Delete(cfg.Topic, domain, cfg.Role == "sub"); err != nil {
			log.Errorf("Delete endpoint record failed: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		exp := promexport.New(metricsAdapter{ctx.Metrics()}, prom.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", exp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Role {
	case "pub":
		runPublisher(ctx, log, cfg, domain, alloc, sigCh)
	case "sub":
		runSubscriber(ctx, log, cfg, domain, alloc, sigCh)
	default:
		log.Errorf("invalid -role %q, want \"pub\" or \"sub\"", cfg.Role)
		os.Exit(1)
	}
}

// newAllocator creates a fresh ring allocator for domainSpec. cuda:N
// domains use a StubEngine in the absence of real accelerator bindings,
// the same host-memory stand-in devicering's own tests use.
func newAllocator(domainSpec string, itemSize, ringSize uint32) (allocator.Ops, error) {
	if domainSpec == "cpu" || domainSpec == "" {
		return hazcat.NewCPUAllocator(itemSize, ringSize)
	}
	engine := devicering.NewStubEngine(1)
	return hazcat.NewDeviceAllocator(engine, itemSize, ringSize)
}

func runPublisher(ctx *hazcat.Context, log *logging.Logger, cfg *Config, domain uint32, alloc allocator.Ops, sigCh chan os.Signal) {
	pub, err := ctx.RegisterPublisher(cfg.Topic, domain, alloc, cfg.Depth)
	if err != nil {
		log.Errorf("RegisterPublisher failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = pub.Unregister() }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCh:
			log.Info("stopping on signal")
			return
		case line, ok := <-lines:
			if !ok {
				log.Info("stdin closed, stopping")
				return
			}
			payload := []byte(line)
			off, err := alloc.Allocate(uint32(len(payload)))
			if err != nil {
				log.Errorf("Allocate failed: %v", err)
				continue
			}
			if err := alloc.CopyTo(off, payload); err != nil {
				log.Errorf("CopyTo failed: %v", err)
				continue
			}
			if err := pub.Publish(alloc, off, uint32(len(payload))); err != nil {
				log.Errorf("Publish failed: %v", err)
			}
		}
	}
}

func runSubscriber(ctx *hazcat.Context, log *logging.Logger, cfg *Config, domain uint32, alloc allocator.Ops, sigCh chan os.Signal) {
	sub, err := ctx.RegisterSubscription(cfg.Topic, domain, alloc, cfg.Depth)
	if err != nil {
		log.Errorf("RegisterSubscription failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = sub.Unregister() }()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		select {
		case <-sigCh:
			log.Info("stopping on signal")
			return
		default:
		}

		_, entry, err := sub.Take()
		if hazcat.IsCode(err, hazcat.ErrCodeNoMessage) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			log.Errorf("Take failed: %v", err)
			continue
		}
		buf := make([]byte, entry.Len)
		if err := alloc.CopyFrom(entry.Offset, buf); err != nil {
			log.Errorf("CopyFrom failed: %v", err)
			continue
		}
		fmt.Fprintln(out, string(buf))
		out.Flush()
	}
}
