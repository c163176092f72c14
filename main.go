package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/migadu/imaptest/checkpoint"
	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/cluster"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/corpus"
	"github.com/migadu/imaptest/helpers"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/metrics"
	"github.com/migadu/imaptest/offlinecache"
	"github.com/migadu/imaptest/planner"
	"github.com/migadu/imaptest/pool"
	"github.com/migadu/imaptest/rawlog"
)

func main() {
	// Initialize with application defaults
	cfg := newDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fDebug := flag.Bool("debug", cfg.Debug, "Print all commands and responses (overrides config)")

	fIP := flag.String("ip", cfg.Endpoint.IP, "Server IP address (overrides config)")
	fPort := flag.String("port", cfg.Endpoint.Port, "Server port (overrides config)")

	fUsernameTemplate := flag.String("username-template", cfg.Identity.UsernameTemplate, "printf-style username template taking two %d substitutions (overrides config)")
	fUserRand := flag.Int("user-rand", cfg.Identity.UserRand, "Highest user index to generate (overrides config)")
	fDomainRand := flag.Int("domain-rand", cfg.Identity.DomainRand, "Highest domain index to generate (overrides config)")
	fMailboxTemplate := flag.String("mailbox-template", cfg.Identity.MailboxTemplate, "Mailbox name, or printf template taking a slot index (overrides config)")
	fPassword := flag.String("password", cfg.Identity.Password, "Password every generated user logs in with (overrides config)")

	fClients := flag.Int("clients", cfg.Run.Clients, "Number of concurrent client connections (overrides config)")
	fErrorQuit := flag.Bool("error-quit", cfg.Run.ErrorQuit, "Exit the whole run on the first K1/K2/K4 protocol error (overrides config)")
	fDisconnectQuit := flag.Bool("disconnect-quit", cfg.Run.DisconnectQuit, "Exit the whole run on the first unexpected disconnect (overrides config)")
	fDisconnectProbability := flag.Float64("disconnect-probability", cfg.Run.DisconnectProbability, "Chance [0,1] a session disconnects itself instead of completing a command cycle normally (overrides config)")

	fRawlogEnable := flag.Bool("rawlog", cfg.Rawlog.Enable, "Write every session's raw wire bytes to per-connection logs (overrides config)")
	fRawlogDir := flag.String("rawlog-dir", cfg.Rawlog.Directory, "Directory rawlog files are written to (overrides config)")

	fCacheEnable := flag.Bool("cache", cfg.Cache.Enable, "Enable the offline cache store (overrides config)")
	fCachePath := flag.String("cache-path", cfg.Cache.Path, "SQLite path for the offline cache store (overrides config)")

	fCorpusDir := flag.String("corpus-dir", cfg.Corpus.Directory, "Local directory of APPEND fixture messages (overrides config)")
	fCorpusMaxSize := flag.String("corpus-max-fixture-size", cfg.Corpus.MaxFixtureSize, "Skip local fixtures larger than this size, e.g. 2mb (overrides config)")

	fCheckpointEnable := flag.Bool("checkpoint", cfg.Checkpoint.Enable, "Enable the checkpoint coordinator (overrides config)")
	fCheckpointDSN := flag.String("checkpoint-dsn", cfg.Checkpoint.DSN, "Postgres connection string for the checkpoint ledger (overrides config)")
	fCheckpointInterval := flag.String("checkpoint-interval", cfg.Checkpoint.Interval, "Time between checkpoint runs, e.g. 30s/5m/1d (overrides config)")

	fClusterEnable := flag.Bool("cluster", cfg.Cluster.Enable, "Join a cluster of cooperating imaptest processes (overrides config)")
	fClusterBindAddr := flag.String("cluster-bind-addr", cfg.Cluster.BindAddr, "Address this node's membership protocol binds to (overrides config)")
	fClusterBindPort := flag.Int("cluster-bind-port", cfg.Cluster.BindPort, "Port this node's membership protocol binds to (overrides config)")

	fMetricsEnable := flag.Bool("metrics", cfg.Metrics.Enable, "Serve Prometheus metrics (overrides config)")
	fMetricsAddr := flag.String("metrics-addr", cfg.Metrics.ListenAddr, "Listen address for the Prometheus metrics endpoint (overrides config)")

	flag.Parse()

	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") {
				log.Fatalf("Error: Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	} else {
		log.Printf("Loaded configuration from %s", *configPath)
	}

	if isFlagSet("debug") {
		cfg.Debug = *fDebug
	}
	if isFlagSet("ip") {
		cfg.Endpoint.IP = *fIP
	}
	if isFlagSet("port") {
		cfg.Endpoint.Port = *fPort
	}
	if isFlagSet("username-template") {
		cfg.Identity.UsernameTemplate = *fUsernameTemplate
	}
	if isFlagSet("user-rand") {
		cfg.Identity.UserRand = *fUserRand
	}
	if isFlagSet("domain-rand") {
		cfg.Identity.DomainRand = *fDomainRand
	}
	if isFlagSet("mailbox-template") {
		cfg.Identity.MailboxTemplate = *fMailboxTemplate
	}
	if isFlagSet("password") {
		cfg.Identity.Password = *fPassword
	}
	if isFlagSet("clients") {
		cfg.Run.Clients = *fClients
	}
	if isFlagSet("error-quit") {
		cfg.Run.ErrorQuit = *fErrorQuit
	}
	if isFlagSet("disconnect-quit") {
		cfg.Run.DisconnectQuit = *fDisconnectQuit
	}
	if isFlagSet("disconnect-probability") {
		cfg.Run.DisconnectProbability = *fDisconnectProbability
	}
	if isFlagSet("rawlog") {
		cfg.Rawlog.Enable = *fRawlogEnable
	}
	if isFlagSet("rawlog-dir") {
		cfg.Rawlog.Directory = *fRawlogDir
	}
	if isFlagSet("cache") {
		cfg.Cache.Enable = *fCacheEnable
	}
	if isFlagSet("cache-path") {
		cfg.Cache.Path = *fCachePath
	}
	if isFlagSet("corpus-dir") {
		cfg.Corpus.Directory = *fCorpusDir
	}
	if isFlagSet("corpus-max-fixture-size") {
		cfg.Corpus.MaxFixtureSize = *fCorpusMaxSize
	}
	if isFlagSet("checkpoint") {
		cfg.Checkpoint.Enable = *fCheckpointEnable
	}
	if isFlagSet("checkpoint-dsn") {
		cfg.Checkpoint.DSN = *fCheckpointDSN
	}
	if isFlagSet("checkpoint-interval") {
		cfg.Checkpoint.Interval = *fCheckpointInterval
	}
	if isFlagSet("cluster") {
		cfg.Cluster.Enable = *fClusterEnable
	}
	if isFlagSet("cluster-bind-addr") {
		cfg.Cluster.BindAddr = *fClusterBindAddr
	}
	if isFlagSet("cluster-bind-port") {
		cfg.Cluster.BindPort = *fClusterBindPort
	}
	if isFlagSet("metrics") {
		cfg.Metrics.Enable = *fMetricsEnable
	}
	if isFlagSet("metrics-addr") {
		cfg.Metrics.ListenAddr = *fMetricsAddr
	}

	if cfg.Run.Clients <= 0 {
		log.Fatal("run.clients must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	hostname := cfg.Identity.HostName
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New()
		go func() {
			log.Printf("Serving metrics on %s", cfg.Metrics.ListenAddr)
			srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: m.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	var offlineCache *offlinecache.Store
	if cfg.Cache.Enable {
		var err error
		offlineCache, err = offlinecache.Open(cfg.Cache.Path)
		if err != nil {
			log.Fatalf("Failed to open offline cache at %s: %v", cfg.Cache.Path, err)
		}
		defer offlineCache.Close()
	}

	corpusSource, err := buildCorpusSource(ctx, cfg.Corpus)
	if err != nil {
		log.Fatalf("Failed to build message corpus: %v", err)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ids := newIdentityGenerator(cfg.Identity, rnd)

	plan := planner.New(rnd)
	plan.PasswordFor = func(s *client.Session) string { return cfg.Identity.Password }
	plan.MailboxFor = func(s *client.Session) string { return ids.Mailbox(s.Idx) }
	plan.MessageSource = planner.MessageSourceFromCorpus(corpusSource)
	plan.OfflineCache = offlineCache

	if cfg.Run.DisconnectProbability > 0 {
		p := cfg.Run.DisconnectProbability
		client.RandomDisconnectProbability = func() float64 { return p }
	}

	registry := mailbox.NewStorageRegistry()
	addr := net.JoinHostPort(cfg.Endpoint.IP, cfg.Endpoint.Port)

	factory := func(ctx context.Context, idx, globalID int) (*client.Session, error) {
		username := ids.Username()
		mboxName := ids.Mailbox(idx)
		sess, err := pool.DialFactory(addr, username, hostname, mboxName, registry)(ctx, idx, globalID)
		if err != nil {
			return nil, err
		}
		if cfg.Rawlog.Enable {
			sink, err := rawlog.Open(cfg.Rawlog.Directory, globalID)
			if err != nil {
				log.Printf("rawlog: %v", err)
			} else {
				sess.Rawlog = sink
			}
		}
		sess.ErrorQuit = cfg.Run.ErrorQuit
		sess.DisconnectQuit = cfg.Run.DisconnectQuit
		return sess, nil
	}

	onReady := func(s *client.Session) error {
		s.Planner = plan
		return nil
	}

	p := pool.New(cfg.Run.Clients, factory, onReady, rnd)
	p.Metrics = m
	p.OnSessionError = func(sess *client.Session, runErr error) {
		kind := metrics.ClassifyError(runErr)
		if m != nil {
			m.ProtocolError(kind)
		}
		log.Printf("session error (%s): %v", kind, runErr)

		if sess == nil {
			return
		}
		switch kind {
		case metrics.KindFatalTransport:
			if sess.DisconnectQuit {
				log.Fatalf("disconnect_quit: exiting on transport error: %v", runErr)
			}
		default:
			if sess.ErrorQuit {
				log.Fatalf("error_quit: exiting on protocol error (%s): %v", kind, runErr)
			}
		}
	}

	var cg *cluster.Group
	if cfg.Cluster.Enable {
		cg, err = cluster.New(cfg.Cluster.BindAddr, cfg.Cluster.BindPort, cfg.Cluster.NodeName, cfg.Cluster.Seeds)
		if err != nil {
			log.Fatalf("Failed to join cluster: %v", err)
		}
		defer cg.Leave(5 * time.Second)
	}

	var coord *checkpoint.Coordinator
	if cfg.Checkpoint.Enable {
		coord, err = checkpoint.New(ctx, cfg.Checkpoint.DSN)
		if err != nil {
			log.Fatalf("Failed to initialize checkpoint coordinator: %v", err)
		}
		defer coord.Close()
		coord.Metrics = m
	}

	var aggregator *checkpoint.Aggregator
	if cfg.Checkpoint.AggregatorListenAddr != "" {
		aggregator = checkpoint.NewAggregator(cfg.Checkpoint.AggregatorListenAddr, []byte(cfg.Checkpoint.Secret))
		go func() {
			log.Printf("Serving checkpoint aggregator on %s", cfg.Checkpoint.AggregatorListenAddr)
			if err := aggregator.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("checkpoint aggregator: %v", err)
			}
		}()
		defer aggregator.Shutdown(context.Background())
	}

	go func() {
		sig := <-signalChan
		log.Printf("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	p.Start(ctx)
	log.Printf("Started %d clients against %s", cfg.Run.Clients, addr)

	if coord != nil {
		go runCheckpointLoop(ctx, cfg, coord, p, cg)
	} else if cg != nil {
		go drainClusterNotifications(ctx, cg, p)
	}

	<-ctx.Done()
	log.Println("Stopping pool...")
	p.Stop()
}

// runCheckpointLoop drives the checkpoint coordinator on its own
// ticker. In a cluster, only the elected leader acts on a tick: it
// broadcasts a sequence number through group.Quiesce and then runs a
// checkpoint against its own pool. Every node, the leader included,
// answers a received sequence number in drainClusterNotifications by
// pausing its own pool's dispatcher and resuming it at once; that pause
// is not held for the leader's comparison, and only the leader digests
// sessions and persists the ledger row.
func runCheckpointLoop(ctx context.Context, cfg Config, coord *checkpoint.Coordinator, p *pool.Pool, cg *cluster.Group) {
	interval := consts.DefaultCheckpointInterval
	if cfg.Checkpoint.Interval != "" {
		if d, err := helpers.ParseDuration(cfg.Checkpoint.Interval); err != nil {
			log.Printf("checkpoint: invalid interval %q, using default %s: %v", cfg.Checkpoint.Interval, interval, err)
		} else {
			interval = d
		}
	}

	if cg != nil {
		go drainClusterNotifications(ctx, cg, p)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cg != nil && !cg.IsLeader() {
				continue
			}
			if cg != nil {
				if _, err := cg.Quiesce(); err != nil {
					log.Printf("checkpoint: broadcasting quiesce: %v", err)
					continue
				}
			}
			result, err := coord.Run(ctx, p)
			if err != nil {
				log.Printf("checkpoint run failed: %v", err)
				continue
			}
			if cfg.Checkpoint.PushEndpoint != "" {
				if err := checkpoint.Push(ctx, cfg.Checkpoint.PushEndpoint, []byte(cfg.Checkpoint.Secret), cfg.Cluster.NodeName, result); err != nil {
					log.Printf("checkpoint: pushing result: %v", err)
				}
			}
		}
	}
}

// drainClusterNotifications answers every quiesce sequence number
// broadcast by the cluster leader (which may be this node) by pausing
// this node's own pool until every read queued ahead of the pause has
// been applied, then resuming it at once; it does not wait for the
// leader's checkpoint to finish. It never persists anything itself
// — only the leader's coordinator.Run does that.
func drainClusterNotifications(ctx context.Context, cg *cluster.Group, p *pool.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-cg.Notifications():
			if !ok {
				return
			}
			resume := p.Quiesce()
			resume()
		}
	}
}

func buildCorpusSource(ctx context.Context, cfg CorpusConfig) (corpus.Source, error) {
	dir := cfg.Directory
	if dir == "" {
		dir = "corpus"
	}
	var maxSize int64
	if cfg.MaxFixtureSize != "" {
		size, err := helpers.ParseSize(cfg.MaxFixtureSize)
		if err != nil {
			return nil, fmt.Errorf("corpus.max_fixture_size %q: %w", cfg.MaxFixtureSize, err)
		}
		maxSize = size
	}
	local, err := corpus.NewLocalSourceWithMaxSize(dir, maxSize)
	if err != nil {
		return nil, fmt.Errorf("local corpus: %w", err)
	}
	if cfg.S3Bucket == "" {
		return local, nil
	}
	s3Client := corpus.NewS3Client(cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey)
	return corpus.NewS3Source(ctx, s3Client, cfg.S3Bucket, cfg.S3Prefix, local)
}

// isFlagSet reports whether name was explicitly passed on the command
// line, so a flag's zero value doesn't shadow a value already loaded
// from the TOML config.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
