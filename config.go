package main

// EndpointConfig is the server this run's sessions connect to.
type EndpointConfig struct {
	IP   string `toml:"ip"`
	Port string `toml:"port"`
}

// IdentityConfig drives how each pool slot's username and target
// mailbox are derived. UsernameTemplate takes exactly two numeric
// substitutions (a user index and a domain index), each drawn
// uniformly from [0, UserRand] and [0, DomainRand] respectively —
// e.g. "user%d@domain%d.test" with UserRand=999, DomainRand=9 spreads
// sessions across up to 10000 accounts: 1000 user indices on each of
// 10 synthetic domains.
// MailboxTemplate may contain a single "%d" marker substituted with
// the slot index, or be a bare name every slot shares.
type IdentityConfig struct {
	UsernameTemplate string `toml:"username_template"`
	UserRand         int    `toml:"user_rand"`
	DomainRand       int    `toml:"domain_rand"`
	MailboxTemplate  string `toml:"mailbox_template"`
	Password         string `toml:"password"`
	HostName         string `toml:"hostname"`
}

// RunConfig governs pool size and the K1-K4 error policy from
// spec.md §7.
type RunConfig struct {
	Clients               int     `toml:"clients"`
	ErrorQuit             bool    `toml:"error_quit"`
	DisconnectQuit        bool    `toml:"disconnect_quit"`
	DisconnectProbability float64 `toml:"disconnect_probability"`
	NoTracking            bool    `toml:"no_tracking"`
}

type RawlogConfig struct {
	Enable    bool   `toml:"enable"`
	Directory string `toml:"directory"`
}

type CacheConfig struct {
	Enable bool   `toml:"enable"`
	Path   string `toml:"path"`
}

// CorpusConfig configures the APPEND message source (C11). S3Bucket
// empty means corpus.LocalSource is used directly; set, it builds a
// corpus.S3Source falling back to LocalSource. MaxFixtureSize, if set,
// is a helpers.ParseSize string ("2mb", "512kb", ...) excluding larger
// local fixtures from the rotation.
type CorpusConfig struct {
	Directory      string `toml:"directory"`
	MaxFixtureSize string `toml:"max_fixture_size"`
	S3Region       string `toml:"s3_region"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3Bucket       string `toml:"s3_bucket"`
	S3Prefix       string `toml:"s3_prefix"`
	S3AccessKey    string `toml:"s3_access_key"`
	S3SecretKey    string `toml:"s3_secret_key"`
}

// CheckpointConfig configures the checkpoint coordinator (C13) and,
// optionally, this process's participation in a multi-process
// aggregation scheme (§4.13): PushEndpoint/Secret push this node's
// result to a remote Aggregator; AggregatorListenAddr, if non-empty,
// runs an Aggregator locally instead (the two are mutually exclusive
// in practice, but nothing here enforces it — an operator pointing a
// node at its own aggregator address is harmless). Interval takes any
// string helpers.ParseDuration accepts ("30s", "5m", "1d", ...), not
// just a plain integer seconds count, so a long-running cluster can be
// configured in whatever unit is most readable for its checkpoint
// cadence.
type CheckpointConfig struct {
	Enable               bool   `toml:"enable"`
	DSN                  string `toml:"dsn"`
	Interval             string `toml:"interval"`
	PushEndpoint         string `toml:"push_endpoint"`
	Secret               string `toml:"secret"`
	AggregatorListenAddr string `toml:"aggregator_listen_addr"`
}

// ClusterConfig configures cluster membership (C14). Empty BindAddr
// means single-process mode: C14 is skipped entirely.
type ClusterConfig struct {
	Enable   bool     `toml:"enable"`
	NodeName string   `toml:"node_name"`
	BindAddr string   `toml:"bind_addr"`
	BindPort int      `toml:"bind_port"`
	Seeds    []string `toml:"seeds"`
}

type MetricsConfig struct {
	Enable     bool   `toml:"enable"`
	ListenAddr string `toml:"listen_addr"`
}

// Config holds every group the CLI loads from TOML and may override
// with flags.
type Config struct {
	Debug bool `toml:"debug"`

	Endpoint   EndpointConfig   `toml:"endpoint"`
	Identity   IdentityConfig   `toml:"identity"`
	Run        RunConfig        `toml:"run"`
	Rawlog     RawlogConfig     `toml:"rawlog"`
	Cache      CacheConfig      `toml:"cache"`
	Corpus     CorpusConfig     `toml:"corpus"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Cluster    ClusterConfig    `toml:"cluster"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// newDefaultConfig returns a Config usable against a local IMAP server
// with no TOML file at all: a handful of clients, one synthetic
// mailbox, every optional collaborator disabled.
func newDefaultConfig() Config {
	var cfg Config

	cfg.Endpoint.IP = "127.0.0.1"
	cfg.Endpoint.Port = "143"

	cfg.Identity.UsernameTemplate = "user%d@domain%d.test"
	cfg.Identity.UserRand = 9
	cfg.Identity.DomainRand = 0
	cfg.Identity.MailboxTemplate = "INBOX"
	cfg.Identity.Password = "secret"
	cfg.Identity.HostName = "imaptest"

	cfg.Run.Clients = 10
	cfg.Run.ErrorQuit = false
	cfg.Run.DisconnectQuit = false
	cfg.Run.DisconnectProbability = 0
	cfg.Run.NoTracking = false

	cfg.Rawlog.Enable = false
	cfg.Rawlog.Directory = "."

	cfg.Cache.Enable = false
	cfg.Cache.Path = "imaptest-cache.db"

	cfg.Corpus.Directory = "corpus"

	cfg.Checkpoint.Enable = false
	cfg.Checkpoint.Interval = "30s"

	cfg.Cluster.Enable = false
	cfg.Cluster.BindPort = 7946

	cfg.Metrics.Enable = false
	cfg.Metrics.ListenAddr = ":9090"

	return cfg
}
