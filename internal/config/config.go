// Package config provides configuration types and loading for craftswarm.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Log, Server, Supervisor, Session, Reconnect,
// Security, Governor, Scheduler, Personas, Identity, Telemetry, Timeline.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Log        LogConfig        `json:"log"`
	Server     ServerConfig     `json:"server"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Session    SessionConfig    `json:"session"`
	Reconnect  ReconnectConfig  `json:"reconnect"`
	Security   SecurityConfig   `json:"security"`
	Governor   GovernorConfig   `json:"governor"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Personas   PersonasConfig   `json:"personas"`
	Identity   IdentityConfig   `json:"identity"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Timeline   TimelineConfig   `json:"timeline"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	Home     string `json:"home" envconfig:"HOME"`
	LockPath string `json:"lockPath" envconfig:"LOCK_PATH"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"` // debug, info, warn, error
}

// ---------------------------------------------------------------------------
// Server – the remote game server every worker connects to
// ---------------------------------------------------------------------------

// ServerConfig points workers at the remote game server.
type ServerConfig struct {
	Host    string `json:"host" envconfig:"HOST"`
	Port    int    `json:"port" envconfig:"PORT"`
	Version string `json:"version" envconfig:"VERSION"`
}

// ---------------------------------------------------------------------------
// Supervisor – worker process management
// ---------------------------------------------------------------------------

// SupervisorConfig controls how worker processes are spawned and tracked.
type SupervisorConfig struct {
	// WorkerBinary is the executable launched for each worker. Empty means
	// the running craftswarm binary re-executed with WorkerArgs.
	WorkerBinary     string   `json:"workerBinary" envconfig:"WORKER_BINARY"`
	WorkerArgs       []string `json:"workerArgs" envconfig:"WORKER_ARGS"`
	TargetWorkers    int      `json:"targetWorkers" envconfig:"TARGET_WORKERS"`
	EventLogCapacity int      `json:"eventLogCapacity" envconfig:"EVENT_LOG_CAPACITY"`
	ControlQueueSize int      `json:"controlQueueSize" envconfig:"CONTROL_QUEUE_SIZE"`
}

// SessionConfig bounds session bindings.
type SessionConfig struct {
	MinDuration   time.Duration `json:"minDuration" envconfig:"MIN_DURATION"`
	MaxDuration   time.Duration `json:"maxDuration" envconfig:"MAX_DURATION"`
	Retention     time.Duration `json:"retention" envconfig:"RETENTION"`
	SweepInterval time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
}

// ReconnectConfig holds the linear backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `json:"baseDelay" envconfig:"BASE_DELAY"`
	MaxAttempts int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	Cooldown    time.Duration `json:"cooldown" envconfig:"COOLDOWN"`
}

// SecurityConfig tunes the suspicion feedback loop.
type SecurityConfig struct {
	HighWater         float64       `json:"highWater" envconfig:"HIGH_WATER"`
	ReductionFraction float64       `json:"reductionFraction" envconfig:"REDUCTION_FRACTION"`
	MinActions        int           `json:"minActions" envconfig:"MIN_ACTIONS"`
	MaxActions        int           `json:"maxActions" envconfig:"MAX_ACTIONS"`
	DelayMin          time.Duration `json:"delayMin" envconfig:"DELAY_MIN"`
	DelayMax          time.Duration `json:"delayMax" envconfig:"DELAY_MAX"`
	RotationDelay     time.Duration `json:"rotationDelay" envconfig:"ROTATION_DELAY"`
}

// ---------------------------------------------------------------------------
// Governor – resource-aware admission control
// ---------------------------------------------------------------------------

// GovernorConfig holds the resource thresholds. Ratios are 0..1.
type GovernorConfig struct {
	SampleInterval    time.Duration `json:"sampleInterval" envconfig:"SAMPLE_INTERVAL"`
	SoftCPU           float64       `json:"softCpu" envconfig:"SOFT_CPU"`
	SoftMemory        float64       `json:"softMemory" envconfig:"SOFT_MEMORY"`
	HardCPU           float64       `json:"hardCpu" envconfig:"HARD_CPU"`
	HardMemory        float64       `json:"hardMemory" envconfig:"HARD_MEMORY"`
	MaxWorkers        int           `json:"maxWorkers" envconfig:"MAX_WORKERS"`
	ScaleDownFraction float64       `json:"scaleDownFraction" envconfig:"SCALE_DOWN_FRACTION"`
}

// ---------------------------------------------------------------------------
// Scheduler – admission & distribution
// ---------------------------------------------------------------------------

// SchedulerConfig controls distribution and pool top-up.
type SchedulerConfig struct {
	Enabled             bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval        time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	StaggerMin          time.Duration `json:"staggerMin" envconfig:"STAGGER_MIN"`
	StaggerMax          time.Duration `json:"staggerMax" envconfig:"STAGGER_MAX"`
	MaxConcurrentStarts int           `json:"maxConcurrentStarts" envconfig:"MAX_CONCURRENT_STARTS"`
	// ConnectWindows are "<hours> <weekdays>" expressions, e.g. "7-23 *".
	// Empty means always open.
	ConnectWindows []string     `json:"connectWindows"`
	Weights        []TimeWeight `json:"weights"`
}

// TimeWeight multiplies a persona class's share while the window matches.
type TimeWeight struct {
	Class  string  `json:"class"`
	Window string  `json:"window"`
	Factor float64 `json:"factor"`
}

// PersonasConfig locates the persona catalog.
type PersonasConfig struct {
	CatalogPath string   `json:"catalogPath" envconfig:"CATALOG_PATH"`
	Classes     []string `json:"classes" envconfig:"CLASSES"`
}

// ---------------------------------------------------------------------------
// Identity – accounts and network egress
// ---------------------------------------------------------------------------

// IdentityConfig lists the accounts and proxies workers are bound to.
type IdentityConfig struct {
	Accounts []AccountConfig `json:"accounts"`
	Proxies  []ProxyConfig   `json:"proxies"`
}

// AccountConfig is one account record.
type AccountConfig struct {
	Username string `json:"username"`
	Auth     string `json:"auth"` // "offline" or "microsoft"
	Password string `json:"password,omitempty"`
}

// ProxyConfig is one network-egress record.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // socks5, http
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ---------------------------------------------------------------------------
// Telemetry & Timeline – outbound stream and local history
// ---------------------------------------------------------------------------

// TelemetryConfig configures the outbound telemetry stream.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"ENABLED"`
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	Topic        string `json:"topic" envconfig:"TOPIC"`
	// SASLMechanism is "", "PLAIN", "SCRAM-SHA-256" or "SCRAM-SHA-512".
	SASLMechanism string        `json:"saslMechanism" envconfig:"SASL_MECHANISM"`
	Username      string        `json:"username" envconfig:"USERNAME"`
	Password      string        `json:"password" envconfig:"PASSWORD"`
	TLS           bool          `json:"tls" envconfig:"TLS"`
	WriteTimeout  time.Duration `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	// LogRecords also writes every record to the debug log.
	LogRecords bool `json:"logRecords" envconfig:"LOG_RECORDS"`
}

// TimelineConfig configures the SQLite history store.
type TimelineConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    25565,
			Version: "1.20.4",
		},
		Supervisor: SupervisorConfig{
			WorkerArgs:       []string{"worker"},
			TargetWorkers:    4,
			EventLogCapacity: 500,
			ControlQueueSize: 32,
		},
		Session: SessionConfig{
			MinDuration:   45 * time.Minute,
			MaxDuration:   3 * time.Hour,
			Retention:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   30 * time.Second,
			MaxAttempts: 3,
			Cooldown:    30 * time.Minute,
		},
		Security: SecurityConfig{
			HighWater:         70,
			ReductionFraction: 0.3,
			MinActions:        2,
			MaxActions:        3,
			DelayMin:          5 * time.Second,
			DelayMax:          30 * time.Second,
			RotationDelay:     2 * time.Second,
		},
		Governor: GovernorConfig{
			SampleInterval:    30 * time.Second,
			SoftCPU:           0.80,
			SoftMemory:        0.85,
			HardCPU:           0.92,
			HardMemory:        0.95,
			MaxWorkers:        50,
			ScaleDownFraction: 0.3,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			TickInterval:        time.Minute,
			StaggerMin:          5 * time.Second,
			StaggerMax:          45 * time.Second,
			MaxConcurrentStarts: 3,
			Weights: []TimeWeight{
				{Class: "miner", Window: "6-11 *", Factor: 1.5},
				{Class: "builder", Window: "12-17 *", Factor: 1.5},
				{Class: "socializer", Window: "18-23 *", Factor: 2},
				{Class: "socializer", Window: "* 0,6", Factor: 1.5},
				{Class: "explorer", Window: "* 0,6", Factor: 1.25},
			},
		},
		Personas: PersonasConfig{
			Classes: []string{"builder", "explorer", "miner", "socializer"},
		},
		Telemetry: TelemetryConfig{
			Topic:        "craftswarm.telemetry",
			WriteTimeout: 10 * time.Second,
		},
	}
}
