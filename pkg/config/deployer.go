package config

import "time"

// DeployerConfig holds runtime configuration for the deployer service.
type DeployerConfig struct {
	Environment   string
	Addr          string
	ClusterName   string
	BaseURL       string
	LogLevel      string
	StoreBackend  string
	DatabaseURL   string
	MigrationsDir string
	// DeploymentExpiry is how long a non-promoted record outlives its last
	// state change before it is purged.
	DeploymentExpiry time.Duration
	PurgeInterval    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockBackend   string
	LockBase      string
	LockTTL       time.Duration

	ProxyBackend string
	ProxyBase    string

	FleetBackend string
	DockerHost   string
	DockerNet    string

	ImagePrefix   string
	RegisterImage string
	LoggerImage   string

	Workers          int
	StartConcurrency int
	PromoteCooldown  time.Duration
	PreUndeployWait  time.Duration

	TransientRetries    int
	TransientDelay      time.Duration
	LockRetries         int
	LockRetryDelay      time.Duration
	ConcurrencyRetries  int
	ConcurrencyDelay    time.Duration
	ReadinessRetries    int
	ReadinessDelay      time.Duration
	DiscoveryRetries    int
	DiscoveryDelay      time.Duration
	UndeployRetries     int
	UndeployDelay       time.Duration
	HealthCheckDelay    time.Duration
	CompensationTimeout time.Duration

	RecoveryInterval time.Duration
	RecoveryState    string
	RecoveryExclude  []string

	SlackWebhookURL string
	SlackChannel    string
	SlackLevel      int
	GithubURL       string
	GithubToken     string
	GithubLevel     int
	HubLevel        int
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("DEPLOYER_ADDR", ":9000"),
		ClusterName:   GetString("CLUSTER_NAME", "local"),
		BaseURL:       GetString("BASE_URL", "http://localhost:9000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		StoreBackend:  GetString("STORE_BACKEND", "postgres"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://deployer:deployer@db:5432/deployer?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		DeploymentExpiry: GetDuration("DEPLOYMENT_EXPIRY", 4*7*24*time.Hour),
		PurgeInterval:    GetDuration("DEPLOYMENT_PURGE_INTERVAL", time.Hour),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		LockBackend:   GetString("LOCK_BACKEND", "redis"),
		LockBase:      GetString("LOCK_BASE", "totem:cluster-deployer:locks:apps"),
		LockTTL:       GetDuration("LOCK_TTL", time.Hour),

		ProxyBackend: GetString("PROXY_BACKEND", "redis"),
		ProxyBase:    GetString("PROXY_BASE", "yoda"),

		FleetBackend: GetString("FLEET_BACKEND", "docker"),
		DockerHost:   GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerNet:    GetString("DOCKER_NETWORK", ""),

		ImagePrefix:   GetString("IMAGE_PREFIX", "quay.io/totem/totem-"),
		RegisterImage: GetString("REGISTER_IMAGE", "quay.io/totem/yoda-discover:latest"),
		LoggerImage:   GetString("LOGGER_IMAGE", "quay.io/totem/fluentd:latest"),

		Workers:          GetInt("DEPLOYER_WORKERS", 50),
		StartConcurrency: GetInt("START_CONCURRENCY", 20),
		PromoteCooldown:  GetDuration("PROMOTE_COOLDOWN", 2*time.Minute),
		PreUndeployWait:  GetDuration("PRE_UNDEPLOY_WAIT", 10*time.Second),

		TransientRetries:    GetInt("TRANSIENT_RETRIES", 5),
		TransientDelay:      GetDuration("TRANSIENT_DELAY", 10*time.Second),
		LockRetries:         GetInt("LOCK_RETRIES", 60),
		LockRetryDelay:      GetDuration("LOCK_RETRY_DELAY", time.Minute),
		ConcurrencyRetries:  GetInt("CONCURRENCY_RETRIES", 30),
		ConcurrencyDelay:    GetDuration("CONCURRENCY_DELAY", time.Minute),
		ReadinessRetries:    GetInt("READINESS_RETRIES", 120),
		ReadinessDelay:      GetDuration("READINESS_DELAY", 30*time.Second),
		DiscoveryRetries:    GetInt("DISCOVERY_RETRIES", 60),
		DiscoveryDelay:      GetDuration("DISCOVERY_DELAY", 30*time.Second),
		UndeployRetries:     GetInt("UNDEPLOY_RETRIES", 20),
		UndeployDelay:       GetDuration("UNDEPLOY_DELAY", 30*time.Second),
		HealthCheckDelay:    GetDuration("HEALTH_CHECK_DELAY", 10*time.Second),
		CompensationTimeout: GetDuration("COMPENSATION_TIMEOUT", 15*time.Minute),

		RecoveryInterval: GetDuration("RECOVERY_INTERVAL", 0),
		RecoveryState:    GetString("RECOVERY_STATE", "PROMOTED"),
		RecoveryExclude:  GetList("RECOVERY_EXCLUDE", nil),

		SlackWebhookURL: GetString("SLACK_WEBHOOK_URL", ""),
		SlackChannel:    GetString("SLACK_CHANNEL", "#ops"),
		SlackLevel:      GetInt("SLACK_LEVEL", 3),
		GithubURL:       GetString("GITHUB_URL", "https://api.github.com"),
		GithubToken:     GetString("GITHUB_TOKEN", ""),
		GithubLevel:     GetInt("GITHUB_LEVEL", 4),
		HubLevel:        GetInt("HUB_LEVEL", 5),
	}
}
