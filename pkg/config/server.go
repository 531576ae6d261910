package config

import "time"

// ServerConfig holds runtime configuration for the control plane service.
type ServerConfig struct {
	Environment string
	Addr        string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string

	StreamBuffer int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	DockerHost        string
	HypervisorAPIURL  string
	HypervisorAPIKey  string
	ClusterAPIURL     string
	LaunchTimeout     time.Duration
	ExecutorOpTimeout time.Duration

	TrustFreshnessWindow time.Duration

	RemediationWorkerInterval time.Duration
	RemediationExecTimeout    time.Duration
	RemediationMaxAttempts    int
	RemediationDefaultSLA     time.Duration
	RemediationSweepInterval  time.Duration
	DefaultPlaybookKey        string
	AutomationAPIURL          string
	AutomationAPIKey          string

	GovernanceAPIURL string
	GovernanceAPIKey string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("API_ADDR", ":4100"),
		DatabaseURL: GetString("DATABASE_URL", "postgres://vigil:vigil@db:5432/vigil?sslmode=disable"),
		JWTSecret:   GetString("JWT_SECRET", "supersecuresecret"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		StreamBuffer: GetInt("STREAM_BUFFER", 100),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		DockerHost:        GetString("DOCKER_HOST_OVERRIDE", ""),
		HypervisorAPIURL:  GetString("HYPERVISOR_API_URL", "http://hypervisor:8700"),
		HypervisorAPIKey:  GetString("HYPERVISOR_API_KEY", ""),
		ClusterAPIURL:     GetString("CLUSTER_API_URL", ""),
		LaunchTimeout:     GetDuration("EXECUTOR_LAUNCH_TIMEOUT", 2*time.Minute),
		ExecutorOpTimeout: GetDuration("EXECUTOR_OP_TIMEOUT", 30*time.Second),

		TrustFreshnessWindow: GetDuration("TRUST_FRESHNESS_WINDOW", 15*time.Minute),

		RemediationWorkerInterval: GetDuration("REMEDIATION_WORKER_INTERVAL", 5*time.Second),
		RemediationExecTimeout:    GetDuration("REMEDIATION_EXEC_TIMEOUT", 10*time.Minute),
		RemediationMaxAttempts:    GetInt("REMEDIATION_MAX_ATTEMPTS", 3),
		RemediationDefaultSLA:     GetDuration("REMEDIATION_DEFAULT_SLA", 30*time.Minute),
		RemediationSweepInterval:  GetDuration("REMEDIATION_SWEEP_INTERVAL", 30*time.Second),
		DefaultPlaybookKey:        GetString("REMEDIATION_DEFAULT_PLAYBOOK", "reattest-baseline"),
		AutomationAPIURL:          GetString("AUTOMATION_API_URL", ""),
		AutomationAPIKey:          GetString("AUTOMATION_API_KEY", ""),

		GovernanceAPIURL: GetString("GOVERNANCE_API_URL", ""),
		GovernanceAPIKey: GetString("GOVERNANCE_API_KEY", ""),
	}
}
