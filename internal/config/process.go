package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CollectorConfig is the Edge Collector's process config (spec §6):
// ports, upstream endpoint, buffer/retry sizing — everything the
// binary needs before it can even open a config.Store, so this is
// loaded from the environment rather than a control-plane Store.
type CollectorConfig struct {
	APIURL string
	APIKey string

	UDPAddr string
	TCPAddr string
	RELPAddr string
	MQTTBroker string
	MQTTTopic  string

	KafkaBrokers []string
	KafkaTopic   string

	HealthPort string

	BatchSize          int
	FlushInterval      time.Duration
	MaxBufferSize      int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryCheckInterval time.Duration

	CollectorName string
	SiteID        string
}

// LoadCollectorConfig reads a CollectorConfig from the environment via
// viper's AutomaticEnv, falling back to the defaults spec §4.D names.
func LoadCollectorConfig() (*CollectorConfig, error) {
	v := newProcessViper()

	v.SetDefault("udp_addr", "")
	v.SetDefault("tcp_addr", "")
	v.SetDefault("relp_addr", "")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", "centinela/events")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "centinela-events")
	v.SetDefault("health_port", "8080")
	v.SetDefault("batch_size", 100)
	v.SetDefault("flush_interval_ms", 5000)
	v.SetDefault("max_buffer_size", 10000)
	v.SetDefault("max_retries", 5)
	v.SetDefault("retry_base_delay_ms", 1000)
	v.SetDefault("retry_max_delay_ms", 300000)
	v.SetDefault("retry_check_interval_ms", 1000)
	v.SetDefault("collector_name", "")
	v.SetDefault("site_id", "")

	cfg := &CollectorConfig{
		APIURL:             v.GetString("centinela_api_url"),
		APIKey:             v.GetString("centinela_api_key"),
		UDPAddr:            v.GetString("udp_addr"),
		TCPAddr:            v.GetString("tcp_addr"),
		RELPAddr:           v.GetString("relp_addr"),
		MQTTBroker:         v.GetString("mqtt_broker"),
		MQTTTopic:          v.GetString("mqtt_topic"),
		KafkaTopic:         v.GetString("kafka_topic"),
		HealthPort:         v.GetString("health_port"),
		BatchSize:          v.GetInt("batch_size"),
		FlushInterval:      time.Duration(v.GetInt64("flush_interval_ms")) * time.Millisecond,
		MaxBufferSize:      v.GetInt("max_buffer_size"),
		MaxRetries:         v.GetInt("max_retries"),
		RetryBaseDelay:     time.Duration(v.GetInt64("retry_base_delay_ms")) * time.Millisecond,
		RetryMaxDelay:      time.Duration(v.GetInt64("retry_max_delay_ms")) * time.Millisecond,
		RetryCheckInterval: time.Duration(v.GetInt64("retry_check_interval_ms")) * time.Millisecond,
		CollectorName:      v.GetString("collector_name"),
		SiteID:             v.GetString("site_id"),
	}
	if brokers := v.GetString("kafka_brokers"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("CENTINELA_API_URL is required")
	}
	return cfg, nil
}

// BackendConfig is the backend binary's process config: DSNs, ports,
// and the tuning knobs spec §6 groups under storage/queue, HTTP,
// rate limiting, pipeline/AI, and email.
type BackendConfig struct {
	DatabaseURL   string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	Port         string
	AppBaseURL   string
	CORSOrigins  []string

	RateLimitFree       int
	RateLimitBasic      int
	RateLimitPro        int
	RateLimitEnterprise int
	RateLimitDefaultTier string

	WorkerInterval       time.Duration
	ATAOrchestratorURL   string
	AICacheTTLDays       int

	SMTPHost   string
	SMTPPort   int
	SMTPSecure bool
	SMTPUser   string
	SMTPPass   string
	SMTPFrom   string
	AlertRecipientEmail string

	ArchiveBackend string // "s3" or "memory"
	ArchiveBucket  string
	ArchiveRegion  string
	ArchivePrefix  string
	ArchiveRetention time.Duration

	GeoIPDBPath string // empty disables GeoIP enrichment
}

// LoadBackendConfig reads a BackendConfig from the environment.
func LoadBackendConfig() (*BackendConfig, error) {
	v := newProcessViper()

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("port", "8081")
	v.SetDefault("app_base_url", "")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("rate_limit_free", 100)
	v.SetDefault("rate_limit_basic", 1000)
	v.SetDefault("rate_limit_pro", 5000)
	v.SetDefault("rate_limit_enterprise", 20000)
	v.SetDefault("rate_limit_default_tier", "free")
	v.SetDefault("worker_interval_ms", 1000)
	v.SetDefault("ata_orchestrator_url", "")
	v.SetDefault("ai_cache_ttl_days", 30)
	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_secure", false)
	v.SetDefault("smtp_user", "")
	v.SetDefault("smtp_pass", "")
	v.SetDefault("smtp_from", "")
	v.SetDefault("alert_recipient_email", "")
	v.SetDefault("archive_backend", "memory")
	v.SetDefault("archive_bucket", "")
	v.SetDefault("archive_region", "")
	v.SetDefault("archive_prefix", "centinela")
	v.SetDefault("archive_retention_days", 7)
	v.SetDefault("geoip_db_path", "")

	cfg := &BackendConfig{
		DatabaseURL:          v.GetString("database_url"),
		RedisHost:            v.GetString("redis_host"),
		RedisPort:            v.GetString("redis_port"),
		RedisPassword:        v.GetString("redis_password"),
		Port:                 v.GetString("port"),
		AppBaseURL:           v.GetString("app_base_url"),
		RateLimitFree:        v.GetInt("rate_limit_free"),
		RateLimitBasic:       v.GetInt("rate_limit_basic"),
		RateLimitPro:         v.GetInt("rate_limit_pro"),
		RateLimitEnterprise:  v.GetInt("rate_limit_enterprise"),
		RateLimitDefaultTier: v.GetString("rate_limit_default_tier"),
		WorkerInterval:       time.Duration(v.GetInt64("worker_interval_ms")) * time.Millisecond,
		ATAOrchestratorURL:   v.GetString("ata_orchestrator_url"),
		AICacheTTLDays:       v.GetInt("ai_cache_ttl_days"),
		SMTPHost:             v.GetString("smtp_host"),
		SMTPPort:             v.GetInt("smtp_port"),
		SMTPSecure:           v.GetBool("smtp_secure"),
		SMTPUser:             v.GetString("smtp_user"),
		SMTPPass:             v.GetString("smtp_pass"),
		SMTPFrom:             v.GetString("smtp_from"),
		AlertRecipientEmail:  v.GetString("alert_recipient_email"),
		ArchiveBackend:       v.GetString("archive_backend"),
		ArchiveBucket:        v.GetString("archive_bucket"),
		ArchiveRegion:        v.GetString("archive_region"),
		ArchivePrefix:        v.GetString("archive_prefix"),
		ArchiveRetention:     time.Duration(v.GetInt("archive_retention_days")) * 24 * time.Hour,
		GeoIPDBPath:          v.GetString("geoip_db_path"),
	}
	if origins := v.GetString("cors_origins"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// newProcessViper builds a viper instance bound to AutomaticEnv with no
// prefix, matching spec §6's flat, unprefixed environment variable
// names (CENTINELA_API_URL, DATABASE_URL, and so on).
func newProcessViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}
