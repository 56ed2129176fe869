package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_POOL_MAX_CONNS" default:"10"`

	// MinScheduleLead mirrors the minimum the console enforces on operators.
	MinScheduleLead time.Duration `envconfig:"MIN_SCHEDULE_LEAD" default:"5m"`
	// DisableDedup delivers duplicate recipients as separate tasks.
	DisableDedup bool `envconfig:"DISABLE_DEDUP" default:"false"`

	// Contact-backup service, used to prefill recipient input.
	ContactsBaseURL string `envconfig:"CONTACTS_BASE_URL"`
	ContactsAPIKey  string `envconfig:"CONTACTS_API_KEY"`
}

type EngineConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_POOL_MAX_CONNS" default:"10"`

	Workers             int           `envconfig:"ENGINE_WORKERS" default:"8"`
	PerCampaignInFlight int           `envconfig:"ENGINE_PER_CAMPAIGN_IN_FLIGHT" default:"2"`
	MaxActiveCampaigns  int           `envconfig:"ENGINE_MAX_ACTIVE_CAMPAIGNS" default:"32"`
	TaskBatch           int           `envconfig:"ENGINE_TASK_BATCH" default:"50"`
	StaleClaimAfter     time.Duration `envconfig:"ENGINE_STALE_CLAIM_AFTER" default:"5m"`
	PollInterval        time.Duration `envconfig:"ENGINE_POLL_INTERVAL" default:"2s"`
	SchedulerInterval   time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5s"`
	SendTimeout         time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	// MinSendInterval is the pacing floor per sending identity (device/bot).
	MinSendInterval time.Duration `envconfig:"MIN_SEND_INTERVAL" default:"1s"`

	// WhatsApp device-session gateway.
	WhatsAppBaseURL string `envconfig:"WHATSAPP_GATEWAY_URL" required:"true"`
	WhatsAppAPIKey  string `envconfig:"WHATSAPP_GATEWAY_API_KEY"`

	// Telegram Bot API.
	TelegramBaseURL  string `envconfig:"TELEGRAM_BASE_URL" default:"https://api.telegram.org"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
