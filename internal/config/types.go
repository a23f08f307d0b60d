package config

// Config is the settings document. Durations are Go duration strings
// ("90s", "24h"); empty means the component default.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Liveness   LivenessConfig    `json:"liveness"`
	Validator  ValidatorConfig   `json:"validator"`
	Policy     PolicyConfig      `json:"policy"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Dispatcher DispatcherConfig  `json:"dispatcher"`
	Channels   ChannelsConfig    `json:"channels"`
	HTTP       HTTPConfig        `json:"http"`
	MQTT       *MQTTConfig       `json:"mqtt,omitempty"`
	Pprof      *PprofConfig      `json:"pprof,omitempty"`
	Relations  RelationsConfig   `json:"relations"`
	Templates  map[string]string `json:"templates,omitempty" validate:"dive,keys,oneof=warning danger emergency,endkeys"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the backend for liveness records, alert state, the
// offline queue and the attempt log.
//
//	"storage": { "driver": "sqlite", "path": "./data/lifeguard.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3 postgres postgresql"`
	Path         string `json:"path,omitempty" validate:"required_if=Driver sqlite,required_if=Driver sqlite3,required_if=Driver file"`
	DSN          string `json:"dsn,omitempty" validate:"required_if=Driver postgres,required_if=Driver postgresql"`
	BusyTimeout  string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// LivenessConfig optionally moves liveness records out of the main backend
// into Redis, shared between engine instances.
type LivenessConfig struct {
	Driver string      `json:"driver,omitempty" validate:"omitempty,oneof=storage redis"`
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type ValidatorConfig struct {
	FutureSkew   string `json:"future_skew,omitempty" validate:"omitempty,duration"`
	RateWindow   string `json:"rate_window,omitempty" validate:"omitempty,duration"`
	RateLimit    int    `json:"rate_limit,omitempty" validate:"gte=0"`
	ReplayWindow string `json:"replay_window,omitempty" validate:"omitempty,duration"`
	IdleTTL      string `json:"idle_ttl,omitempty" validate:"omitempty,duration"`
}

// PolicyConfig describes the escalation thresholds. Empty thresholds keep the
// defaults (24h, 48h, 72h).
type PolicyConfig struct {
	Warning   string                    `json:"warning,omitempty" validate:"omitempty,duration"`
	Danger    string                    `json:"danger,omitempty" validate:"omitempty,duration"`
	Emergency string                    `json:"emergency,omitempty" validate:"omitempty,duration"`
	Repeat    map[string]string         `json:"repeat,omitempty" validate:"dive,keys,oneof=warning danger emergency,endkeys,duration"`
	Tiers     map[string][]string       `json:"tiers,omitempty" validate:"dive,keys,oneof=warning danger emergency,endkeys,min=1"`
	Overrides map[string]PolicyOverride `json:"overrides,omitempty" validate:"dive"`
}

// PolicyOverride replaces thresholds for one subject. Unset fields inherit.
type PolicyOverride struct {
	Warning   string `json:"warning,omitempty" validate:"omitempty,duration"`
	Danger    string `json:"danger,omitempty" validate:"omitempty,duration"`
	Emergency string `json:"emergency,omitempty" validate:"omitempty,duration"`
}

type SchedulerConfig struct {
	Interval    string `json:"interval,omitempty" validate:"omitempty,duration"`
	PairTimeout string `json:"pair_timeout,omitempty" validate:"omitempty,duration"`
	Workers     int    `json:"workers,omitempty" validate:"gte=0"`
	// Timezone is used for quiet hours of observers that do not set one.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

type DispatcherConfig struct {
	RetryMax       int     `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase      string  `json:"retry_base,omitempty" validate:"omitempty,duration"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty" validate:"omitempty,duration"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty" validate:"omitempty,duration"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst          int     `json:"burst,omitempty" validate:"gte=0"`
	FlushInterval  string  `json:"flush_interval,omitempty" validate:"omitempty,duration"`
	FlushBatch     int     `json:"flush_batch,omitempty" validate:"gte=0"`
	FallbackTier   string  `json:"fallback_tier,omitempty"`
}

// ChannelsConfig enables transports. Each tier name in policy.tiers must map
// to an enabled channel.
type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	// Log registers a channel that only writes messages to the log. It takes
	// the tier name given here ("push" for local testing, for example).
	Log      string          `json:"log,omitempty"`
	Operator *OperatorConfig `json:"operator,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token" validate:"required"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

type SMSConfig struct {
	URL     string `json:"url" validate:"required,url"`
	APIKey  string `json:"api_key,omitempty"`
	From    string `json:"from,omitempty"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

type DispatchConfig struct {
	URL     string `json:"url" validate:"required,url"`
	APIKey  string `json:"api_key,omitempty"`
	Source  string `json:"source,omitempty"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// OperatorConfig routes the exhaustion alarm through one of the channels.
type OperatorConfig struct {
	Channel string `json:"channel" validate:"required"`
	ChatID  int64  `json:"chat_id,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as a bearer token on every /v1 request.
	Token string `json:"token,omitempty"`
}

type MQTTConfig struct {
	Broker      string `json:"broker" validate:"required"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty" validate:"lte=2"`
}

// PprofConfig enables the profiling listener. A non-loopback addr needs a
// token unless allow_insecure is set.
type PprofConfig struct {
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

type RelationsConfig struct {
	Subjects  []SubjectConfig  `json:"subjects" validate:"dive"`
	Observers []ObserverConfig `json:"observers" validate:"dive"`
	Pairs     []PairConfig     `json:"pairs" validate:"dive"`
}

type SubjectConfig struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type ObserverConfig struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	// QuietStart and QuietEnd are "HH:MM"; both empty disables quiet hours.
	QuietStart string `json:"quiet_start,omitempty" validate:"omitempty,hhmm"`
	QuietEnd   string `json:"quiet_end,omitempty" validate:"omitempty,hhmm"`
}

type PairConfig struct {
	Subject  string `json:"subject" validate:"required"`
	Observer string `json:"observer" validate:"required"`
}
