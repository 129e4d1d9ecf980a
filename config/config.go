package config

import (
	"database/sql"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	AutoMigrate bool          `yaml:"auto_migrate"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Redis       *Redis        `yaml:"redis"`
	Server      Server        `yaml:"server"`
	Tracker     Tracker       `yaml:"tracker"`
	Remote      *Remote       `yaml:"remote"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Tracker configures the bridge subprocess and the worker's own surface.
type Tracker struct {
	ServiceName   string        `yaml:"service_name"`
	BridgeCommand string        `yaml:"bridge_command"`
	BridgeArgs    []string      `yaml:"bridge_args"`
	Token         string        `yaml:"token"`
	CheckTimeout  time.Duration `yaml:"check_timeout_sec"`
	CheckDuration int           `yaml:"check_duration_sec"`
	TimeoutMargin time.Duration `yaml:"timeout_margin_sec"`
	MaxComments   int           `yaml:"max_comments"`
	MaxGifts      int           `yaml:"max_gifts"`
}

// Remote points at a tracking worker behind a tunnel.
type Remote struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	MaxAttempts uint          `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff_ms"`
	Timeout     time.Duration `yaml:"timeout_sec"`
}

func setDefaults() {
	viper.SetDefault("app.environment", "develop")
	viper.SetDefault("server.port", "8090")
	viper.SetDefault("server.workers", 2)
	viper.SetDefault("db.auto_migrate", false)
	viper.SetDefault("rabbitmq_port", 5672)
	viper.SetDefault("rabbitmq_kind", "direct")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("tracker.service_name", "live-tracker")
	viper.SetDefault("tracker.bridge_command", "python3")
	viper.SetDefault("tracker.bridge_args", []string{"scripts/tiktoklive_bridge.py"})
	viper.SetDefault("tracker.check_timeout_sec", 25)
	viper.SetDefault("tracker.check_duration_sec", 5)
	viper.SetDefault("tracker.timeout_margin_sec", 90)
	viper.SetDefault("tracker.max_comments", 1200)
	viper.SetDefault("tracker.max_gifts", 900)
	viper.SetDefault("remote.max_attempts", 3)
	viper.SetDefault("remote.backoff_ms", 700)
	viper.SetDefault("remote.timeout_sec", 30)
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	var rabbitmq *RabbitMQ
	if host := viper.GetString("rabbitmq_host"); host != "" {
		rabbitmq = &RabbitMQ{
			Host:         host,
			Port:         viper.GetInt("rabbitmq_port"),
			User:         viper.GetString("rabbitmq_user"),
			Pass:         viper.GetString("rabbitmq_pass"),
			ExchangeName: viper.GetString("rabbitmq_exchange_name"),
			Kind:         viper.GetString("rabbitmq_kind"),
		}
	}

	var minioClient *minio.Client
	if url := viper.GetString("minio.url"); url != "" {
		minioClient, err = minio.New(url, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
			Secure: viper.GetBool("minio.secure"),
		})
		if err != nil {
			return nil, err
		}
	}

	var redis *Redis
	if addr := viper.GetString("redis.addr"); addr != "" {
		redis = &Redis{
			Addr:     addr,
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		}
	}

	var remote *Remote
	if url := viper.GetString("remote.url"); url != "" {
		remote = &Remote{
			URL:         url,
			Token:       viper.GetString("remote.token"),
			MaxAttempts: viper.GetUint("remote.max_attempts"),
			Backoff:     time.Duration(viper.GetInt("remote.backoff_ms")) * time.Millisecond,
			Timeout:     time.Duration(viper.GetInt("remote.timeout_sec")) * time.Second,
		}
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		Tracker: Tracker{
			ServiceName:   viper.GetString("tracker.service_name"),
			BridgeCommand: viper.GetString("tracker.bridge_command"),
			BridgeArgs:    viper.GetStringSlice("tracker.bridge_args"),
			Token:         viper.GetString("tracker.token"),
			CheckTimeout:  time.Duration(viper.GetInt("tracker.check_timeout_sec")) * time.Second,
			CheckDuration: viper.GetInt("tracker.check_duration_sec"),
			TimeoutMargin: time.Duration(viper.GetInt("tracker.timeout_margin_sec")) * time.Second,
			MaxComments:   viper.GetInt("tracker.max_comments"),
			MaxGifts:      viper.GetInt("tracker.max_gifts"),
		},
		DB:          db,
		AutoMigrate: viper.GetBool("db.auto_migrate"),
		Queue:       rabbitmq,
		Storage:     minioClient,
		Redis:       redis,
		Remote:      remote,
	}, nil
}
