package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   Server
	Database Database `envPrefix:"DB_"`
	Storage  Storage  `envPrefix:"S3_"`
	WAHA     WAHA     `envPrefix:"WAHA_"`
	Media    Media    `envPrefix:"MEDIA_"`
	Auth     Auth
	Broker   Broker   `envPrefix:"AMQP_"`
	Log      Log      `envPrefix:"LOG_"`
}

type Server struct {
	Port        string   `env:"PORT"         envDefault:"8082"`
	GinMode     string   `env:"GIN_MODE"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"mysql"` // mysql | sqlite
	DSN    string `env:"DSN"`
}

type Storage struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET"`
	Region    string `env:"REGION"     envDefault:"us-east-1"`
	UseSSL    bool   `env:"USE_SSL"    envDefault:"true"`
	PublicURL string `env:"PUBLIC_URL"` // base of permanent object URLs
}

// Enabled reports whether enough is configured to talk to the bucket.
func (s Storage) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type WAHA struct {
	BaseURL     string        `env:"API_URL"`
	APIKey      string        `env:"API_KEY"`
	SessionName string        `env:"SESSION_NAME"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"30s"`
}

type Media struct {
	MaxBytes        int64         `env:"MAX_BYTES"        envDefault:"52428800"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30s"`
	SignedURLTTL    time.Duration `env:"SIGNED_URL_TTL"   envDefault:"1h"`
	TenantID        string        `env:"TENANT_ID"` // optional key prefix for shared buckets
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type Broker struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"chat.events"`
}

type Log struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Pretty bool   `env:"PRETTY" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
