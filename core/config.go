package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	serverConfig struct {
		Host            string
		Address         string
		DebugHost       string
		ShutdownTimeout time.Duration
		ReadTimeout     time.Duration
	}

	jwtConfig struct {
		ExpirationDelta time.Duration
	}

	databaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	syncConfig struct {
		PingInterval   time.Duration
		StreamTokenTTL time.Duration
		PollBase       time.Duration
		PollMax        time.Duration
		BatchSize      int
	}

	s3Config struct {
		Endpoint   string
		Region     string
		Bucket     string
		AccessKey  string
		SecretKey  string
		PresignTTL time.Duration
	}

	rateLimitConfig struct {
		MessagesPerMinute float64
		Burst             int
	}

	Config struct {
		Env              string
		Debug            bool
		TestMode         bool
		AppName          string
		Build            string
		SecretKey        string
		FrontendBaseURL  string
		RollbarToken     string
		SendgridApiKey   string
		RedisURL         string
		defaultFromEmail string

		Server    serverConfig
		JWT       jwtConfig
		Database  databaseConfig
		Sync      syncConfig
		S3        s3Config
		RateLimit rateLimitConfig
	}
)

func (conf *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: conf.AppName, Address: conf.defaultFromEmail}
}

func (db databaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// NewConfig reads the app configuration from defaults, the optional `config/.env.<env>` file and the environment.
func NewConfig() *Config {
	vpr := viper.New()
	setDefaults(vpr)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		vpr.SetDefault("testMode", true)
	}
	vpr.SetEnvPrefix(env)
	vpr.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	vpr.AutomaticEnv()

	return &Config{
		Env:              env,
		Debug:            vpr.GetBool("debug"),
		TestMode:         vpr.GetBool("testMode"),
		AppName:          vpr.GetString("appName"),
		Build:            vpr.GetString("build"),
		SecretKey:        vpr.GetString("secretKey"),
		FrontendBaseURL:  vpr.GetString("frontendBaseURL"),
		RollbarToken:     vpr.GetString("rollbarToken"),
		SendgridApiKey:   vpr.GetString("sendgridApiKey"),
		RedisURL:         vpr.GetString("redis.url"),
		defaultFromEmail: vpr.GetString("defaultFromEmail"),
		Server: serverConfig{
			Host:            vpr.GetString("server.host"),
			Address:         vpr.GetString("server.address"),
			DebugHost:       vpr.GetString("server.debugHost"),
			ShutdownTimeout: vpr.GetDuration("server.shutdownTimeout"),
			ReadTimeout:     vpr.GetDuration("server.readTimeout"),
		},
		JWT: jwtConfig{
			ExpirationDelta: vpr.GetDuration("jwt.expirationDelta"),
		},
		Database: databaseConfig{
			Engine:        vpr.GetString("database.engine"),
			Host:          vpr.GetString("database.host"),
			Port:          vpr.GetString("database.port"),
			Name:          vpr.GetString("database.name"),
			User:          vpr.GetString("database.user"),
			Password:      vpr.GetString("database.password"),
			AdminUser:     vpr.GetString("database.adminUser"),
			AdminPassword: vpr.GetString("database.adminPassword"),
			DisableTLS:    vpr.GetBool("database.disableTLS"),
		},
		Sync: syncConfig{
			PingInterval:   vpr.GetDuration("sync.pingInterval"),
			StreamTokenTTL: vpr.GetDuration("sync.streamTokenTTL"),
			PollBase:       vpr.GetDuration("sync.pollBase"),
			PollMax:        vpr.GetDuration("sync.pollMax"),
			BatchSize:      vpr.GetInt("sync.batchSize"),
		},
		S3: s3Config{
			Endpoint:   vpr.GetString("s3.endpoint"),
			Region:     vpr.GetString("s3.region"),
			Bucket:     vpr.GetString("s3.bucket"),
			AccessKey:  vpr.GetString("s3.accessKey"),
			SecretKey:  vpr.GetString("s3.secretKey"),
			PresignTTL: vpr.GetDuration("s3.presignTTL"),
		},
		RateLimit: rateLimitConfig{
			MessagesPerMinute: vpr.GetFloat64("rateLimit.messagesPerMinute"),
			Burst:             vpr.GetInt("rateLimit.burst"),
		},
	}
}

func setDefaults(vpr *viper.Viper) {
	vpr.SetTypeByDefaultValue(true)
	vpr.SetDefault("debug", true)
	vpr.SetDefault("appName", "Masomo")
	vpr.SetDefault("build", "develop")
	vpr.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	vpr.SetDefault("frontendBaseURL", "http://localhost:3000")
	vpr.SetDefault("defaultFromEmail", "noreply@localhost")
	vpr.SetDefault("redis.url", "")

	vpr.SetDefault("server.host", "localhost")
	vpr.SetDefault("server.address", ":8000")
	vpr.SetDefault("server.debugHost", ":4000")
	vpr.SetDefault("server.shutdownTimeout", 5*time.Second)
	vpr.SetDefault("server.readTimeout", 5*time.Second)

	vpr.SetDefault("jwt.expirationDelta", 7*24*time.Hour)

	vpr.SetDefault("database.engine", "postgres")
	vpr.SetDefault("database.host", "localhost")
	vpr.SetDefault("database.port", "5432")
	vpr.SetDefault("database.name", "masomo")
	vpr.SetDefault("database.user", "masomo")
	vpr.SetDefault("database.password", "masomo")
	vpr.SetDefault("database.adminUser", "postgres")
	vpr.SetDefault("database.adminPassword", "postgres")
	vpr.SetDefault("database.disableTLS", true)

	vpr.SetDefault("sync.pingInterval", 25*time.Second)
	vpr.SetDefault("sync.streamTokenTTL", 2*time.Minute)
	vpr.SetDefault("sync.pollBase", 3*time.Second)
	vpr.SetDefault("sync.pollMax", time.Minute)
	vpr.SetDefault("sync.batchSize", 100)

	vpr.SetDefault("s3.endpoint", "")
	vpr.SetDefault("s3.region", "auto")
	vpr.SetDefault("s3.bucket", "")
	vpr.SetDefault("s3.accessKey", "")
	vpr.SetDefault("s3.secretKey", "")
	vpr.SetDefault("s3.presignTTL", 15*time.Minute)

	// 30 per minute, same as the chat limiter of the portal
	vpr.SetDefault("rateLimit.messagesPerMinute", 30.0)
	vpr.SetDefault("rateLimit.burst", 10)
}
