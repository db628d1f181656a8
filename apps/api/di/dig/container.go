package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/masomo-messaging/apps/api/echo"
	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/queue"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
	cachesvc "github.com/trezcool/masomo-messaging/services/cache"
	emailsvc "github.com/trezcool/masomo-messaging/services/email"
	filesvc "github.com/trezcool/masomo-messaging/services/filestore"
	logsvc "github.com/trezcool/masomo-messaging/services/logger"
	pubsubsvc "github.com/trezcool/masomo-messaging/services/pubsub"
	queuesvc "github.com/trezcool/masomo-messaging/services/queue"
	"github.com/trezcool/masomo-messaging/storage/database"
	sqlxrepo "github.com/trezcool/masomo-messaging/storage/database/sqlx"
)

const workerConcurrency = 10

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// Closers collects the resources to release on shutdown, in reverse order of creation.
type Closers struct {
	fns []func() error
}

func newClosers() *Closers { return &Closers{} }

func (c *Closers) add(fn func() error) { c.fns = append(c.fns, fn) }

// Close releases every resource and returns the first error.
func (c *Closers) Close() error {
	var first error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil && first == nil {
			first = err
		}
	}
	c.fns = nil
	return first
}

func newLogger(conf *core.Config) core.Logger {
	zl := logsvc.NewZerolog(conf).With().Str("component", "api").Logger()
	logger := logsvc.NewRollbarLogger(zl, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	zl := logsvc.NewZerolog(conf).With().Str("component", "db").Logger()
	logger := logsvc.NewRollbarLogger(zl, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam, closers *Closers) (*sqlx.DB, core.DB) {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	closers.add(db.Close)
	return db, db
}

// newRedis returns nil when no redis is configured: the single instance setup keeps everything in-process.
func newRedis(conf *core.Config, logger core.Logger, closers *Closers) *redis.Client {
	if conf.RedisURL == "" {
		return nil
	}
	client, err := cachesvc.NewRedisClient(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("connecting to redis: %v", err), err)
	}
	closers.add(client.Close)
	return client
}

func newBroker(client *redis.Client, logger core.Logger, closers *Closers) realtime.Broker {
	hub := realtime.NewHub()
	if client == nil {
		closers.add(hub.Close)
		return hub
	}

	broker := pubsubsvc.NewRedisBroker(client, hub, logger)
	if err := broker.Start(context.Background()); err != nil {
		logger.Fatal(fmt.Sprintf("starting pubsub: %v", err), err)
	}
	closers.add(broker.Close)
	return broker
}

func newVersionCache(client *redis.Client) *realtime.VersionCache {
	if client == nil {
		return realtime.NewVersionCache(realtime.NewMemoryCache())
	}
	return realtime.NewVersionCache(cachesvc.NewRedisCache(client))
}

// newQueue returns the background jobs client & the in-process worker consuming it.
func newQueue(conf *core.Config, logger core.Logger, closers *Closers) (queue.Client, queue.Server) {
	if conf.RedisURL == "" {
		q := queuesvc.NewInlineQueue(logger)
		closers.add(q.Close)
		return q, q
	}

	client, err := queuesvc.NewAsynqClient(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up queue client: %v", err), err)
	}
	closers.add(client.Close)

	srv, err := queuesvc.NewAsynqServer(conf, logger, workerConcurrency, messaging.QueueWeights)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up queue worker: %v", err), err)
	}
	return client, srv
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newFileStore(conf *core.Config, logger core.Logger) core.FileStore {
	if conf.S3.Bucket == "" {
		return filesvc.NewLocalStore(conf)
	}
	store, err := filesvc.NewS3Store(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up file store: %v", err), err)
	}
	return store
}

func newValidator() *validator.Validate { return validator.New() }

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func newDirectory(svc *user.Service) user.Directory { return svc }

type messagingParams struct {
	dig.In
	Repo      messaging.Repository
	Directory user.Directory
	Broker    realtime.Broker
	Versions  *realtime.VersionCache
	Queue     queue.Client
	MailSvc   core.EmailService
	Logger    core.Logger
}

func newMessagingService(p messagingParams) *messaging.Service {
	return messaging.NewService(messaging.ServiceDeps{
		Repo:      p.Repo,
		Directory: p.Directory,
		Publisher: p.Broker,
		Versions:  p.Versions,
		Queue:     p.Queue,
		Mailer:    messaging.NewNoticeMailer(p.Directory, p.MailSvc, p.Logger),
		Logger:    p.Logger,
	})
}

type serverParams struct {
	dig.In
	Conf       *core.Config
	Logger     core.Logger
	DB         core.DB
	Validate   *validator.Validate
	Translator ut.Translator
	UserSvc    *user.Service
	MsgSvc     *messaging.Service
	Broker     realtime.Broker
	Files      core.FileStore
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:       p.Conf,
		Logger:     p.Logger,
		DB:         p.DB,
		Validate:   p.Validate,
		Translator: p.Translator,
		UserSvc:    p.UserSvc,
		MsgSvc:     p.MsgSvc,
		Broker:     p.Broker,
		Files:      p.Files,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newClosers))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newRedis))
	must(c.Provide(newBroker))
	must(c.Provide(newVersionCache))
	must(c.Provide(newQueue))
	must(c.Provide(newEmailService))
	must(c.Provide(newFileStore))
	must(c.Provide(sqlxrepo.NewUserRepository, dig.As(new(user.Repository))))
	must(c.Provide(sqlxrepo.NewMessagingRepository, dig.As(new(messaging.Repository))))
	must(c.Provide(newValidator))
	must(c.Provide(newTranslator))
	must(c.Provide(user.NewService))
	must(c.Provide(newDirectory))
	must(c.Provide(newMessagingService))
	must(c.Provide(newServer))

	if os.Getenv("DIG_VISUALIZE") != "" {
		_ = dig.Visualize(c, os.Stdout)
	}

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
