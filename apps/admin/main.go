package main

import (
	"fmt"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	logsvc "github.com/trezcool/masomo-messaging/services/logger"
	"github.com/trezcool/masomo-messaging/storage/database"
	sqlxrepo "github.com/trezcool/masomo-messaging/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(logsvc.NewZerolog(conf).With().Str("component", "admin").Logger(), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	defer db.Close()

	// set up services
	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	usrSvc := user.NewService(sqlxrepo.NewUserRepository(db))
	msgSvc := messaging.NewService(messaging.ServiceDeps{
		Repo:      sqlxrepo.NewMessagingRepository(db),
		Directory: usrSvc,
		Logger:    logger,
	})

	// start CLI
	cli := commandLine{
		conf:     conf,
		db:       db.DB,
		usrSvc:   usrSvc,
		msgSvc:   msgSvc,
		validate: validate,
		out:      os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("admin: %v", err), err)
		}
		_ = db.Close()
		os.Exit(1)
	}
}
