package main

import (
	"context"
	"fmt"

	echoapi "github.com/trezcool/masomo-messaging/apps/api/echo"
	"github.com/trezcool/masomo-messaging/core/user"
)

// token prints an API token of an active user.
func (cli *commandLine) token(typ, id string) error {
	ut, err := user.ParseType(typ)
	if err != nil {
		return err
	}
	usr, err := cli.usrSvc.GetUser(context.Background(), user.Ref{ID: id, Type: ut})
	if err != nil {
		return err
	}
	if !usr.IsActive {
		return fmt.Errorf("%s %q is not active", usr.Type, usr.ID)
	}

	token, err := echoapi.GenerateToken(cli.conf, echoapi.GetUserClaims(cli.conf, usr.Identity()))
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}
