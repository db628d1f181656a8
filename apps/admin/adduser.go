package main

import (
	"context"
	"fmt"

	"github.com/trezcool/masomo-messaging/core/user"
)

// addUser registers a user in the directory, for DEV & QA environments without the portal directory.
func (cli *commandLine) addUser(nu user.NewUser) error {
	if err := nu.Validate(cli.validate); err != nil {
		return err
	}
	usr, err := cli.usrSvc.Create(context.Background(), nu)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "added %s %q (%s)\n", usr.Type, usr.Name, usr.ID)
	return nil
}
