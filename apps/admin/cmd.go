package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf     *core.Config
	db       *sql.DB
	usrSvc   *user.Service
	msgSvc   *messaging.Service
	validate *validator.Validate
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run goose migration commands (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  adduser -type TYPE -name NAME [-id ID] [-email EMAIL] [-classes IDS] [-children IDS] - register a directory user")
	fmt.Fprintln(cli.out, "  token -type TYPE -id ID - print an API token for a user (DEV)")
	fmt.Fprintln(cli.out, "  reclaim - delete the conversations purged by all of their participants")
	fmt.Fprintln(cli.out, "  expand -freq FREQ -start DATE -end DATE [-interval N] [-weekdays DAYS] [-count N] - preview a recurrence")
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := cli.newFlagSet("adduser")
	addUserID := addUserCmd.String("id", "", "The user's id in the portal directory (generated if empty)")
	addUserType := addUserCmd.String("type", "", "The user's type: "+typeNames())
	addUserName := addUserCmd.String("name", "", "The user's display name")
	addUserEmail := addUserCmd.String("email", "", "The user's email, for message notices")
	addUserClasses := addUserCmd.String("classes", "", "Comma separated class ids (students & teachers)")
	addUserChildren := addUserCmd.String("children", "", "Comma separated student ids (parents)")

	tokenCmd := cli.newFlagSet("token")
	tokenType := tokenCmd.String("type", "", "The user's type")
	tokenID := tokenCmd.String("id", "", "The user's id")

	expandCmd := cli.newFlagSet("expand")
	expandFreq := expandCmd.String("freq", "", "daily, weekly or monthly")
	expandInterval := expandCmd.Int("interval", 1, "Every N periods")
	expandWeekdays := expandCmd.String("weekdays", "", "Comma separated weekdays (0=Sunday), weekly rules only")
	expandCount := expandCmd.Int("count", 0, "Max number of occurrences (0: until -end)")
	expandStart := expandCmd.String("start", "", "First occurrence, "+dateLayout)
	expandEnd := expandCmd.String("end", "", "Last possible occurrence, "+dateLayout)

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *addUserType == "" || *addUserName == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(user.NewUser{
			ID:       *addUserID,
			Type:     user.UserType(strings.ToLower(*addUserType)),
			Name:     *addUserName,
			Email:    *addUserEmail,
			ClassIDs: splitList(*addUserClasses),
			ChildIDs: splitList(*addUserChildren),
		})
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *tokenType == "" || *tokenID == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenType, *tokenID)
	case "reclaim":
		return cli.reclaim()
	case "expand":
		if err := expandCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *expandFreq == "" || *expandStart == "" || *expandEnd == "" {
			expandCmd.Usage()
			return errHelp
		}
		return cli.expand(*expandFreq, *expandInterval, *expandWeekdays, *expandCount, *expandStart, *expandEnd)
	default:
		cli.printUsage()
		return errHelp
	}
}

func typeNames() string {
	names := make([]string, 0, len(user.AllTypes))
	for _, t := range user.AllTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
