package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
	"github.com/tutora/tutora/storage/database"
	"github.com/tutora/tutora/storage/database/sqlxrepos"
)

var (
	readPasswordFunc = term.ReadPassword       // mockable
	gooseRunFunc     = database.RunMigration // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db       *sqlx.DB
	usrRepo  user.Repository
	entSvc   entitlement.Service
	validate *validator.Validate
	out      io.Writer
	now      func() time.Time
}

func newCommandLine(db *sqlx.DB, validate *validator.Validate, out io.Writer) *commandLine {
	return &commandLine{
		db:       db,
		usrRepo:  sqlxrepos.NewUserRepository(db),
		entSvc:   entitlement.NewService(db, sqlxrepos.NewEntitlementRepository(db)),
		validate: validate,
		out:      out,
		now:      time.Now,
	}
}

func (cli *commandLine) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Tutora administration commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(cli.out)
	root.SetErr(cli.out)
	root.AddCommand(
		cli.migrateCmd(),
		cli.addUserCmd(),
		cli.resetPasswordCmd(),
		cli.catalogCmd(),
		cli.entitlementsCmd(),
		cli.creditsCmd(),
	)
	return root
}

// run executes the command line args, program name included.
func (cli *commandLine) run(args []string) error {
	root := cli.rootCmd()
	if len(args) < 2 {
		_ = root.Usage()
		return errHelp
	}
	root.SetArgs(args[1:])
	return root.Execute()
}

func (cli *commandLine) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cli.out, format, args...)
}

// promptPassword reads a password from the terminal without echoing it.
func (cli *commandLine) promptPassword(cmd *cobra.Command) (string, error) {
	cli.printf("Enter password:")
	pwd, err := readPasswordFunc(int(os.Stdin.Fd()))
	cli.printf("\n")
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	if len(pwd) == 0 {
		_ = cmd.Usage()
		return "", errHelp
	}
	return string(pwd), nil
}

// findUser gets a user by username or email.
func (cli *commandLine) findUser(cmd *cobra.Command, uname string) (user.User, error) {
	return cli.usrRepo.GetUser(cmd.Context(), user.GetFilter{UsernameOrEmail: core.CleanString(uname, true /* lower */)})
}
