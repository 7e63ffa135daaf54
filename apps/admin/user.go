package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/user"
)

func (cli *commandLine) addUserCmd() *cobra.Command {
	var (
		uname, email, name string
		roles              []string
		isAdmin            bool
	)
	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Create or update an active user; the password is prompted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uname == "" || email == "" {
				_ = cmd.Usage()
				return errHelp
			}
			pwd, err := cli.promptPassword(cmd)
			if err != nil {
				return err
			}
			usr, err := cli.addUser(cmd, uname, email, name, pwd, roles, isAdmin)
			if err != nil {
				return err
			}
			cli.printf("user %s (%s) saved\n", usr.Username, usr.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&uname, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role: admin, coach, parent or student (repeatable)")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "grant all roles")
	return cmd
}

// addUser updates or creates a user.User
func (cli *commandLine) addUser(cmd *cobra.Command, uname, email, name, pwd string, roles []string, isAdmin bool) (user.User, error) {
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)
	now := cli.now().UTC()

	usr, err := cli.usrRepo.GetUser(cmd.Context(), user.GetFilter{Username: uname})
	if errors.Cause(err) == user.ErrNotFound {
		usr, err = cli.usrRepo.GetUser(cmd.Context(), user.GetFilter{Email: email})
	}
	switch {
	case errors.Cause(err) == user.ErrNotFound:
		usr = user.User{Username: uname, Email: email, CreatedAt: now}
	case err != nil:
		return user.User{}, errors.Wrap(err, "finding user")
	}
	if name != "" {
		usr.Name = core.CleanString(name)
	}

	if isAdmin {
		usr.Roles = user.AllRoles
	} else if len(roles) > 0 {
		var rs []string
		for _, r := range roles {
			role := strings.ToLower(strings.TrimSpace(r))
			if !strings.HasSuffix(role, ":") {
				role += ":"
			}
			if !core.StringInSlice(role, user.AllRoles) {
				return user.User{}, errors.Errorf("unknown role %q", r)
			}
			rs = append(rs, role)
		}
		usr.Roles = rs
	}
	usr.SetActive(true)
	if err = usr.SetPassword(pwd); err != nil {
		return user.User{}, errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = now
	usr, err = cli.usrRepo.UpdateOrCreateUser(cmd.Context(), usr)
	return usr, errors.Wrap(err, "saving user")
}

func (cli *commandLine) resetPasswordCmd() *cobra.Command {
	var uname string
	cmd := &cobra.Command{
		Use:   "resetpassword",
		Short: "Reset a user's password; the password is prompted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uname == "" {
				_ = cmd.Usage()
				return errHelp
			}
			pwd, err := cli.promptPassword(cmd)
			if err != nil {
				return err
			}
			return cli.resetPassword(cmd, uname, pwd)
		},
	}
	cmd.Flags().StringVar(&uname, "username", "", "the user's username or email")
	return cmd
}

func (cli *commandLine) resetPassword(cmd *cobra.Command, uname, pwd string) error {
	usr, err := cli.findUser(cmd, uname)
	if err != nil {
		return err
	}
	if err = usr.SetPassword(pwd); err != nil {
		return errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = time.Now().UTC()
	if _, err = cli.usrRepo.UpdateUser(cmd.Context(), usr); err != nil {
		return errors.Wrap(err, "updating user")
	}
	cli.printf("password of %s updated\n", usr.Username)
	return nil
}
