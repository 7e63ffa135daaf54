package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tutora/tutora/core/entitlement"
)

const refAdminGrant = "admin_grant"

// catalogFile is the layout of the product catalog files.
type catalogFile struct {
	Products []entitlement.NewProduct `yaml:"products"`
}

func (cli *commandLine) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the product catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Create or update the products listed in a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			created, updated, err := cli.loadCatalog(cmd, args[0])
			if err != nil {
				return err
			}
			cli.printf("catalog loaded: %d created, %d updated\n", created, updated)
			return nil
		},
	})
	return cmd
}

func (cli *commandLine) loadCatalog(cmd *cobra.Command, path string) (created, updated int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading catalog")
	}
	var cat catalogFile
	if err = yaml.Unmarshal(data, &cat); err != nil {
		return 0, 0, errors.Wrap(err, "decoding catalog")
	}
	if len(cat.Products) == 0 {
		return 0, 0, errors.New("catalog has no products")
	}
	for i := range cat.Products {
		if err = cat.Products[i].Validate(cli.validate); err != nil {
			return 0, 0, errors.Wrapf(err, "product #%d (%s)", i+1, cat.Products[i].Code)
		}
	}
	return cli.entSvc.UpsertProducts(cmd.Context(), cat.Products)
}

func (cli *commandLine) entitlementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entitlements",
		Short: "Manage entitlements",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Expire the entitlements past their expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cli.entSvc.ExpireDue(cmd.Context(), cli.now())
			if err != nil {
				return errors.Wrap(err, "expiring entitlements")
			}
			cli.printf("%d entitlements expired\n", n)
			return nil
		},
	})
	return cmd
}

func (cli *commandLine) creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage credit balances",
	}

	var (
		uname string
		cg    entitlement.CreditGrant
	)
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uname == "" {
				_ = cmd.Usage()
				return errHelp
			}
			usr, err := cli.findUser(cmd, uname)
			if err != nil {
				return err
			}
			cg.UserID = usr.ID
			if err = cg.Validate(cli.validate); err != nil {
				return err
			}
			balance, err := cli.entSvc.GrantCredits(cmd.Context(), usr.ID, cg.Credits, cg.Reason, entitlement.Ref{Type: refAdminGrant})
			if err != nil {
				return errors.Wrap(err, "granting credits")
			}
			cli.printf("%s now has %d credits\n", usr.Username, balance)
			return nil
		},
	}
	grant.Flags().StringVar(&uname, "user", "", "the user's username or email")
	grant.Flags().IntVar(&cg.Credits, "credits", 0, "number of credits")
	grant.Flags().StringVar(&cg.Reason, "reason", "", "reason recorded in the ledger")
	cmd.AddCommand(grant)
	return cmd
}
