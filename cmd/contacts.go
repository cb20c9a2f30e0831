package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/notify"
)

var contactsUser string

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage a user's emergency contact directory",
}

var contactsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add one emergency contact",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		phone, _ := cmd.Flags().GetString("phone")
		relation, _ := cmd.Flags().GetString("relation")
		tier, _ := cmd.Flags().GetInt("tier")

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		eng := engine.New(cfg, st, notify.NewWebhook(cfg.Notify))
		defer eng.Shutdown()

		added, warnings, err := eng.AddContact(cmd.Context(), model.Contact{
			UserID:       contactsUser,
			Name:         name,
			Phone:        phone,
			Relation:     relation,
			PriorityTier: tier,
		})
		if err != nil {
			return err
		}
		for _, warning := range warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (tier %d) id=%s\n", added.Name, added.PriorityTier, added.ID)
		return nil
	},
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's contacts in escalation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		contacts, err := st.ListContacts(cmd.Context(), contactsUser)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no contacts")
			return nil
		}
		for _, c := range contacts {
			fmt.Fprintf(cmd.OutOrStdout(), "tier %d  %-20s %-15s %s\n", c.PriorityTier, c.Name, c.Phone, c.Relation)
		}
		return nil
	},
}

// contactsFile is the YAML shape accepted by `contacts import`.
type contactsFile struct {
	Contacts []struct {
		Name     string `yaml:"name"`
		Phone    string `yaml:"phone"`
		Relation string `yaml:"relation"`
		Tier     int    `yaml:"tier"`
	} `yaml:"contacts"`
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Bulk-import contacts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		var file contactsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return eris.Wrapf(err, "parse %s", args[0])
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		eng := engine.New(cfg, st, notify.NewWebhook(cfg.Notify))
		defer eng.Shutdown()

		var imported int
		for _, entry := range file.Contacts {
			_, warnings, err := eng.AddContact(cmd.Context(), model.Contact{
				UserID:       contactsUser,
				Name:         entry.Name,
				Phone:        entry.Phone,
				Relation:     entry.Relation,
				PriorityTier: entry.Tier,
			})
			if err != nil {
				zap.L().Warn("contact skipped",
					zap.String("name", entry.Name), zap.Error(err))
				continue
			}
			for _, warning := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
			imported++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d contacts\n", imported, len(file.Contacts))
		return nil
	},
}

func init() {
	contactsCmd.PersistentFlags().StringVar(&contactsUser, "user", "", "user ID (required)")
	_ = contactsCmd.MarkPersistentFlagRequired("user")

	contactsAddCmd.Flags().String("name", "", "contact name")
	contactsAddCmd.Flags().String("phone", "", "contact phone")
	contactsAddCmd.Flags().String("relation", "", "relationship to the user")
	contactsAddCmd.Flags().Int("tier", 1, "escalation tier (1 = first contacted)")
	_ = contactsAddCmd.MarkFlagRequired("name")
	_ = contactsAddCmd.MarkFlagRequired("phone")

	contactsCmd.AddCommand(contactsAddCmd, contactsListCmd, contactsImportCmd)
	rootCmd.AddCommand(contactsCmd)
}
