package main

import (
	"fmt"

	"coachbot/internal/config"
	"coachbot/internal/mail"

	"github.com/spf13/cobra"
)

func newMailCmd(loader *config.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mail",
		Short: "Inspect and maintain the email relay inbox",
	}
	cmd.AddCommand(newMailCheckCmd(loader), newMailMarkUnreadCmd(loader))
	return cmd
}

func newMailCheckCmd(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one poll cycle: answer unseen mail and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(loader)
			if err != nil {
				return err
			}
			res, err := mail.NewPoller(a.account, a.service).RunOnce(cmd.Context())
			a.service.Wait()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "handled %d, replied %d, failed %d\n", res.Handled, res.Replied, res.Failed)
			return err
		},
	}
}

func newMailMarkUnreadCmd(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-unread",
		Short: "Clear the seen flag on every inbox message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct := loader.MailAccount()()
			n, err := mail.NewIMAPMailbox(acct).MarkAllUnread(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "marked %d messages unread\n", n)
			return err
		},
	}
}
