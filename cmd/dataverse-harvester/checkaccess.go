package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/dataverse-harvester/pkg/privileges"
	"github.com/Sternrassler/dataverse-harvester/pkg/sink"
	"github.com/spf13/cobra"
)

func newCheckAccessCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "checkaccess <systemuserid>",
		Short: "Resolve a user's roles and privileges from a previous dump",
		Long: `checkaccess reads the security collections of a previous harvest
(systemuserrolescollection, teammemberships, teamrolescollection,
roleprivilegescollection, roles, teams and privileges) and prints the roles
the user holds directly and through teams, with their privileges.
No request is sent to the instance.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileSink, err := sink.NewFileSink(sink.Config{Dir: outputDir})
			if err != nil {
				return err
			}
			report, err := privileges.Resolve(cmd.Context(), fileSink, args[0])
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "checkaccess: %v\n", err)
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "dump", "directory holding the dumped collections")
	return cmd
}

func printReport(w io.Writer, r *privileges.Report) {
	roleNames := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		roleNames[i] = role.Name
	}
	teamNames := make([]string, len(r.Teams))
	for i, team := range r.Teams {
		teamNames[i] = team.Name
	}

	fmt.Fprintf(w, "[+] user %s roles: %s\n", r.UserID, strings.Join(roleNames, ", "))
	fmt.Fprintf(w, "[+] user %s teams: %s\n", r.UserID, strings.Join(teamNames, ", "))

	for _, role := range r.Roles {
		fmt.Fprintf(w, "[+] role %s privileges:\n", role.Name)
		for _, p := range role.Privileges {
			fmt.Fprintf(w, "[+]\t%s\n", p)
		}
	}
	for _, team := range r.Teams {
		fmt.Fprintf(w, "[+] team %s roles:\n", team.Name)
		for _, role := range team.Roles {
			fmt.Fprintf(w, "[+]\tteam %s role %s privileges:\n", team.Name, role.Name)
			for _, p := range role.Privileges {
				fmt.Fprintf(w, "[+]\t\t%s\n", p)
			}
		}
	}
	fmt.Fprintf(w, "[+] effective privileges: %d\n", len(r.Privileges()))
}
