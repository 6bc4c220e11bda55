package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cubeflix/cshd/pkg/users"
)

var userUsersFile string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the users file offline",
	Long: `Manage the users file without a running server. The file is locked
while writing, so the tool is safe to use alongside a live server pointed at
the same file.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := users.Load(userUsersFile)
		if err != nil {
			return err
		}
		perms := users.Permission(userPermissions)
		if !perms.Valid() {
			return fmt.Errorf("invalid permissions %q (want r, w or a)", userPermissions)
		}
		password, err := promptNewPassword()
		if err != nil {
			return err
		}
		if err := store.Create(args[0], password, perms); err != nil {
			return err
		}
		fmt.Printf("User %q created with permissions %q.\n", args[0], perms)
		return nil
	},
}

var userPermissions string

var userDeleteCmd = &cobra.Command{
	Use:     "delete <username>",
	Aliases: []string{"remove"},
	Short:   "Delete a user",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := users.Load(userUsersFile)
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("User %q deleted.\n", args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List users",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := users.Load(userUsersFile)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Username", "Permissions"})
		for _, u := range store.All() {
			table.Append([]string{u.Username, string(u.Permissions)})
		}
		table.Render()
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:     "passwd <username>",
	Aliases: []string{"password"},
	Short:   "Change a user's password",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := users.Load(userUsersFile)
		if err != nil {
			return err
		}
		password, err := promptNewPassword()
		if err != nil {
			return err
		}
		if err := store.Update(args[0], map[string]any{"password": password}); err != nil {
			return err
		}
		fmt.Printf("Password for %q updated.\n", args[0])
		return nil
	},
}

var userPermsCmd = &cobra.Command{
	Use:   "perms <username> <r|w|a>",
	Short: "Change a user's permissions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := users.Load(userUsersFile)
		if err != nil {
			return err
		}
		if err := store.Update(args[0], map[string]any{"permissions": args[1]}); err != nil {
			return err
		}
		fmt.Printf("Permissions for %q set to %q.\n", args[0], args[1])
		return nil
	},
}

func init() {
	userCmd.PersistentFlags().StringVarP(&userUsersFile, "users", "u", "users.json", "users file path")
	userAddCmd.Flags().StringVarP(&userPermissions, "permissions", "P", "r", "permissions for the new user (r, w or a)")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userDeleteCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPasswdCmd)
	userCmd.AddCommand(userPermsCmd)
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptLine reads one trimmed line from stdin.
func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptNewPassword reads a password twice without echo and requires the two
// entries to match.
func promptNewPassword() (string, error) {
	first, err := promptPassword("Password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if !stdinIsTerminal() {
		// Piped input: fall back to a plain line read.
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
