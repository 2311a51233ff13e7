package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/pkg/models"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts and their parameter restrictions",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user; the password is generated unless supplied",
	RunE:  runUserAdd,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a user and revoke its tokens",
	RunE:  runUserDelete,
}

var userDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show one user or list all",
	RunE:  runUserDescribe,
}

var userBlockCmd = &cobra.Command{
	Use:   "block",
	Short: "Block a user with a reason",
	RunE:  runUserBlock,
}

var userUnblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Reactivate a blocked user",
	RunE:  runUserUnblock,
}

var userChangePasswordCmd = &cobra.Command{
	Use:   "change_password",
	Short: "Change a user's password and revoke its tokens",
	RunE:  runUserChangePassword,
}

var userChangeUsernameCmd = &cobra.Command{
	Use:   "change_username",
	Short: "Rename a user and revoke its tokens",
	RunE:  runUserChangeUsername,
}

var userAddToGroupCmd = &cobra.Command{
	Use:   "add_to_group",
	Short: "Add a user to a group",
	RunE:  runUserAddToGroup,
}

var userRemoveFromGroupCmd = &cobra.Command{
	Use:   "remove_from_group",
	Short: "Remove a user from a group",
	RunE:  runUserRemoveFromGroup,
}

var userSetMetaCmd = &cobra.Command{
	Use:   "set_meta_attribute",
	Short: "Set an allow-list for an option (fails when present)",
	RunE:  runUserSetMeta,
}

var userUpdateMetaCmd = &cobra.Command{
	Use:   "update_meta_attribute",
	Short: "Replace an existing allow-list (fails when absent)",
	RunE:  runUserUpdateMeta,
}

var userDeleteMetaCmd = &cobra.Command{
	Use:   "delete_meta_attribute",
	Short: "Remove an option's allow-list",
	RunE:  runUserDeleteMeta,
}

var userResetMetaCmd = &cobra.Command{
	Use:   "reset_meta",
	Short: "Drop all restrictions and auxiliary data of a user",
	RunE:  runUserResetMeta,
}

var userGetMetaCmd = &cobra.Command{
	Use:   "get_meta",
	Short: "Show the restriction layer of a user",
	RunE:  runUserGetMeta,
}

func init() {
	for _, c := range []*cobra.Command{
		userAddCmd, userDeleteCmd, userDescribeCmd, userBlockCmd, userUnblockCmd,
		userChangePasswordCmd, userChangeUsernameCmd, userAddToGroupCmd,
		userRemoveFromGroupCmd, userSetMetaCmd, userUpdateMetaCmd,
		userDeleteMetaCmd, userResetMetaCmd, userGetMetaCmd,
	} {
		c.Flags().String("username", "", "Username")
		userCmd.AddCommand(c)
	}

	userAddCmd.Flags().String("password", "", "Password (generated when omitted)")
	userAddCmd.Flags().StringSlice("group", nil, "Group membership, repeatable")
	userBlockCmd.Flags().String("reason", "", "Blocking reason (required)")
	userChangePasswordCmd.Flags().String("password", "", "New password (required)")
	userChangeUsernameCmd.Flags().String("new-username", "", "New username (required)")
	userAddToGroupCmd.Flags().String("group", "", "Group name (required)")
	userRemoveFromGroupCmd.Flags().String("group", "", "Group name (required)")
	for _, c := range []*cobra.Command{userSetMetaCmd, userUpdateMetaCmd, userDeleteMetaCmd} {
		c.Flags().String("key", "", "Option name (required)")
	}
	userSetMetaCmd.Flags().StringSlice("value", nil, "Allowed value, repeatable")
	userUpdateMetaCmd.Flags().StringSlice("value", nil, "Allowed value, repeatable")
}

func username(cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("username")
	if name == "" {
		return "", fmt.Errorf("--username is required")
	}
	return name, nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	password, _ := cmd.Flags().GetString("password")
	groups, _ := cmd.Flags().GetStringSlice("group")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, generated, err := svc.users.Create(cmd.Context(), name, password, groups)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		out := map[string]any{"username": u.Username, "groups": u.Groups}
		if generated != "" {
			out["password"] = generated
		}
		return printJSON(out)
	}
	fmt.Printf("User %q created\n", u.Username)
	if generated != "" {
		fmt.Printf("Generated password: %s\n", generated)
	}
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.users.Delete(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("User %q deleted\n", name)
	return nil
}

func runUserDescribe(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("username")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	var users []*models.User
	if name != "" {
		u, err := svc.users.Get(cmd.Context(), name)
		if err != nil {
			return err
		}
		users = append(users, u)
	} else {
		users, err = svc.users.List(cmd.Context())
		if err != nil {
			return err
		}
	}

	if jsonOutput(cmd) {
		// The hash embeds no secret but the password hash stays private.
		type view struct {
			Username    string   `json:"username"`
			Groups      []string `json:"groups"`
			State       string   `json:"state"`
			StateReason string   `json:"state_reason,omitempty"`
			Consistency string   `json:"consistency"`
		}
		out := make([]view, 0, len(users))
		for _, u := range users {
			out = append(out, view{
				Username:    u.Username,
				Groups:      u.Groups,
				State:       u.State,
				StateReason: u.StateReason,
				Consistency: u.Consistency,
			})
		}
		return printJSON(out)
	}
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		rows = append(rows, []string{
			u.Username,
			u.State,
			strings.Join(u.Groups, ","),
			u.Consistency,
		})
	}
	table(os.Stdout, []string{"USER", "STATE", "GROUPS", "CONSISTENCY"}, rows)
	return nil
}

func runUserBlock(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	if reason == "" {
		return fmt.Errorf("--reason is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, err := svc.users.Block(cmd.Context(), name, reason)
	if err != nil {
		return err
	}
	fmt.Printf("User %q blocked: %s\n", u.Username, u.StateReason)
	return nil
}

func runUserUnblock(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, err := svc.users.Unblock(cmd.Context(), name)
	if err != nil {
		return err
	}
	fmt.Printf("User %q reactivated\n", u.Username)
	return nil
}

func runUserChangePassword(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		return fmt.Errorf("--password is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.users.ChangePassword(cmd.Context(), name, password); err != nil {
		return err
	}
	fmt.Printf("Password of %q changed, sessions revoked\n", name)
	return nil
}

func runUserChangeUsername(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	newName, _ := cmd.Flags().GetString("new-username")
	if newName == "" {
		return fmt.Errorf("--new-username is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, err := svc.users.ChangeUsername(cmd.Context(), name, newName)
	if err != nil {
		return err
	}
	fmt.Printf("User %q renamed to %q\n", name, u.Username)
	return nil
}

func runUserAddToGroup(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	group, _ := cmd.Flags().GetString("group")
	if group == "" {
		return fmt.Errorf("--group is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, err := svc.users.AddToGroup(cmd.Context(), name, group)
	if err != nil {
		return err
	}
	fmt.Printf("User %q is now in groups: %s\n", u.Username, strings.Join(u.Groups, ", "))
	return nil
}

func runUserRemoveFromGroup(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	group, _ := cmd.Flags().GetString("group")
	if group == "" {
		return fmt.Errorf("--group is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	u, err := svc.users.RemoveFromGroup(cmd.Context(), name, group)
	if err != nil {
		return err
	}
	fmt.Printf("User %q is now in groups: %s\n", u.Username, strings.Join(u.Groups, ", "))
	return nil
}

func metaArgs(cmd *cobra.Command, needValues bool) (name, key string, values []string, err error) {
	name, err = username(cmd)
	if err != nil {
		return "", "", nil, err
	}
	key, _ = cmd.Flags().GetString("key")
	if key == "" {
		return "", "", nil, fmt.Errorf("--key is required")
	}
	values, _ = cmd.Flags().GetStringSlice("value")
	if needValues && len(values) == 0 {
		return "", "", nil, fmt.Errorf("at least one --value is required")
	}
	return name, key, values, nil
}

func runUserSetMeta(cmd *cobra.Command, args []string) error {
	name, key, values, err := metaArgs(cmd, true)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.users.SetMetaAttribute(cmd.Context(), name, key, values); err != nil {
		return err
	}
	fmt.Printf("Allow-list for %q set on user %q\n", key, name)
	return nil
}

func runUserUpdateMeta(cmd *cobra.Command, args []string) error {
	name, key, values, err := metaArgs(cmd, true)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.users.UpdateMetaAttribute(cmd.Context(), name, key, values); err != nil {
		return err
	}
	fmt.Printf("Allow-list for %q updated on user %q\n", key, name)
	return nil
}

func runUserDeleteMeta(cmd *cobra.Command, args []string) error {
	name, key, _, err := metaArgs(cmd, false)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.users.DeleteMetaAttribute(cmd.Context(), name, key); err != nil {
		return err
	}
	fmt.Printf("Allow-list for %q removed from user %q\n", key, name)
	return nil
}

func runUserResetMeta(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.users.ResetMeta(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Restrictions of user %q reset\n", name)
	return nil
}

func runUserGetMeta(cmd *cobra.Command, args []string) error {
	name, err := username(cmd)
	if err != nil {
		return err
	}
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	m, err := svc.users.GetMeta(cmd.Context(), name)
	if err != nil {
		return err
	}
	return printJSON(m)
}
