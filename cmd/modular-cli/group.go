package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/pkg/models"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage user groups",
}

var groupAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a group with at least one policy",
	RunE:  runGroupAdd,
}

var groupAddPolicyCmd = &cobra.Command{
	Use:   "add_policy",
	Short: "Attach a policy to a group",
	RunE:  runGroupAddPolicy,
}

var groupDeletePolicyCmd = &cobra.Command{
	Use:   "delete_policy",
	Short: "Detach a policy from a group",
	RunE:  runGroupDeletePolicy,
}

var groupDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show one group or list all",
	RunE:  runGroupDescribe,
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a group",
	RunE:  runGroupDelete,
}

func init() {
	groupAddCmd.Flags().String("group", "", "Group name (required)")
	groupAddCmd.Flags().StringSlice("policy", nil, "Policy to attach, repeatable (at least one)")
	groupAddPolicyCmd.Flags().String("group", "", "Group name (required)")
	groupAddPolicyCmd.Flags().String("policy", "", "Policy name (required)")
	groupDeletePolicyCmd.Flags().String("group", "", "Group name (required)")
	groupDeletePolicyCmd.Flags().String("policy", "", "Policy name (required)")
	groupDescribeCmd.Flags().String("group", "", "Group name (all groups when omitted)")
	groupDeleteCmd.Flags().String("group", "", "Group name (required)")

	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupAddPolicyCmd)
	groupCmd.AddCommand(groupDeletePolicyCmd)
	groupCmd.AddCommand(groupDescribeCmd)
	groupCmd.AddCommand(groupDeleteCmd)
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("group")
	policies, _ := cmd.Flags().GetStringSlice("policy")
	if name == "" || len(policies) == 0 {
		return fmt.Errorf("--group and at least one --policy are required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	g, err := svc.groups.Create(cmd.Context(), name, policies)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(g)
	}
	fmt.Printf("Group %q created with policies: %s\n", g.GroupName, strings.Join(g.Policies, ", "))
	return nil
}

func runGroupAddPolicy(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("group")
	policyName, _ := cmd.Flags().GetString("policy")
	if name == "" || policyName == "" {
		return fmt.Errorf("--group and --policy are required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	g, err := svc.groups.AddPolicy(cmd.Context(), name, policyName)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(g)
	}
	fmt.Printf("Policy %q attached to group %q\n", policyName, g.GroupName)
	return nil
}

func runGroupDeletePolicy(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("group")
	policyName, _ := cmd.Flags().GetString("policy")
	if name == "" || policyName == "" {
		return fmt.Errorf("--group and --policy are required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	g, err := svc.groups.RemovePolicy(cmd.Context(), name, policyName)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(g)
	}
	fmt.Printf("Policy %q detached from group %q\n", policyName, g.GroupName)
	return nil
}

func runGroupDescribe(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("group")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	var groups []*models.Group
	if name != "" {
		g, err := svc.groups.Get(cmd.Context(), name)
		if err != nil {
			return err
		}
		groups = append(groups, g)
	} else {
		groups, err = svc.groups.List(cmd.Context())
		if err != nil {
			return err
		}
	}

	if jsonOutput(cmd) {
		return printJSON(groups)
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			g.GroupName,
			g.State,
			strings.Join(g.Policies, ","),
			g.Consistency,
		})
	}
	table(os.Stdout, []string{"GROUP", "STATE", "POLICIES", "CONSISTENCY"}, rows)
	return nil
}

func runGroupDelete(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("group")
	if name == "" {
		return fmt.Errorf("--group is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.groups.Delete(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Group %q deleted\n", name)
	return nil
}
