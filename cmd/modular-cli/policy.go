package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/pkg/models"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage access policies",
}

var policyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a policy from a statements file",
	RunE:  runPolicyAdd,
}

var policyUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Replace the statements of a policy",
	RunE:  runPolicyUpdate,
}

var policyDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show one policy or list all",
	RunE:  runPolicyDescribe,
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a policy",
	RunE:  runPolicyDelete,
}

func init() {
	policyAddCmd.Flags().String("policy", "", "Policy name (required)")
	policyAddCmd.Flags().String("path-to-permissions", "", "JSON file with the statement list (required)")
	policyUpdateCmd.Flags().String("policy", "", "Policy name (required)")
	policyUpdateCmd.Flags().String("path-to-permissions", "", "JSON file with the statement list (required)")
	policyDescribeCmd.Flags().String("policy", "", "Policy name (all policies when omitted)")
	policyDeleteCmd.Flags().String("policy", "", "Policy name (required)")

	policyCmd.AddCommand(policyAddCmd)
	policyCmd.AddCommand(policyUpdateCmd)
	policyCmd.AddCommand(policyDescribeCmd)
	policyCmd.AddCommand(policyDeleteCmd)
}

func readStatements(path string) ([]models.Statement, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	var statements []models.Statement
	if err := json.Unmarshal(raw, &statements); err != nil {
		return nil, fmt.Errorf("parse permissions file: %w", err)
	}
	return statements, nil
}

func runPolicyAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("policy")
	path, _ := cmd.Flags().GetString("path-to-permissions")
	if name == "" || path == "" {
		return fmt.Errorf("--policy and --path-to-permissions are required")
	}
	statements, err := readStatements(path)
	if err != nil {
		return err
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	p, err := svc.policies.Create(cmd.Context(), name, statements)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(p)
	}
	fmt.Printf("Policy %q created with %d statement(s)\n", p.PolicyName, len(p.Statements))
	return nil
}

func runPolicyUpdate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("policy")
	path, _ := cmd.Flags().GetString("path-to-permissions")
	if name == "" || path == "" {
		return fmt.Errorf("--policy and --path-to-permissions are required")
	}
	statements, err := readStatements(path)
	if err != nil {
		return err
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	p, err := svc.policies.Update(cmd.Context(), name, statements)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(p)
	}
	fmt.Printf("Policy %q updated with %d statement(s)\n", p.PolicyName, len(p.Statements))
	return nil
}

func runPolicyDescribe(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("policy")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	var policies []*models.Policy
	if name != "" {
		p, err := svc.policies.Get(cmd.Context(), name)
		if err != nil {
			return err
		}
		policies = append(policies, p)
	} else {
		policies, err = svc.policies.List(cmd.Context())
		if err != nil {
			return err
		}
	}

	if jsonOutput(cmd) {
		return printJSON(policies)
	}
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		rows = append(rows, []string{
			p.PolicyName,
			p.State,
			fmt.Sprintf("%d", len(p.Statements)),
			p.Consistency,
			p.LastModification.Format("2006-01-02 15:04:05"),
		})
	}
	table(os.Stdout, []string{"POLICY", "STATE", "STATEMENTS", "CONSISTENCY", "MODIFIED"}, rows)
	return nil
}

func runPolicyDelete(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("policy")
	if name == "" {
		return fmt.Errorf("--policy is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	refs, err := svc.policies.ReferencedBy(cmd.Context(), name)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return fmt.Errorf("policy %q is attached to group(s): %s", name, strings.Join(refs, ", "))
	}
	if err := svc.policies.Delete(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Policy %q deleted\n", name)
	return nil
}
