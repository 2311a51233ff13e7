package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/policy"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "List audit records, optionally filtered",
	RunE:  runAuditDescribe,
}

func init() {
	auditDescribeCmd.Flags().String("from", "", "Start of the range (RFC 3339)")
	auditDescribeCmd.Flags().String("to", "", "End of the range (RFC 3339)")
	auditDescribeCmd.Flags().String("group", "", "Filter by command group")
	auditDescribeCmd.Flags().String("command", "", "Filter by command path")
	auditDescribeCmd.Flags().Bool("invalid-only", false, "Show only records failing the integrity check")
	auditDescribeCmd.Flags().Int("limit", 0, "Maximum records to show")

	auditCmd.AddCommand(auditDescribeCmd)
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
	}
	return t, nil
}

func runAuditDescribe(cmd *cobra.Command, args []string) error {
	from, err := parseTimeFlag(cmd, "from")
	if err != nil {
		return err
	}
	to, err := parseTimeFlag(cmd, "to")
	if err != nil {
		return err
	}
	group, _ := cmd.Flags().GetString("group")
	command, _ := cmd.Flags().GetString("command")
	invalidOnly, _ := cmd.Flags().GetBool("invalid-only")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	records, err := svc.auditor.Query(cmd.Context(), audit.QueryParams{
		From:        from,
		To:          to,
		Group:       group,
		Command:     command,
		InvalidOnly: invalidOnly,
		Limit:       limit,
	})
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return printJSON(records)
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		params := make([]string, 0, len(rec.Parameters))
		for name, value := range rec.Parameters {
			params = append(params, name+"="+value)
		}
		rows = append(rows, []string{
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.Group,
			rec.Command,
			strings.Join(params, " "),
			rec.Result,
			rec.Consistency,
		})
	}
	table(os.Stdout, []string{"TIMESTAMP", "GROUP", "COMMAND", "PARAMETERS", "RESULT", "CONSISTENCY"}, rows)
	return nil
}

var simulatorCmd = &cobra.Command{
	Use:   "policy_simulator",
	Short: "Evaluate a policy decision offline",
	Long:  `Evaluates whether a user, group or policy allows a command without issuing the call.`,
	RunE:  runSimulator,
}

func init() {
	simulatorCmd.Flags().String("subject-type", policy.SubjectUser, "Subject kind: user, group or policy")
	simulatorCmd.Flags().String("subject", "", "Subject name (required)")
	simulatorCmd.Flags().String("module", "", "Module name (required)")
	simulatorCmd.Flags().String("command", "", "Command path, e.g. tenant/describe (required)")
}

func runSimulator(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("subject-type")
	subject, _ := cmd.Flags().GetString("subject")
	module, _ := cmd.Flags().GetString("module")
	command, _ := cmd.Flags().GetString("command")
	if subject == "" || module == "" || command == "" {
		return fmt.Errorf("--subject, --module and --command are required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	result, err := policy.NewSimulator(svc.resolver).Simulate(cmd.Context(), policy.SimulationRequest{
		SubjectKind: kind,
		SubjectName: subject,
		Module:      module,
		CommandPath: command,
	})
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return printJSON(result)
	}
	fmt.Printf("Effect: %s\n", result.Effect)
	fmt.Printf("Reason: %s\n", result.Reason)
	if result.MatchedModule != "" {
		fmt.Printf("Matched: module=%s resources=%v\n", result.MatchedModule, result.MatchedResources)
	}
	return nil
}
