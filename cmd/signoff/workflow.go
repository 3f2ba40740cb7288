package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
)

func templateCmd() *cobra.Command {
	tc := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	tc.AddCommand(templateCreateCmd(), templateUpdateCmd(), templateListCmd(), templateShowCmd())
	tc.AddCommand(templateToggleCmd("deactivate", "Stop new instances from starting on a template", false))
	tc.AddCommand(templateToggleCmd("activate", "Allow new instances on a template again", true))
	return tc
}

// loadTemplateFile reads a template definition in the same shape as the
// templates section of signoff.yml. JSON files parse too.
func loadTemplateFile(path string) (config.TemplateSpec, error) {
	var spec config.TemplateSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

// parseStepFlag reads "role:context[:any|all[:timeout_hours[:escalate_role]]]".
func parseStepFlag(n int, raw string) (domain.TemplateStep, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 5 {
		return domain.TemplateStep{}, fmt.Errorf("step %q: want role:context[:type[:timeout_hours[:escalate_role]]]", raw)
	}
	step := domain.TemplateStep{StepNumber: n, ApproverRole: parts[0], ApproverContext: parts[1]}
	if len(parts) > 2 {
		step.ApprovalType = parts[2]
	}
	if len(parts) > 3 && parts[3] != "" {
		h, err := strconv.Atoi(parts[3])
		if err != nil {
			return domain.TemplateStep{}, fmt.Errorf("step %q: timeout_hours: %w", raw, err)
		}
		step.TimeoutHours = h
	}
	if len(parts) > 4 {
		step.EscalateToRole = parts[4]
	}
	return step, nil
}

func stepsFromFlags(raw []string) ([]domain.TemplateStep, error) {
	steps := make([]domain.TemplateStep, 0, len(raw))
	for i, r := range raw {
		s, err := parseStepFlag(i+1, r)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func templateCreateCmd() *cobra.Command {
	var file string
	var spec config.TemplateSpec
	var stepFlags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow template from a file or flags",
		Example: `  signoff template create --file expense.yml
  signoff template create --name "Expense" --resource-type expense \
    --step supervisor:team:any:24 --step manager:branch:all:48:regional_manager`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateTemplateOptions{ActorID: actor()}
			if file != "" {
				loaded, err := loadTemplateFile(file)
				if err != nil {
					return err
				}
				opts.ID, opts.Name, opts.ResourceType = loaded.ID, loaded.Name, loaded.ResourceType
				opts.Steps = engine.StepsFromConfig(loaded.Steps)
			} else {
				steps, err := stepsFromFlags(stepFlags)
				if err != nil {
					return err
				}
				opts.ID, opts.Name, opts.ResourceType, opts.Steps = spec.ID, spec.Name, spec.ResourceType, steps
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template definition (YAML or JSON)")
	cmd.Flags().StringVar(&spec.ID, "id", "", "template id (generated when empty)")
	cmd.Flags().StringVar(&spec.Name, "name", "", "template name")
	cmd.Flags().StringVar(&spec.ResourceType, "resource-type", "", "resource type the template approves")
	cmd.Flags().StringArrayVar(&stepFlags, "step", nil, "approval step role:context[:type[:timeout_hours[:escalate_role]]], in order")
	return cmd
}

func templateUpdateCmd() *cobra.Command {
	var file, name string
	var stepFlags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Publish a new template version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			opts := engine.UpdateTemplateOptions{ID: args[0], Name: name, ActorID: actorID}
			if file != "" {
				loaded, err := loadTemplateFile(file)
				if err != nil {
					return err
				}
				if opts.Name == "" {
					opts.Name = loaded.Name
				}
				opts.Steps = engine.StepsFromConfig(loaded.Steps)
			} else if opts.Steps, err = stepsFromFlags(stepFlags); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template definition (YAML or JSON)")
	cmd.Flags().StringVar(&name, "name", "", "new template name")
	cmd.Flags().StringArrayVar(&stepFlags, "step", nil, "approval step role:context[:type[:timeout_hours[:escalate_role]]], in order")
	return cmd
}

func templateToggleCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var t domain.WorkflowTemplate
				if active {
					t, err = e.ActivateTemplate(ctx, args[0], actorID)
				} else {
					t, err = e.DeactivateTemplate(ctx, args[0], actorID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func templateListCmd() *cobra.Command {
	var f repo.TemplateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Resource type", "Version", "Active", "Steps")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.ResourceType, t.Version, t.Active, len(t.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "resource type filter")
	cmd.Flags().BoolVar(&f.IncludeInactive, "all", false, "include deactivated templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s  %s  (%s, v%d, active=%t)\n", t.ID, t.Name, t.ResourceType, t.Version, t.Active)
				tw := newTable("Step", "Role", "Context", "Type", "Timeout (h)", "Escalate to")
				for _, s := range t.Steps {
					tw.AppendRow(table.Row{s.StepNumber, s.ApproverRole, s.ApproverContext, s.ApprovalType, s.TimeoutHours, s.EscalateToRole})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	ic := &cobra.Command{Use: "instance", Short: "Run approval workflows"}
	ic.AddCommand(instanceStartCmd(), instanceDecideCmd(), instanceCancelCmd(), instanceShowCmd(), instanceListCmd(), instanceAwaitingCmd())
	return ic
}

func instanceStartCmd() *cobra.Command {
	var opts engine.StartOptions
	var unit string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an approval for a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			opts.ActorID = actorID
			opts.UnitPath = splitUnit(unit)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.StartInstance(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "instance id (generated when empty)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&unit, "unit", "", "resource unit path (defaults to the actor's unit)")
	cmd.Flags().BoolVar(&opts.AllowInactive, "allow-inactive", false, "start from a deactivated template")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func instanceDecideCmd() *cobra.Command {
	var comments string
	var expected int
	cmd := &cobra.Command{
		Use:   "decide <id> <approve|reject|request_changes>",
		Short: "Record a decision on the current step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			opts := engine.DecisionOptions{InstanceID: args[0], ActorID: actorID, Action: args[1], Comments: comments}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.SubmitDecision(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "comments (required to reject)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the instance is at this version")
	return cmd
}

func instanceCancelCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.CancelInstance(ctx, args[0], actorID, comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "reason for cancelling")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance and its decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(inst)
				}
				fmt.Printf("%s  %s/%s  status=%s step=%d version=%d due=%s\n",
					inst.ID, inst.ResourceType, inst.ResourceID, inst.Status, inst.CurrentStep, inst.Version, deref(inst.DueAt))
				tw := newTable("Step", "Actor", "On behalf of", "Action", "Comments", "At")
				for _, d := range inst.Decisions {
					tw.AppendRow(table.Row{d.StepNumber, d.ActorID, deref(d.OnBehalfOf), d.Action, d.Comments, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				return printInstances(items)
			})
		},
	}
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only in-progress and escalated instances")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "resource type filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "initiator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum results")
	return cmd
}

func instanceAwaitingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "awaiting [approver]",
		Short: "List instances an approver can decide now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver := actor()
			if len(args) == 1 {
				approver = args[0]
			}
			if approver == "" {
				return fmt.Errorf("approver required: pass it as an argument or set --actor")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAwaiting(ctx, approver)
				if err != nil {
					return err
				}
				return printInstances(items)
			})
		},
	}
}

func printInstances(items []domain.WorkflowInstance) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Template", "Resource", "Status", "Step", "Due")
	for _, inst := range items {
		tw.AppendRow(table.Row{inst.ID, fmt.Sprintf("%s@v%d", inst.TemplateID, inst.TemplateVersion), inst.ResourceType + "/" + inst.ResourceID, inst.Status, inst.CurrentStep, deref(inst.DueAt)})
	}
	tw.Render()
	return nil
}
