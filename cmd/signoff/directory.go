package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/server"
)

func authorizeCmd() *cobra.Command {
	var rcContext, resourceType, owner, unit string
	cmd := &cobra.Command{
		Use:   "authorize <principal> <permission>",
		Short: "Check whether a principal holds a permission on a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := auth.ResourceContext{ResourceType: resourceType, OwnerID: owner, UnitPath: splitUnit(unit)}
			if rcContext != "" {
				c, err := auth.ParseContext(rcContext)
				if err != nil {
					return err
				}
				rc.Context = c
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dec, err := e.Authorize(ctx, engine.AuthorizeRequest{PrincipalID: args[0], PermissionCode: args[1], Resource: rc})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.AuthorizeResponse{Allow: dec.Allow, Via: dec.Via, Reason: dec.Reason})
				}
				verdict := "deny"
				if dec.Allow {
					verdict = "allow"
				}
				fmt.Printf("%s via=%s %s\n", verdict, dec.Via, dec.Reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rcContext, "context", "", "resource context (own, team, branch, region, organization)")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "resource type")
	cmd.Flags().StringVar(&owner, "owner", "", "resource owner id")
	cmd.Flags().StringVar(&unit, "unit", "", "resource unit path, e.g. acme/emea/berlin")
	return cmd
}

func roleCmd() *cobra.Command {
	rc := &cobra.Command{Use: "role", Short: "Role catalog"}
	rc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles by level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := newTable("Code", "Level", "Ceiling", "Permissions")
				for _, r := range roles {
					tw.AppendRow(table.Row{r.Code, r.Level, r.Ceiling, strings.Join(r.Permissions, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rc
}

func principalCmd() *cobra.Command {
	pc := &cobra.Command{Use: "principal", Short: "Manage principals"}
	pc.AddCommand(principalPutCmd(), principalGetCmd(), principalListCmd())
	return pc
}

func principalPutCmd() *cobra.Command {
	var role, unit, name string
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or update a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PutPrincipal(ctx, engine.PutPrincipalOptions{
					ID:          args[0],
					RoleCode:    role,
					UnitPath:    splitUnit(unit),
					DisplayName: name,
					ActorID:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role code")
	cmd.Flags().StringVar(&unit, "unit", "", "unit path, e.g. acme/emea/berlin/team-a")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func principalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPrincipal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func principalListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPrincipals(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Role", "Unit", "Name")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.RoleCode, strings.Join(p.UnitPath, "/"), p.DisplayName})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func delegationCmd() *cobra.Command {
	dc := &cobra.Command{Use: "delegation", Short: "Manage delegations"}
	dc.AddCommand(delegationCreateCmd(), delegationRevokeCmd(), delegationListCmd())
	return dc
}

func delegationCreateCmd() *cobra.Command {
	var opts engine.CreateDelegationOptions
	var from, until string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Delegate a principal's authority for a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if from == "" {
					opts.ValidFrom = e.Now()
				} else if opts.ValidFrom, err = engine.ParseTime(from); err != nil {
					return err
				}
				if opts.ValidUntil, err = engine.ParseTime(until); err != nil {
					return err
				}
				opts.ActorID = actor()
				if opts.ActorID == "" {
					opts.ActorID = opts.DelegatorID
				}
				d, err := e.CreateDelegation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "delegation id (generated when empty)")
	cmd.Flags().StringVar(&opts.DelegatorID, "delegator", "", "delegating principal")
	cmd.Flags().StringVar(&opts.DelegateID, "delegate", "", "receiving principal")
	cmd.Flags().StringSliceVar(&opts.Filters, "filter", nil, "resource types covered (all when empty)")
	cmd.Flags().StringSliceVar(&opts.Permissions, "permission", nil, "permission subset (whole role when empty)")
	cmd.Flags().StringVar(&from, "from", "", "start of window, RFC3339 (defaults to now)")
	cmd.Flags().StringVar(&until, "until", "", "end of window, RFC3339")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("delegator")
	_ = cmd.MarkFlagRequired("delegate")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func delegationRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RevokeDelegation(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func delegationListCmd() *cobra.Command {
	var principal, asOf string
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegations involving a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var at *time.Time
				switch {
				case asOf != "":
					t, err := engine.ParseTime(asOf)
					if err != nil {
						return err
					}
					at = &t
				case active:
					t := e.Now()
					at = &t
				}
				items, err := e.ListDelegations(ctx, principal, at)
				if err != nil {
					return err
				}
				return printDelegations(items)
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal filter")
	cmd.Flags().StringVar(&asOf, "as-of", "", "only delegations active at this RFC3339 time")
	cmd.Flags().BoolVar(&active, "active", false, "only delegations active now")
	return cmd
}

func printDelegations(items []domain.Delegation) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Delegator", "Delegate", "Filters", "From", "Until", "Revoked")
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.DelegatorID, d.DelegateID, strings.Join(d.Filters, ","), d.ValidFrom, d.ValidUntil, d.Revoked})
	}
	tw.Render()
	return nil
}
