package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/realtime"
	"tasksync/internal/session"
	"tasksync/pkg/util"
)

// withView 打开 flags 指定的视图后执行 fn
func withView(cmd *cobra.Command, opts *globalOptions, sf scopeFlags, fn func(ctx context.Context, a *app, v *session.View) error) error {
	sc, err := sf.scope()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, *opts)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.session.Switch(ctx, sc)
	if err != nil {
		return err
	}
	return fn(ctx, a, v)
}

func listCmd(opts *globalOptions) *cobra.Command {
	var (
		sf  scopeFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				for all && v.State().HasMore {
					before := len(v.Tasks())
					if err := v.LoadMore(ctx); err != nil {
						return err
					}
					if len(v.Tasks()) == before {
						break
					}
				}
				printState(cmd.OutOrStdout(), v.Scope(), v.State())
				return nil
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "load every page")
	return cmd
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a project scope and print realtime changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.project == "" {
				return fmt.Errorf("--project is required")
			}
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				out := cmd.OutOrStdout()
				printState(out, v.Scope(), v.State())

				a.manager.Listen(func(ev realtime.Event, affected int) {
					fmt.Fprintf(out, "%s  %s  scopes=%d\n", time.Now().Format(time.TimeOnly), ev.Type, affected)
					printState(out, v.Scope(), v.State())
				})

				if a.cfg.StatusPort != "" {
					stop := serveStatus(a)
					defer stop()
				}

				go func() {
					for r := range a.session.Errors() {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s failed: %s\n", r.Op, r.Message)
					}
				}()

				<-ctx.Done()
				return nil
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func createCmd(opts *globalOptions) *cobra.Command {
	var (
		sf       scopeFlags
		in       model.CreateTaskInput
		project  string
		priority string
		due      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task (personal unless --in-project is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if project != "" {
				in.ProjectID = model.StringPtr(project)
			}
			if priority != "" {
				in.Priority = model.Priority(priority)
				if !in.Priority.Valid() {
					return fmt.Errorf("invalid --priority %q", priority)
				}
			}
			if due != "" {
				d, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("invalid --deadline: %w", err)
				}
				in.Deadline = &d
			}
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				t, err := a.session.Create(ctx, v, in)
				if err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	sf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "task title")
	f.StringVar(&in.Description, "description", "", "task description")
	f.StringVar(&in.Notes, "notes", "", "task notes")
	f.StringVar(&project, "in-project", "", "create the task in this project")
	f.StringSliceVar(&in.AssigneeIDs, "assignee", nil, "assignee user id (repeatable)")
	f.BoolVar(&in.TeamProject, "team", false, "the project is a team project (assignees required)")
	f.StringVar(&priority, "priority", "", "low, medium, high or critical")
	f.StringVar(&due, "deadline", "", "deadline in RFC3339")
	return cmd
}

func updateCmd(opts *globalOptions) *cobra.Command {
	var (
		sf                        scopeFlags
		title, description, notes string
		status, priority          string
		assignees                 []string
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in model.UpdateTaskInput
			f := cmd.Flags()
			if f.Changed("title") {
				in.Title = &title
			}
			if f.Changed("description") {
				in.Description = &description
			}
			if f.Changed("notes") {
				in.Notes = &notes
			}
			if f.Changed("assignee") {
				in.AssigneeIDs = &assignees
			}
			if f.Changed("status") {
				s := model.Status(status)
				if !s.Valid() {
					return fmt.Errorf("invalid --status %q", status)
				}
				in.Status = &s
			}
			if f.Changed("priority") {
				p := model.Priority(priority)
				if !p.Valid() {
					return fmt.Errorf("invalid --priority %q", priority)
				}
				in.Priority = &p
			}
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				t, err := a.session.Update(ctx, v, args[0], in)
				if err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	sf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "new title")
	f.StringVar(&description, "description", "", "new description")
	f.StringVar(&notes, "notes", "", "new notes")
	f.StringVar(&status, "status", "", "new status")
	f.StringVar(&priority, "priority", "", "new priority")
	f.StringSliceVar(&assignees, "assignee", nil, "replace assignees (repeatable)")
	return cmd
}

func deleteCmd(opts *globalOptions) *cobra.Command {
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				if err := a.session.Delete(ctx, v, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func contentCmd(opts *globalOptions) *cobra.Command {
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "content <task-id> <text>",
		Short: "Save your submission content on a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
				t, err := a.session.SaveContent(ctx, v, args[0], args[1])
				if err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	sf.register(cmd)
	return cmd
}

var actionCommands = []struct {
	use    string
	short  string
	action lifecycle.Action
}{
	{"submit", "Submit a project task for approval", lifecycle.ActionSubmit},
	{"recall", "Recall a pending submission", lifecycle.ActionRecall},
	{"approve", "Approve a pending task (project owner)", lifecycle.ActionApprove},
	{"request-changes", "Send a pending task back to in_progress (project owner)", lifecycle.ActionRequestChanges},
	{"complete", "Complete a personal task", lifecycle.ActionCompletePersonal},
	{"reopen", "Reopen a completed personal task", lifecycle.ActionReopen},
}

func actionCmds(opts *globalOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(actionCommands))
	for _, ac := range actionCommands {
		var sf scopeFlags
		action := ac.action
		cmd := &cobra.Command{
			Use:   ac.use + " <task-id>",
			Short: ac.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withView(cmd, opts, sf, func(ctx context.Context, a *app, v *session.View) error {
					t, err := a.session.Run(ctx, v, action, args[0])
					if err != nil {
						return err
					}
					printTask(cmd.OutOrStdout(), t)
					return nil
				})
			},
		}
		sf.register(cmd)
		cmds = append(cmds, cmd)
	}
	return cmds
}

// tokenCmd 本地联调用：用服务端的密钥签发 token
func tokenCmd() *cobra.Command {
	var (
		user   string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || secret == "" {
				return fmt.Errorf("--user and --secret are required")
			}
			tok, err := util.GenerateJWT(user, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret of the task service")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
