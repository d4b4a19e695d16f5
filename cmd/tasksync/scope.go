package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/internal/store"
)

type scopeFlags struct {
	kind    string
	project string
	pending bool
	filter  string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "scope", "s", "mine", "scope: mine, personal or project")
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project id (implies --scope project)")
	cmd.Flags().BoolVar(&f.pending, "pending", false, "only tasks pending approval (project owners)")
	cmd.Flags().StringVarP(&f.filter, "filter", "f", "all", "status filter: all, incomplete or completed")
}

func (f scopeFlags) scope() (scope.Scope, error) {
	filter := scope.Filter(f.filter)
	if !filter.Valid() {
		return scope.Scope{}, fmt.Errorf("invalid --filter %q", f.filter)
	}

	kind := scope.Kind(f.kind)
	if f.project != "" || f.pending {
		kind = scope.KindProject
	}
	switch kind {
	case scope.KindMine:
		return scope.Mine(filter), nil
	case scope.KindPersonal:
		return scope.Personal(filter), nil
	case scope.KindProject:
		if f.project == "" {
			return scope.Scope{}, fmt.Errorf("--project is required for project scope")
		}
		if f.pending {
			return scope.PendingApproval(f.project), nil
		}
		return scope.Project(f.project, filter), nil
	}
	return scope.Scope{}, fmt.Errorf("invalid --scope %q", f.kind)
}

func printState(w io.Writer, sc scope.Scope, st store.State) {
	fmt.Fprintf(w, "%s  %d/%d loaded", sc.String(), len(st.Tasks), st.TotalCount)
	if st.HasMore {
		fmt.Fprint(w, "  (more available)")
	}
	fmt.Fprintln(w)
	printTasks(w, st.Tasks)
}

func printTasks(w io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "  (no tasks)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tPROJECT\tASSIGNEES\tDEADLINE\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			orDash(t.ProjectIDValue()),
			orDash(strings.Join(t.AssigneeIDs, ",")),
			deadline(t.Deadline),
			t.Title,
		)
	}
	_ = tw.Flush()
}

func printTask(w io.Writer, t model.Task) {
	fmt.Fprintf(w, "%s  [%s]  %s\n", t.ID, t.Status, t.Title)
	for _, e := range t.SubmissionContent {
		fmt.Fprintf(w, "  %s (%s): %s\n", e.Username, e.Timestamp.Format(time.RFC3339), e.Content)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func deadline(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
