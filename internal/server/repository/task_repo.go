package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/model"
	"tasksync/pkg/metrics"
	"tasksync/pkg/otel"
)

//go:embed schema.sql
var schemaSQL string

const taskColumns = `
        t.id, t.title, t.description, t.notes, t.status, t.priority, t.project_id,
        t.owner_id, t.assigned_by, t.assignee_ids, t.deadline, t.created_at,
        t.assigned_at, t.accepted_at, t.completed_at, t.submission_content,
        p.name, p.owner_id, p.team_id
`

type TaskRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTaskRepository(db *pgxpool.Pool, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// EnsureSchema 建表（幂等）
func (r *TaskRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		r.logger.Error("Failed to apply schema", zap.Error(err))
		return fmt.Errorf("apply schema: %w", err)
	}
	r.logger.Info("Schema applied")
	return nil
}

func (r *TaskRepository) observe(ctx context.Context, op, table string) (context.Context, func(error)) {
	ctx, span := otel.DBSpan(ctx, op, table)
	start := time.Now()
	return ctx, func(err error) {
		metrics.RecordDBQueryDuration(op, table, time.Since(start))
		otel.EndDBSpan(span, err)
	}
}

// sqlFilter 按顺序生成 $n 占位符
type sqlFilter struct {
	conds []string
	args  []any
}

func (f *sqlFilter) arg(v any) string {
	f.args = append(f.args, v)
	return "$" + strconv.Itoa(len(f.args))
}

func (f *sqlFilter) add(cond string) {
	f.conds = append(f.conds, cond)
}

func (f *sqlFilter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func buildFilter(q ListQuery) *sqlFilter {
	f := &sqlFilter{}
	switch q.Kind {
	case ListMine:
		f.add(f.arg(q.UserID) + " = ANY(t.assignee_ids)")
		if q.Status == "" {
			f.add("(t.project_id IS NULL OR t.status <> 'completed')")
		}
	case ListPersonal:
		f.add("t.owner_id = " + f.arg(q.UserID))
		f.add("t.project_id IS NULL")
	case ListProject:
		f.add("t.project_id = " + f.arg(q.ProjectID))
		if q.OnlyAssigned {
			f.add(f.arg(q.UserID) + " = ANY(t.assignee_ids)")
		}
	case ListPending:
		f.add("t.project_id = " + f.arg(q.ProjectID))
		f.add("t.status = 'pending_approval'")
		return f
	}

	switch q.Status {
	case "":
	case StatusIncomplete:
		f.add("t.status <> 'completed'")
	default:
		f.add("t.status = " + f.arg(q.Status))
	}
	return f
}

// List 按 created_at 倒序分页，同时返回满足条件的总数
func (r *TaskRepository) List(ctx context.Context, q ListQuery) (tasks []model.Task, total int, err error) {
	ctx, done := r.observe(ctx, "select", "tasks")
	defer func() { done(err) }()

	r.logger.Debug("Listing tasks",
		zap.Int("kind", int(q.Kind)),
		zap.String("user_id", q.UserID),
		zap.String("project_id", q.ProjectID),
		zap.String("status", q.Status),
		zap.Int("page", q.Page),
	)

	f := buildFilter(q)
	countSQL := "SELECT count(*) FROM tasks t" + f.where()
	if err = r.db.QueryRow(ctx, countSQL, f.args...).Scan(&total); err != nil {
		r.logger.Error("Failed to count tasks", zap.Error(err))
		return nil, 0, err
	}

	listSQL := "SELECT" + taskColumns + "FROM tasks t LEFT JOIN projects p ON p.id = t.project_id" +
		f.where() +
		" ORDER BY t.created_at DESC, t.id" +
		" LIMIT " + f.arg(q.PerPage) + " OFFSET " + f.arg(q.offset())
	rows, err := r.db.Query(ctx, listSQL, f.args...)
	if err != nil {
		r.logger.Error("Failed to query tasks", zap.Error(err))
		return nil, 0, err
	}
	defer rows.Close()

	tasks = []model.Task{}
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			err = scanErr
			r.logger.Error("Failed to scan task row", zap.Error(err))
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err = rows.Err(); err != nil {
		r.logger.Error("Row iteration error", zap.Error(err))
		return nil, 0, err
	}

	r.logger.Info("Tasks listed",
		zap.Int("count", len(tasks)),
		zap.Int("total", total),
	)
	return tasks, total, nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (t model.Task, err error) {
	ctx, done := r.observe(ctx, "select", "tasks")
	defer func() { done(err) }()

	query := "SELECT" + taskColumns + "FROM tasks t LEFT JOIN projects p ON p.id = t.project_id WHERE t.id = $1"
	t, err = scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, apperr.NotFound("Task not found.")
	}
	if err != nil {
		r.logger.Error("Failed to get task", zap.String("task_id", id), zap.Error(err))
		return model.Task{}, err
	}
	return t, nil
}

func (r *TaskRepository) Insert(ctx context.Context, t model.Task) (err error) {
	ctx, done := r.observe(ctx, "insert", "tasks")
	defer func() { done(err) }()

	r.logger.Debug("Inserting task",
		zap.String("task_id", t.ID),
		zap.String("owner_id", t.OwnerID),
		zap.String("title", t.Title),
	)
	submissions, err := json.Marshal(nonNilSubmissions(t.SubmissionContent))
	if err != nil {
		return err
	}
	query := `
        INSERT INTO tasks (id, title, description, notes, status, priority, project_id, owner_id,
            assigned_by, assignee_ids, deadline, created_at, assigned_at, accepted_at, completed_at, submission_content)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
    `
	_, err = r.db.Exec(ctx, query,
		t.ID, t.Title, t.Description, t.Notes, string(t.Status), string(t.Priority), t.ProjectID, t.OwnerID,
		t.AssignedBy, nonNilStrings(t.AssigneeIDs), t.Deadline, t.CreatedAt, t.AssignedAt, t.AcceptedAt, t.CompletedAt, submissions,
	)
	if err != nil {
		r.logger.Error("Failed to insert task", zap.String("task_id", t.ID), zap.Error(err))
		return err
	}
	r.logger.Info("Task inserted successfully", zap.String("task_id", t.ID))
	return nil
}

// Update 写回所有可变字段
func (r *TaskRepository) Update(ctx context.Context, t model.Task) (err error) {
	ctx, done := r.observe(ctx, "update", "tasks")
	defer func() { done(err) }()

	submissions, err := json.Marshal(nonNilSubmissions(t.SubmissionContent))
	if err != nil {
		return err
	}
	query := `
        UPDATE tasks
        SET title = $2, description = $3, notes = $4, status = $5, priority = $6, assignee_ids = $7,
            deadline = $8, accepted_at = $9, completed_at = $10, submission_content = $11
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query,
		t.ID, t.Title, t.Description, t.Notes, string(t.Status), string(t.Priority), nonNilStrings(t.AssigneeIDs),
		t.Deadline, t.AcceptedAt, t.CompletedAt, submissions,
	)
	if err != nil {
		r.logger.Error("Failed to update task", zap.String("task_id", t.ID), zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Task not found.")
	}
	r.logger.Info("Task updated", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) (err error) {
	ctx, done := r.observe(ctx, "delete", "tasks")
	defer func() { done(err) }()

	tag, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete task", zap.String("task_id", id), zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Task not found.")
	}
	r.logger.Info("Task deleted", zap.String("task_id", id))
	return nil
}

func (r *TaskRepository) GetProject(ctx context.Context, id string) (p Project, err error) {
	ctx, done := r.observe(ctx, "select", "projects")
	defer func() { done(err) }()

	err = r.db.QueryRow(ctx, `SELECT id, name, owner_id, team_id FROM projects WHERE id = $1`, id).
		Scan(&p.Ref.ID, &p.Ref.Name, &p.Ref.OwnerID, &p.Ref.TeamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, apperr.NotFound("Project not found.")
	}
	if err != nil {
		r.logger.Error("Failed to get project", zap.String("project_id", id), zap.Error(err))
		return Project{}, err
	}

	rows, err := r.db.Query(ctx, `SELECT user_id FROM project_members WHERE project_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return Project{}, err
	}
	p.MemberIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// Username 用户不存在时返回空串
func (r *TaskRepository) Username(ctx context.Context, userID string) (name string, err error) {
	ctx, done := r.observe(ctx, "select", "users")
	defer func() { done(err) }()

	err = r.db.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func (r *TaskRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t                             model.Task
		status, priority              string
		submissions                   []byte
		projName, projOwner, projTeam *string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Notes, &status, &priority, &t.ProjectID,
		&t.OwnerID, &t.AssignedBy, &t.AssigneeIDs, &t.Deadline, &t.CreatedAt,
		&t.AssignedAt, &t.AcceptedAt, &t.CompletedAt, &submissions,
		&projName, &projOwner, &projTeam,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.Priority = model.Priority(priority)
	if len(submissions) > 0 {
		if err := json.Unmarshal(submissions, &t.SubmissionContent); err != nil {
			return model.Task{}, fmt.Errorf("decode submission_content: %w", err)
		}
	}
	if t.ProjectID != nil && projOwner != nil {
		t.Project = &model.ProjectRef{ID: *t.ProjectID, OwnerID: *projOwner, TeamID: projTeam}
		if projName != nil {
			t.Project.Name = *projName
		}
	}
	return t, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSubmissions(s []model.SubmissionEntry) []model.SubmissionEntry {
	if s == nil {
		return []model.SubmissionEntry{}
	}
	return s
}
