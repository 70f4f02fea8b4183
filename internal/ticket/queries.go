package ticket

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Statuses a ticket moves through.
const (
	StatusBacklog    = "backlog"
	StatusReady      = "ready"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
	StatusAborted    = "aborted"
)

// Ticket is one unit of agent work.
type Ticket struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Status               string   `json:"status"`
	Priority             int      `json:"priority"`
	Category             string   `json:"category"`
	AllowedPaths         []string `json:"allowed_paths"`
	ForbiddenPaths       []string `json:"forbidden_paths"`
	VerificationCommands []string `json:"verification_commands"`
	Confidence           int      `json:"confidence"`
	ImpactScore          int      `json:"impact_score"`
	Risk                 string   `json:"risk"`
	RollbackNote         string   `json:"rollback_note"`
	SectorPath           string   `json:"sector_path"`
	Branch               string   `json:"branch,omitempty"`
	PRURL                string   `json:"pr_url,omitempty"`
	LastError            string   `json:"last_error,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// NewID returns a fresh ticket id.
func NewID() string {
	return "tkt-" + uuid.NewString()[:8]
}

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalList(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// Create inserts a ticket.
func (d *DB) Create(t *Ticket) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = StatusReady
	}
	_, err := d.conn.Exec(`
		INSERT INTO tickets (id, project_id, title, description, status, priority, category,
			allowed_paths, forbidden_paths, verification_commands,
			confidence, impact_score, risk, rollback_note, sector_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.Category,
		marshalList(t.AllowedPaths), marshalList(t.ForbiddenPaths), marshalList(t.VerificationCommands),
		t.Confidence, t.ImpactScore, t.Risk, t.RollbackNote, t.SectorPath,
	)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

const ticketColumns = `id, project_id, title, description, status, priority, category,
	allowed_paths, forbidden_paths, verification_commands,
	confidence, impact_score, risk, rollback_note, sector_path,
	branch, pr_url, last_error, created_at, updated_at`

func scanTicket(row interface{ Scan(...interface{}) error }) (*Ticket, error) {
	var t Ticket
	var allowed, forbidden, commands string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Category,
		&allowed, &forbidden, &commands,
		&t.Confidence, &t.ImpactScore, &t.Risk, &t.RollbackNote, &t.SectorPath,
		&t.Branch, &t.PRURL, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.AllowedPaths = unmarshalList(allowed)
	t.ForbiddenPaths = unmarshalList(forbidden)
	t.VerificationCommands = unmarshalList(commands)
	return &t, nil
}

// Get returns a ticket by id.
func (d *DB) Get(id string) (*Ticket, error) {
	row := d.conn.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// List returns tickets for a project, optionally filtered by status.
// Ordered by priority descending, then created_at, then id, so the pick
// order NEXT_TICKET uses.
func (d *DB) List(projectID, status string) ([]Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE project_id = ?"
	args := []interface{}{projectID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// ActiveTitles returns titles of non-aborted tickets for cross-run dedup.
func (d *DB) ActiveTitles(projectID string) ([]string, error) {
	rows, err := d.conn.Query(
		"SELECT title FROM tickets WHERE project_id = ? AND status != ?", projectID, StatusAborted)
	if err != nil {
		return nil, fmt.Errorf("list ticket titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

// NextReady returns the highest-priority ready ticket, or nil.
func (d *DB) NextReady(projectID string) (*Ticket, error) {
	tickets, err := d.List(projectID, StatusReady)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	return &tickets[0], nil
}

// SetStatus transitions a ticket, recording the transition as an event.
func (d *DB) SetStatus(id, status, runID, detail string) error {
	res, err := d.conn.Exec(
		"UPDATE tickets SET status = ?, updated_at = datetime('now') WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set ticket status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", id)
	}
	return d.LogEvent(id, runID, "status:"+status, detail)
}

// SetBranch records the ticket's working branch.
func (d *DB) SetBranch(id, branch string) error {
	_, err := d.conn.Exec(
		"UPDATE tickets SET branch = ?, updated_at = datetime('now') WHERE id = ?", branch, id)
	if err != nil {
		return fmt.Errorf("set ticket branch: %w", err)
	}
	return nil
}

// SetPRURL records the ticket's pull request URL.
func (d *DB) SetPRURL(id, url string) error {
	_, err := d.conn.Exec(
		"UPDATE tickets SET pr_url = ?, updated_at = datetime('now') WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("set ticket pr url: %w", err)
	}
	return nil
}

// SetLastError records the last failure snippet for the session summary.
func (d *DB) SetLastError(id, msg string) error {
	_, err := d.conn.Exec(
		"UPDATE tickets SET last_error = ?, updated_at = datetime('now') WHERE id = ?", msg, id)
	if err != nil {
		return fmt.Errorf("set ticket last error: %w", err)
	}
	return nil
}

// LogEvent appends a ticket event row.
func (d *DB) LogEvent(ticketID, runID, event, detail string) error {
	_, err := d.conn.Exec(
		"INSERT INTO ticket_events (ticket_id, run_id, event, detail) VALUES (?, ?, ?, ?)",
		ticketID, runID, event, detail)
	if err != nil {
		return fmt.Errorf("log ticket event: %w", err)
	}
	return nil
}

// LogQACommandRun records one verification command execution.
func (d *DB) LogQACommandRun(ticketID, runID, command string, passed, timedOut bool, exitCode, durationMs int) error {
	_, err := d.conn.Exec(`
		INSERT INTO qa_command_runs (ticket_id, run_id, command, passed, timed_out, exit_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ticketID, runID, command, passed, timedOut, exitCode, durationMs)
	if err != nil {
		return fmt.Errorf("log qa command run: %w", err)
	}
	return nil
}

// LogError appends a classified failure to the error ledger.
func (d *DB) LogError(ticketID, runID, class, message string) error {
	_, err := d.conn.Exec(
		"INSERT INTO error_ledger (ticket_id, run_id, class, message) VALUES (?, ?, ?, ?)",
		ticketID, runID, class, message)
	if err != nil {
		return fmt.Errorf("log error: %w", err)
	}
	return nil
}

// RunSummary is one row of run_history.
type RunSummary struct {
	RunID            string `json:"run_id"`
	ProjectID        string `json:"project_id"`
	StartedAt        string `json:"started_at"`
	EndedAt          string `json:"ended_at"`
	Phase            string `json:"phase"`
	Steps            int    `json:"steps"`
	ScoutCycles      int    `json:"scout_cycles"`
	TicketsCompleted int    `json:"tickets_completed"`
	TicketsFailed    int    `json:"tickets_failed"`
	TicketsBlocked   int    `json:"tickets_blocked"`
	PRsCreated       int    `json:"prs_created"`
}

// RecordRun upserts a run history row.
func (d *DB) RecordRun(s RunSummary) error {
	_, err := d.conn.Exec(`
		INSERT INTO run_history (run_id, project_id, started_at, ended_at, phase, steps,
			scout_cycles, tickets_completed, tickets_failed, tickets_blocked, prs_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET ended_at=excluded.ended_at, phase=excluded.phase,
			steps=excluded.steps, scout_cycles=excluded.scout_cycles,
			tickets_completed=excluded.tickets_completed, tickets_failed=excluded.tickets_failed,
			tickets_blocked=excluded.tickets_blocked, prs_created=excluded.prs_created`,
		s.RunID, s.ProjectID, s.StartedAt, s.EndedAt, s.Phase, s.Steps,
		s.ScoutCycles, s.TicketsCompleted, s.TicketsFailed, s.TicketsBlocked, s.PRsCreated)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RunHistory returns the most recent runs, newest first.
func (d *DB) RunHistory(projectID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`
		SELECT run_id, project_id, started_at, ended_at, phase, steps,
			scout_cycles, tickets_completed, tickets_failed, tickets_blocked, prs_created
		FROM run_history WHERE project_id = ? ORDER BY started_at DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.ProjectID, &s.StartedAt, &s.EndedAt, &s.Phase, &s.Steps,
			&s.ScoutCycles, &s.TicketsCompleted, &s.TicketsFailed, &s.TicketsBlocked, &s.PRsCreated); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
