// Package analytics aggregates ticket, QA, and session history from the
// SQLite database into reports for the CLI.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the subset of the ticket store the queries need.
type DB interface {
	Conn() *sql.DB
}

// SessionRow is one completed run from run_history.
type SessionRow struct {
	RunID            string  `json:"run_id"`
	StartedAt        string  `json:"started_at"`
	EndedAt          string  `json:"ended_at"`
	Phase            string  `json:"phase"`
	Steps            int     `json:"steps"`
	ScoutCycles      int     `json:"scout_cycles"`
	TicketsCompleted int     `json:"tickets_completed"`
	TicketsFailed    int     `json:"tickets_failed"`
	TicketsBlocked   int     `json:"tickets_blocked"`
	PRsCreated       int     `json:"prs_created"`
	DurationMinutes  float64 `json:"duration_minutes"`
}

// StatusCount is one ticket status bucket.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// CategoryOutcome summarizes ticket results per category.
type CategoryOutcome struct {
	Category    string  `json:"category"`
	Total       int     `json:"total"`
	Done        int     `json:"done"`
	Blocked     int     `json:"blocked"`
	SuccessRate float64 `json:"success_rate"`
}

// SectorOutcome summarizes ticket results per sector.
type SectorOutcome struct {
	Sector      string  `json:"sector"`
	Total       int     `json:"total"`
	Done        int     `json:"done"`
	SuccessRate float64 `json:"success_rate"`
}

// QACommandStat summarizes one verification command's history.
type QACommandStat struct {
	Command     string  `json:"command"`
	Runs        int     `json:"runs"`
	Passed      int     `json:"passed"`
	Timeouts    int     `json:"timeouts"`
	PassRate    float64 `json:"pass_rate"`
	AvgMs       float64 `json:"avg_ms"`
	P95Ms       float64 `json:"p95_ms"`
}

// ErrorPattern is one recurring error class with its most common message.
type ErrorPattern struct {
	Class      string `json:"class"`
	Count      int    `json:"count"`
	TopMessage string `json:"top_message,omitempty"`
	LastSeen   string `json:"last_seen"`
}

// Report bundles every aggregate for one project.
type Report struct {
	Sessions    []SessionRow      `json:"sessions"`
	Statuses    []StatusCount     `json:"statuses"`
	Categories  []CategoryOutcome `json:"categories"`
	Sectors     []SectorOutcome   `json:"sectors"`
	QACommands  []QACommandStat   `json:"qa_commands"`
	Errors      []ErrorPattern    `json:"errors"`
	TotalPRs    int               `json:"total_prs"`
	TotalSteps  int               `json:"total_steps"`
	SessionHrs  float64           `json:"session_hours"`
}

// BuildReport runs every query. since is an RFC3339 timestamp or empty
// for all history.
func BuildReport(db DB, since string) (*Report, error) {
	r := &Report{}
	var err error
	if r.Sessions, err = QuerySessions(db, since); err != nil {
		return nil, err
	}
	if r.Statuses, err = QueryTicketStatuses(db); err != nil {
		return nil, err
	}
	if r.Categories, err = QueryCategoryOutcomes(db, since); err != nil {
		return nil, err
	}
	if r.Sectors, err = QuerySectorOutcomes(db, since); err != nil {
		return nil, err
	}
	if r.QACommands, err = QueryQACommands(db, since); err != nil {
		return nil, err
	}
	if r.Errors, err = QueryErrorPatterns(db, since); err != nil {
		return nil, err
	}
	for _, s := range r.Sessions {
		r.TotalPRs += s.PRsCreated
		r.TotalSteps += s.Steps
		r.SessionHrs += s.DurationMinutes / 60
	}
	r.SessionHrs = math.Round(r.SessionHrs*10) / 10
	return r, nil
}

// QuerySessions lists completed runs, newest first.
func QuerySessions(db DB, since string) ([]SessionRow, error) {
	query := `SELECT run_id, started_at, ended_at, phase, steps, scout_cycles,
		tickets_completed, tickets_failed, tickets_blocked, prs_created,
		CASE WHEN ended_at != ''
			THEN (julianday(ended_at) - julianday(started_at)) * 1440
			ELSE 0 END
		FROM run_history`
	args := []interface{}{}
	if since != "" {
		query += " WHERE started_at >= ?"
		args = append(args, since)
	}
	query += " ORDER BY started_at DESC"

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		var mins sql.NullFloat64
		if err := rows.Scan(&s.RunID, &s.StartedAt, &s.EndedAt, &s.Phase,
			&s.Steps, &s.ScoutCycles, &s.TicketsCompleted, &s.TicketsFailed,
			&s.TicketsBlocked, &s.PRsCreated, &mins); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.DurationMinutes = math.Round(mins.Float64*10) / 10
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryTicketStatuses counts tickets in each status.
func QueryTicketStatuses(db DB) ([]StatusCount, error) {
	rows, err := db.Conn().Query(
		`SELECT status, COUNT(*) FROM tickets GROUP BY status ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query ticket statuses: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// QueryCategoryOutcomes breaks finished tickets down by category.
func QueryCategoryOutcomes(db DB, since string) ([]CategoryOutcome, error) {
	query := `SELECT category,
		COUNT(*),
		SUM(CASE WHEN status IN ('done','in_review') THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END)
		FROM tickets WHERE status IN ('done','in_review','blocked','aborted')`
	args := []interface{}{}
	if since != "" {
		query += " AND updated_at >= ?"
		args = append(args, since)
	}
	query += " GROUP BY category"

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query category outcomes: %w", err)
	}
	defer rows.Close()

	var out []CategoryOutcome
	for rows.Next() {
		var c CategoryOutcome
		if err := rows.Scan(&c.Category, &c.Total, &c.Done, &c.Blocked); err != nil {
			return nil, fmt.Errorf("scan category outcome: %w", err)
		}
		c.SuccessRate = pct(c.Done, c.Total)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

// QuerySectorOutcomes breaks finished tickets down by sector.
func QuerySectorOutcomes(db DB, since string) ([]SectorOutcome, error) {
	query := `SELECT sector_path,
		COUNT(*),
		SUM(CASE WHEN status IN ('done','in_review') THEN 1 ELSE 0 END)
		FROM tickets WHERE sector_path != ''
		AND status IN ('done','in_review','blocked','aborted')`
	args := []interface{}{}
	if since != "" {
		query += " AND updated_at >= ?"
		args = append(args, since)
	}
	query += " GROUP BY sector_path"

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sector outcomes: %w", err)
	}
	defer rows.Close()

	var out []SectorOutcome
	for rows.Next() {
		var s SectorOutcome
		if err := rows.Scan(&s.Sector, &s.Total, &s.Done); err != nil {
			return nil, fmt.Errorf("scan sector outcome: %w", err)
		}
		s.SuccessRate = pct(s.Done, s.Total)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

// QueryQACommands summarizes qa_command_runs per command, including
// duration percentiles.
func QueryQACommands(db DB, since string) ([]QACommandStat, error) {
	query := `SELECT command, passed, timed_out, duration_ms FROM qa_command_runs`
	args := []interface{}{}
	if since != "" {
		query += " WHERE timestamp >= ?"
		args = append(args, since)
	}

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query qa commands: %w", err)
	}
	defer rows.Close()

	type acc struct {
		runs, passed, timeouts int
		durations              []float64
	}
	byCmd := map[string]*acc{}
	for rows.Next() {
		var command string
		var passed, timedOut bool
		var durMs sql.NullInt64
		if err := rows.Scan(&command, &passed, &timedOut, &durMs); err != nil {
			return nil, fmt.Errorf("scan qa command run: %w", err)
		}
		a := byCmd[command]
		if a == nil {
			a = &acc{}
			byCmd[command] = a
		}
		a.runs++
		if passed {
			a.passed++
		}
		if timedOut {
			a.timeouts++
		}
		if durMs.Valid {
			a.durations = append(a.durations, float64(durMs.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]QACommandStat, 0, len(byCmd))
	for command, a := range byCmd {
		out = append(out, QACommandStat{
			Command:  command,
			Runs:     a.runs,
			Passed:   a.passed,
			Timeouts: a.timeouts,
			PassRate: pct(a.passed, a.runs),
			AvgMs:    avg(a.durations),
			P95Ms:    percentile(a.durations, 95),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runs > out[j].Runs })
	return out, nil
}

// QueryErrorPatterns groups the error ledger by class and surfaces the
// most frequent message in each class.
func QueryErrorPatterns(db DB, since string) ([]ErrorPattern, error) {
	query := `SELECT class, message, timestamp FROM error_ledger`
	args := []interface{}{}
	if since != "" {
		query += " WHERE timestamp >= ?"
		args = append(args, since)
	}
	query += " ORDER BY timestamp"

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error ledger: %w", err)
	}
	defer rows.Close()

	type acc struct {
		count    int
		messages map[string]int
		lastSeen string
	}
	byClass := map[string]*acc{}
	for rows.Next() {
		var class, message, ts string
		if err := rows.Scan(&class, &message, &ts); err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		a := byClass[class]
		if a == nil {
			a = &acc{messages: map[string]int{}}
			byClass[class] = a
		}
		a.count++
		if message != "" {
			a.messages[message]++
		}
		a.lastSeen = ts
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ErrorPattern, 0, len(byClass))
	for class, a := range byClass {
		top, best := "", 0
		for msg, n := range a.messages {
			if n > best || (n == best && msg < top) {
				top, best = msg, n
			}
		}
		out = append(out, ErrorPattern{
			Class:      class,
			Count:      a.count,
			TopMessage: top,
			LastSeen:   a.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func avg(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return math.Round(sum/float64(len(vals))*10) / 10
}

func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// pct rounds to a tenth of a percent.
func pct(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}
