package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"machinewatch/internal/logger"
	"machinewatch/internal/models"
)

// PostgreSQL SQLSTATE codes
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateInternalError       = "XX000"
	sqlstateStatementTimeout    = "57014"
	sqlstateUniqueViolation     = "23505"
)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id                   UUID PRIMARY KEY,
	code                 TEXT NOT NULL,
	name                 TEXT NOT NULL,
	type                 TEXT NOT NULL,
	location             TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	temperature_warning  DOUBLE PRECISION,
	temperature_critical DOUBLE PRECISION,
	vibration_max        DOUBLE PRECISION,
	monitored            BOOLEAN NOT NULL DEFAULT TRUE,
	status               TEXT NOT NULL,
	last_telemetry_at    TIMESTAMPTZ,
	version              BIGINT NOT NULL DEFAULT 1,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	deleted_at           TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS machines_code_live ON machines (code) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS samples (
	id          UUID PRIMARY KEY,
	machine_id  UUID NOT NULL REFERENCES machines (id),
	ts          TIMESTAMPTZ NOT NULL,
	temperature DOUBLE PRECISION,
	vibration   DOUBLE PRECISION,
	pressure    DOUBLE PRECISION,
	humidity    DOUBLE PRECISION,
	current     DOUBLE PRECISION,
	rpm         DOUBLE PRECISION,
	power       DOUBLE PRECISION,
	quality     INTEGER,
	metadata    JSONB,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_machine_ts ON samples (machine_id, ts DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id                    UUID PRIMARY KEY,
	machine_id            UUID NOT NULL REFERENCES machines (id),
	type                  TEXT NOT NULL,
	severity              TEXT NOT NULL,
	message               TEXT NOT NULL,
	trigger_value         DOUBLE PRECISION,
	threshold_value       DOUBLE PRECISION,
	created_at            TIMESTAMPTZ NOT NULL,
	acknowledged          BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_at       TIMESTAMPTZ,
	acknowledgement_notes TEXT NOT NULL DEFAULT '',
	resolved              BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS alerts_machine_type_created ON alerts (machine_id, type, created_at DESC);
CREATE INDEX IF NOT EXISTS alerts_created ON alerts (created_at DESC);
`

const machineColumns = `id, code, name, type, location, description,
	temperature_warning, temperature_critical, vibration_max,
	monitored, status, last_telemetry_at, version, created_at, updated_at, deleted_at`

const sampleColumns = `id, machine_id, ts, temperature, vibration, pressure, humidity,
	current, rpm, power, quality, metadata, received_at`

const alertColumns = `id, machine_id, type, severity, message, trigger_value, threshold_value,
	created_at, acknowledged, acknowledged_at, acknowledgement_notes, resolved, resolved_at`

// Select lists cast uuid columns to text so they scan into string fields
var (
	machineSelect = strings.Replace(machineColumns, "id,", "id::text,", 1)
	sampleSelect  = strings.Replace(sampleColumns, "id, machine_id,", "id::text, machine_id::text,", 1)
	alertSelect   = strings.Replace(alertColumns, "id, machine_id,", "id::text, machine_id::text,", 1)
)

// PostgresConfig configures the connection pool
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Postgres is a Store backed by a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to PostgreSQL and ensures the schema exists
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	log := logger.WithComponent("postgres")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("postgres: ping: %w", err))
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate schema: %w", err)
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("connected to postgres")

	return &Postgres{pool: pool}, nil
}

// classify wraps transient failures in ErrTransient and unique violations
// in ErrDuplicateCode. Other errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed,
			sqlstateInternalError, sqlstateStatementTimeout:
			return fmt.Errorf("%w (sqlstate %s): %w", ErrTransient, pgErr.Code, err)
		case sqlstateUniqueViolation:
			return fmt.Errorf("%w: %w", ErrDuplicateCode, err)
		}
		return err
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// Ping checks connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return classify(p.pool.Ping(ctx))
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// InTx runs fn inside a READ COMMITTED transaction. The machine row version
// check in the update statements provides the optimistic concurrency.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				logger.WithComponent("postgres").Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	committed = true
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetMachine returns a live machine by id or code
func (p *Postgres) GetMachine(ctx context.Context, ref string) (*models.Machine, error) {
	return getMachine(ctx, p.pool, ref)
}

// ListMachines returns live machines ordered by code
func (p *Postgres) ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error) {
	var (
		where = []string{"deleted_at IS NULL"}
		args  []any
	)
	if filter.MonitoredOnly {
		where = append(where, "monitored")
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	sql := "SELECT " + machineSelect + " FROM machines WHERE " + strings.Join(where, " AND ") + " ORDER BY code"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list machines: %w", err))
	}
	defer rows.Close()

	var out []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// RecentSamples returns up to limit samples, newest first
func (p *Postgres) RecentSamples(ctx context.Context, machineID string, limit int) ([]*models.Sample, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+sampleSelect+" FROM samples WHERE machine_id = $1 ORDER BY ts DESC LIMIT $2",
		machineID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("recent samples: %w", err))
	}
	return collectSamples(rows)
}

// RecentTemperatures returns up to limit temperatures, oldest first
func (p *Postgres) RecentTemperatures(ctx context.Context, machineID string, limit int) ([]float64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT temperature FROM (
			SELECT temperature, ts FROM samples
			WHERE machine_id = $1 AND temperature IS NOT NULL
			ORDER BY ts DESC LIMIT $2
		) w ORDER BY ts ASC`, machineID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("recent temperatures: %w", err))
	}

	values, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	if err != nil {
		return nil, classify(fmt.Errorf("recent temperatures: %w", err))
	}
	return values, nil
}

// SamplesBetween returns samples with from <= ts < to, oldest first
func (p *Postgres) SamplesBetween(ctx context.Context, machineID string, from, to time.Time) ([]*models.Sample, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+sampleSelect+" FROM samples WHERE machine_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts",
		machineID, from, to)
	if err != nil {
		return nil, classify(fmt.Errorf("samples between: %w", err))
	}
	return collectSamples(rows)
}

// GetAlert returns an alert by id
func (p *Postgres) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return getAlert(ctx, p.pool, id)
}

// ListAlerts returns matching alerts, newest first
func (p *Postgres) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.MachineID != "" {
		add("machine_id::text = $%d", filter.MachineID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if filter.UnacknowledgedOnly {
		where = append(where, "NOT acknowledged")
	}
	if filter.UnresolvedOnly {
		where = append(where, "NOT resolved")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultAlertLimit
	}

	sql := "SELECT " + alertSelect + " FROM alerts"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list alerts: %w", err))
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetMachine(ctx context.Context, ref string) (*models.Machine, error) {
	return getMachine(ctx, t.q, ref)
}

func (t *pgTx) CreateMachine(ctx context.Context, m *models.Machine) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO machines (`+machineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.Code, m.Name, string(m.Type), m.Location, m.Description,
		m.Thresholds.TemperatureWarning, m.Thresholds.TemperatureCritical, m.Thresholds.VibrationMax,
		m.Monitored, string(m.Status), m.LastTelemetryAt, m.Version, m.CreatedAt, m.UpdatedAt, m.DeletedAt)
	if err != nil {
		return classify(fmt.Errorf("insert machine %s: %w", m.Code, err))
	}
	return nil
}

func (t *pgTx) UpdateMachine(ctx context.Context, m *models.Machine) error {
	var version int64
	err := t.q.QueryRow(ctx, `
		UPDATE machines SET
			code = $3, name = $4, type = $5, location = $6, description = $7,
			temperature_warning = $8, temperature_critical = $9, vibration_max = $10,
			monitored = $11, status = $12, last_telemetry_at = $13,
			updated_at = $14, deleted_at = $15, version = version + 1
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING version`,
		m.ID, m.Version, m.Code, m.Name, string(m.Type), m.Location, m.Description,
		m.Thresholds.TemperatureWarning, m.Thresholds.TemperatureCritical, m.Thresholds.VibrationMax,
		m.Monitored, string(m.Status), m.LastTelemetryAt, m.UpdatedAt, m.DeletedAt,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.missingOrConflict(ctx, m.ID, m.Version)
		}
		return classify(fmt.Errorf("update machine %s: %w", m.ID, err))
	}
	m.Version = version
	return nil
}

func (t *pgTx) UpdateMachineState(ctx context.Context, id string, expectedVersion int64, status models.Status, lastTelemetryAt *time.Time, now time.Time) (int64, error) {
	var version int64
	err := t.q.QueryRow(ctx, `
		UPDATE machines
		SET status = $3, last_telemetry_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING version`,
		id, expectedVersion, string(status), lastTelemetryAt, now,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, t.missingOrConflict(ctx, id, expectedVersion)
		}
		return 0, classify(fmt.Errorf("update machine state %s: %w", id, err))
	}
	return version, nil
}

func (t *pgTx) missingOrConflict(ctx context.Context, id string, expected int64) error {
	var current int64
	err := t.q.QueryRow(ctx, "SELECT version FROM machines WHERE id = $1 AND deleted_at IS NULL", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	if err != nil {
		return classify(err)
	}
	return fmt.Errorf("%w: machine %s at version %d, expected %d", ErrVersionConflict, id, current, expected)
}

func (t *pgTx) InsertSample(ctx context.Context, s *models.Sample) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO samples (`+sampleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.MachineID, s.Timestamp, s.Temperature, s.Vibration, s.Pressure, s.Humidity,
		s.Current, s.RPM, s.Power, s.Quality, s.Metadata, s.ReceivedAt)
	if err != nil {
		return classify(fmt.Errorf("insert sample: %w", err))
	}
	return nil
}

func (t *pgTx) CountTemperatureAbove(ctx context.Context, machineID string, threshold float64) (int, error) {
	var count int
	err := t.q.QueryRow(ctx,
		"SELECT count(*) FROM samples WHERE machine_id = $1 AND temperature > $2",
		machineID, threshold).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("count samples: %w", err))
	}
	return count, nil
}

func (t *pgTx) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return getAlert(ctx, t.q, id)
}

func (t *pgTx) InsertAlert(ctx context.Context, a *models.Alert) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.MachineID, string(a.Type), string(a.Severity), a.Message, a.TriggerValue, a.ThresholdValue,
		a.CreatedAt, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgementNotes, a.Resolved, a.ResolvedAt)
	if err != nil {
		return classify(fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// UpdateAlert only moves acknowledgement and resolution forward
func (t *pgTx) UpdateAlert(ctx context.Context, a *models.Alert) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE alerts SET
			acknowledged_at = CASE WHEN acknowledged OR NOT $2 THEN acknowledged_at ELSE $3 END,
			acknowledgement_notes = CASE WHEN acknowledged OR NOT $2 THEN acknowledgement_notes ELSE $4 END,
			acknowledged = acknowledged OR $2,
			resolved_at = CASE WHEN resolved OR NOT $5 THEN resolved_at ELSE $6 END,
			resolved = resolved OR $5
		WHERE id = $1`,
		a.ID, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgementNotes, a.Resolved, a.ResolvedAt)
	if err != nil {
		return classify(fmt.Errorf("update alert %s: %w", a.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, a.ID)
	}
	return nil
}

func (t *pgTx) LatestAlert(ctx context.Context, machineID string, alertType models.AlertType, unresolvedOnly bool) (*models.Alert, error) {
	sql := "SELECT " + alertSelect + " FROM alerts WHERE machine_id = $1 AND type = $2"
	if unresolvedOnly {
		sql += " AND NOT resolved"
	}
	sql += " ORDER BY created_at DESC LIMIT 1"

	a, err := scanAlert(t.q.QueryRow(ctx, sql, machineID, string(alertType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("latest alert: %w", err))
	}
	return a, nil
}

func (t *pgTx) ResolveAlerts(ctx context.Context, machineID string, alertType models.AlertType, at time.Time) (int, error) {
	tag, err := t.q.Exec(ctx,
		"UPDATE alerts SET resolved = TRUE, resolved_at = $3 WHERE machine_id = $1 AND type = $2 AND NOT resolved",
		machineID, string(alertType), at)
	if err != nil {
		return 0, classify(fmt.Errorf("resolve alerts: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func getMachine(ctx context.Context, q querier, ref string) (*models.Machine, error) {
	m, err := scanMachine(q.QueryRow(ctx,
		"SELECT "+machineSelect+" FROM machines WHERE deleted_at IS NULL AND (id::text = $1 OR code = $2)",
		strings.ToLower(strings.TrimSpace(ref)), models.NormalizeCode(ref)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, ref)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get machine %s: %w", ref, err))
	}
	return m, nil
}

func getAlert(ctx context.Context, q querier, id string) (*models.Alert, error) {
	a, err := scanAlert(q.QueryRow(ctx, "SELECT "+alertSelect+" FROM alerts WHERE id::text = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get alert %s: %w", id, err))
	}
	return a, nil
}

func scanMachine(row pgx.Row) (*models.Machine, error) {
	var (
		m           models.Machine
		typ, status string
	)
	err := row.Scan(&m.ID, &m.Code, &m.Name, &typ, &m.Location, &m.Description,
		&m.Thresholds.TemperatureWarning, &m.Thresholds.TemperatureCritical, &m.Thresholds.VibrationMax,
		&m.Monitored, &status, &m.LastTelemetryAt, &m.Version, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	m.Type = models.MachineType(typ)
	m.Status = models.Status(status)
	return &m, nil
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a             models.Alert
		typ, severity string
	)
	err := row.Scan(&a.ID, &a.MachineID, &typ, &severity, &a.Message, &a.TriggerValue, &a.ThresholdValue,
		&a.CreatedAt, &a.Acknowledged, &a.AcknowledgedAt, &a.AcknowledgementNotes, &a.Resolved, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	a.Type = models.AlertType(typ)
	a.Severity = models.Severity(severity)
	return &a, nil
}

func collectSamples(rows pgx.Rows) ([]*models.Sample, error) {
	defer rows.Close()

	var out []*models.Sample
	for rows.Next() {
		var s models.Sample
		err := rows.Scan(&s.ID, &s.MachineID, &s.Timestamp, &s.Temperature, &s.Vibration, &s.Pressure,
			&s.Humidity, &s.Current, &s.RPM, &s.Power, &s.Quality, &s.Metadata, &s.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, &s)
	}
	return out, classify(rows.Err())
}
