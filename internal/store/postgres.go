package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/panda-crm/measure-engine/internal/db"
	"github.com/panda-crm/measure-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (credential persistence, geocode cache).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS measurement_reports (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	account_id     TEXT,
	ordered_by_id  TEXT,
	provider       TEXT NOT NULL,
	report_type    TEXT,
	order_status   TEXT NOT NULL DEFAULT 'PENDING',
	street         TEXT,
	city           TEXT,
	state          TEXT,
	zip_code       TEXT,
	latitude       DOUBLE PRECISION,
	longitude      DOUBLE PRECISION,
	external_id    TEXT,
	job_id         TEXT,
	measurement    JSONB,
	pdf_ref        TEXT,
	xml_ref        TEXT,
	json_ref       TEXT,
	raw_payload    JSONB,
	ordered_at     TIMESTAMPTZ,
	delivered_at   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (opportunity_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_reports_external_id ON measurement_reports (external_id);
CREATE INDEX IF NOT EXISTS idx_reports_job_id ON measurement_reports (job_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON measurement_reports (order_status);

CREATE TABLE IF NOT EXISTS provider_credentials (
	provider      TEXT PRIMARY KEY,
	access_token  TEXT,
	refresh_token TEXT,
	expires_at    TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	address_hash TEXT PRIMARY KEY,
	latitude     DOUBLE PRECISION,
	longitude    DOUBLE PRECISION,
	quality      TEXT,
	matched      BOOLEAN NOT NULL DEFAULT false,
	cached_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const reportColumns = `id, opportunity_id, account_id, ordered_by_id, provider, report_type, order_status,
	street, city, state, zip_code, latitude, longitude, external_id, job_id,
	measurement, pdf_ref, xml_ref, json_ref, raw_payload, ordered_at, delivered_at, created_at, updated_at`

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, r *model.MeasurementReport) (*model.MeasurementReport, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	measurementJSON, err := marshalMeasurement(r.Measurement)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO measurement_reports (
			id, opportunity_id, account_id, ordered_by_id, provider, report_type, order_status,
			street, city, state, zip_code, latitude, longitude, external_id, job_id,
			measurement, pdf_ref, xml_ref, json_ref, raw_payload, ordered_at, delivered_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,now(),now())
		ON CONFLICT (opportunity_id, provider) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			ordered_by_id = EXCLUDED.ordered_by_id,
			report_type = EXCLUDED.report_type,
			order_status = EXCLUDED.order_status,
			street = EXCLUDED.street,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			zip_code = EXCLUDED.zip_code,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			external_id = EXCLUDED.external_id,
			job_id = EXCLUDED.job_id,
			measurement = EXCLUDED.measurement,
			pdf_ref = EXCLUDED.pdf_ref,
			xml_ref = EXCLUDED.xml_ref,
			json_ref = EXCLUDED.json_ref,
			raw_payload = EXCLUDED.raw_payload,
			ordered_at = EXCLUDED.ordered_at,
			delivered_at = EXCLUDED.delivered_at,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		r.ID, r.OpportunityID, nilIfEmpty(r.AccountID), nilIfEmpty(r.OrderedByID),
		string(r.Provider), string(r.ReportType), string(r.Status),
		r.Address.Street, r.Address.City, r.Address.State, r.Address.ZipCode,
		r.Latitude, r.Longitude, nilIfEmpty(r.ExternalID), nilIfEmpty(r.JobID),
		measurementJSON, nilIfEmpty(r.PDFRef), nilIfEmpty(r.XMLRef), nilIfEmpty(r.JSONRef),
		rawOrNil(r.RawPayload), r.OrderedAt, r.DeliveredAt,
	)

	stored := *r
	if err := row.Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: upsert report")
	}
	return &stored, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, r *model.MeasurementReport) error {
	measurementJSON, err := marshalMeasurement(r.Measurement)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE measurement_reports SET
			order_status = $1, external_id = $2, job_id = $3, measurement = $4,
			pdf_ref = $5, xml_ref = $6, json_ref = $7, raw_payload = $8,
			ordered_at = $9, delivered_at = $10, latitude = $11, longitude = $12, updated_at = now()
		WHERE id = $13`,
		string(r.Status), nilIfEmpty(r.ExternalID), nilIfEmpty(r.JobID), measurementJSON,
		nilIfEmpty(r.PDFRef), nilIfEmpty(r.XMLRef), nilIfEmpty(r.JSONRef), rawOrNil(r.RawPayload),
		r.OrderedAt, r.DeliveredAt, r.Latitude, r.Longitude, r.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update report")
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.MeasurementReport, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report")
	}
	return r, nil
}

// GetByOpportunityProvider implements Store.
func (s *PostgresStore) GetByOpportunityProvider(ctx context.Context, opportunityID string, p model.Provider) (*model.MeasurementReport, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports WHERE opportunity_id = $1 AND provider = $2`,
		opportunityID, string(p))
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report by opportunity")
	}
	return r, nil
}

// FindByExternalRef implements Store.
func (s *PostgresStore) FindByExternalRef(ctx context.Context, ref string) (*model.MeasurementReport, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports
		WHERE external_id = $1 OR job_id = $1 OR id = $1
		ORDER BY updated_at DESC LIMIT 1`, ref)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find report by ref")
	}
	return r, nil
}

// ListOutstanding implements Store.
func (s *PostgresStore) ListOutstanding(ctx context.Context, orderedBefore time.Time, limit int) ([]model.MeasurementReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports
		WHERE order_status IN ('ORDERED', 'PROCESSING') AND ordered_at < $1
		ORDER BY ordered_at ASC LIMIT $2`,
		orderedBefore, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outstanding")
	}
	defer rows.Close()

	var reports []model.MeasurementReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outstanding report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: iterate outstanding")
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (*ReportStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, order_status, COUNT(*),
			AVG((measurement->>'total_roof_area')::numeric),
			AVG((measurement->>'total_roof_squares')::numeric),
			AVG((measurement->>'facet_count')::numeric)
		FROM measurement_reports
		GROUP BY provider, order_status
		ORDER BY provider, order_status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	defer rows.Close()

	stats := &ReportStats{}
	byProvider := map[model.Provider]*ProviderStats{}
	var order []model.Provider

	for rows.Next() {
		var provider, status string
		var count int
		var avgArea, avgSquares, avgFacets *float64
		if err := rows.Scan(&provider, &status, &count, &avgArea, &avgSquares, &avgFacets); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}

		p := model.Provider(provider)
		ps, ok := byProvider[p]
		if !ok {
			ps = &ProviderStats{Provider: p, CountsByStatus: map[model.OrderStatus]int{}}
			byProvider[p] = ps
			order = append(order, p)
		}
		ps.CountsByStatus[model.OrderStatus(status)] += count
		stats.Total += count

		// Delivered rows carry the measurements; use their averages.
		if model.OrderStatus(status) == model.StatusDelivered {
			if avgArea != nil {
				ps.AvgArea = *avgArea
			}
			if avgSquares != nil {
				ps.AvgSquares = *avgSquares
			}
			if avgFacets != nil {
				ps.AvgFacets = *avgFacets
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate stats")
	}

	for _, p := range order {
		stats.Providers = append(stats.Providers, *byProvider[p])
	}
	return stats, nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*model.MeasurementReport, error) {
	var r model.MeasurementReport
	var provider, status string
	var reportType, accountID, orderedByID, externalID, jobID, pdfRef, xmlRef, jsonRef *string
	var measurementJSON, rawPayload []byte

	err := row.Scan(
		&r.ID, &r.OpportunityID, &accountID, &orderedByID, &provider, &reportType, &status,
		&r.Address.Street, &r.Address.City, &r.Address.State, &r.Address.ZipCode,
		&r.Latitude, &r.Longitude, &externalID, &jobID,
		&measurementJSON, &pdfRef, &xmlRef, &jsonRef, &rawPayload,
		&r.OrderedAt, &r.DeliveredAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Provider = model.Provider(provider)
	r.Status = model.OrderStatus(status)
	r.ReportType = model.ReportType(deref(reportType))
	r.AccountID = deref(accountID)
	r.OrderedByID = deref(orderedByID)
	r.ExternalID = deref(externalID)
	r.JobID = deref(jobID)
	r.PDFRef = deref(pdfRef)
	r.XMLRef = deref(xmlRef)
	r.JSONRef = deref(jsonRef)
	r.RawPayload = rawPayload

	if len(measurementJSON) > 0 {
		var m model.CanonicalMeasurement
		if err := json.Unmarshal(measurementJSON, &m); err != nil {
			return nil, eris.Wrap(err, "postgres: decode measurement json")
		}
		r.Measurement = &m
	}
	return &r, nil
}

func marshalMeasurement(m *model.CanonicalMeasurement) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode measurement json")
	}
	return b, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// nilIfEmpty returns nil for empty strings, allowing NULL storage in Postgres.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
