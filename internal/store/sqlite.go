package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/panda-crm/measure-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// development and tests; production uses Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	latitude       REAL,
	longitude      REAL,
	external_id    TEXT,
	job_id         TEXT,
	measurement    TEXT,
	pdf_ref        TEXT,
	xml_ref        TEXT,
	json_ref       TEXT,
	raw_payload    TEXT,
	ordered_at     DATETIME,
	delivered_at   DATETIME,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (opportunity_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_reports_external_id ON measurement_reports (external_id);
CREATE INDEX IF NOT EXISTS idx_reports_job_id ON measurement_reports (job_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON measurement_reports (order_status);

CREATE TABLE IF NOT EXISTS provider_credentials (
	provider      TEXT PRIMARY KEY,
	access_token  TEXT,
	refresh_token TEXT,
	expires_at    DATETIME,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Migrate creates tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, r *model.MeasurementReport) (*model.MeasurementReport, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	measurementJSON, err := marshalMeasurementText(r.Measurement)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO measurement_reports (
			id, opportunity_id, account_id, ordered_by_id, provider, report_type, order_status,
			street, city, state, zip_code, latitude, longitude, external_id, job_id,
			measurement, pdf_ref, xml_ref, json_ref, raw_payload, ordered_at, delivered_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (opportunity_id, provider) DO UPDATE SET
			account_id = excluded.account_id,
			ordered_by_id = excluded.ordered_by_id,
			report_type = excluded.report_type,
			order_status = excluded.order_status,
			street = excluded.street,
			city = excluded.city,
			state = excluded.state,
			zip_code = excluded.zip_code,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			external_id = excluded.external_id,
			job_id = excluded.job_id,
			measurement = excluded.measurement,
			pdf_ref = excluded.pdf_ref,
			xml_ref = excluded.xml_ref,
			json_ref = excluded.json_ref,
			raw_payload = excluded.raw_payload,
			ordered_at = excluded.ordered_at,
			delivered_at = excluded.delivered_at,
			updated_at = datetime('now')`,
		r.ID, r.OpportunityID, r.AccountID, r.OrderedByID, string(r.Provider), string(r.ReportType), string(r.Status),
		r.Address.Street, r.Address.City, r.Address.State, r.Address.ZipCode,
		r.Latitude, r.Longitude, r.ExternalID, r.JobID,
		measurementJSON, r.PDFRef, r.XMLRef, r.JSONRef, string(r.RawPayload),
		fmtTimePtr(r.OrderedAt), fmtTimePtr(r.DeliveredAt),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert report")
	}

	return s.GetByOpportunityProvider(ctx, r.OpportunityID, r.Provider)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, r *model.MeasurementReport) error {
	measurementJSON, err := marshalMeasurementText(r.Measurement)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE measurement_reports SET
			order_status = ?, external_id = ?, job_id = ?, measurement = ?,
			pdf_ref = ?, xml_ref = ?, json_ref = ?, raw_payload = ?,
			ordered_at = ?, delivered_at = ?, latitude = ?, longitude = ?, updated_at = datetime('now')
		WHERE id = ?`,
		string(r.Status), r.ExternalID, r.JobID, measurementJSON,
		r.PDFRef, r.XMLRef, r.JSONRef, string(r.RawPayload),
		fmtTimePtr(r.OrderedAt), fmtTimePtr(r.DeliveredAt), r.Latitude, r.Longitude, r.ID,
	)
	return eris.Wrap(err, "sqlite: update report")
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.MeasurementReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports WHERE id = ?`, id)
	r, err := scanSQLiteReport(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get report")
	}
	return r, nil
}

// GetByOpportunityProvider implements Store.
func (s *SQLiteStore) GetByOpportunityProvider(ctx context.Context, opportunityID string, p model.Provider) (*model.MeasurementReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports WHERE opportunity_id = ? AND provider = ?`,
		opportunityID, string(p))
	r, err := scanSQLiteReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get report by opportunity")
	}
	return r, nil
}

// FindByExternalRef implements Store.
func (s *SQLiteStore) FindByExternalRef(ctx context.Context, ref string) (*model.MeasurementReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports
		WHERE external_id = ? OR job_id = ? OR id = ?
		ORDER BY updated_at DESC LIMIT 1`, ref, ref, ref)
	r, err := scanSQLiteReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find report by ref")
	}
	return r, nil
}

// ListOutstanding implements Store.
func (s *SQLiteStore) ListOutstanding(ctx context.Context, orderedBefore time.Time, limit int) ([]model.MeasurementReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM measurement_reports
		WHERE order_status IN ('ORDERED', 'PROCESSING') AND ordered_at < ?
		ORDER BY ordered_at ASC LIMIT ?`,
		orderedBefore.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outstanding")
	}
	defer rows.Close()

	var reports []model.MeasurementReport
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outstanding report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: iterate outstanding")
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (*ReportStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, order_status, COUNT(*),
			AVG(json_extract(measurement, '$.total_roof_area')),
			AVG(json_extract(measurement, '$.total_roof_squares')),
			AVG(json_extract(measurement, '$.facet_count'))
		FROM measurement_reports
		GROUP BY provider, order_status
		ORDER BY provider, order_status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	defer rows.Close()

	stats := &ReportStats{}
	byProvider := map[model.Provider]*ProviderStats{}
	var order []model.Provider

	for rows.Next() {
		var provider, status string
		var count int
		var avgArea, avgSquares, avgFacets sql.NullFloat64
		if err := rows.Scan(&provider, &status, &count, &avgArea, &avgSquares, &avgFacets); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
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

		if model.OrderStatus(status) == model.StatusDelivered {
			if avgArea.Valid {
				ps.AvgArea = avgArea.Float64
			}
			if avgSquares.Valid {
				ps.AvgSquares = avgSquares.Float64
			}
			if avgFacets.Valid {
				ps.AvgFacets = avgFacets.Float64
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate stats")
	}

	for _, p := range order {
		stats.Providers = append(stats.Providers, *byProvider[p])
	}
	return stats, nil
}

func scanSQLiteReport(row rowScanner) (*model.MeasurementReport, error) {
	var r model.MeasurementReport
	var provider, status string
	var reportType, accountID, orderedByID, externalID, jobID, pdfRef, xmlRef, jsonRef, measurementJSON, rawPayload sql.NullString
	var orderedAt, deliveredAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&r.ID, &r.OpportunityID, &accountID, &orderedByID, &provider, &reportType, &status,
		&r.Address.Street, &r.Address.City, &r.Address.State, &r.Address.ZipCode,
		&r.Latitude, &r.Longitude, &externalID, &jobID,
		&measurementJSON, &pdfRef, &xmlRef, &jsonRef, &rawPayload,
		&orderedAt, &deliveredAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.OrderedAt = parseTimePtr(orderedAt)
	r.DeliveredAt = parseTimePtr(deliveredAt)
	if t := parseTimePtr(createdAt); t != nil {
		r.CreatedAt = *t
	}
	if t := parseTimePtr(updatedAt); t != nil {
		r.UpdatedAt = *t
	}

	r.Provider = model.Provider(provider)
	r.Status = model.OrderStatus(status)
	r.ReportType = model.ReportType(reportType.String)
	r.AccountID = accountID.String
	r.OrderedByID = orderedByID.String
	r.ExternalID = externalID.String
	r.JobID = jobID.String
	r.PDFRef = pdfRef.String
	r.XMLRef = xmlRef.String
	r.JSONRef = jsonRef.String
	if rawPayload.String != "" {
		r.RawPayload = json.RawMessage(rawPayload.String)
	}

	if measurementJSON.String != "" {
		var m model.CanonicalMeasurement
		if err := json.Unmarshal([]byte(measurementJSON.String), &m); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode measurement json")
		}
		r.Measurement = &m
	}
	return &r, nil
}

// SQLite has no native timestamp type; times are stored as RFC3339 UTC text
// so lexicographic comparison matches chronological order.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return &t
		}
	}
	return nil
}

func marshalMeasurementText(m *model.CanonicalMeasurement) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: encode measurement json")
	}
	return string(b), nil
}
