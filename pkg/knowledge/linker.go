package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dtcforge/refinery/pkg/models"
)

// mentionLinkConfidence is the default confidence for a vehicle-DTC
// link derived from a text mention.
const mentionLinkConfidence = 0.5

// Linker matches extracted vehicle mentions against the vehicle catalog
// and creates the relationship rows.
type Linker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	title  cases.Caser
}

// NewLinker creates a new Linker.
func NewLinker(pool *pgxpool.Pool, logger *slog.Logger) *Linker {
	return &Linker{
		pool:   pool,
		logger: logger.With("component", "vehicle_linker"),
		title:  cases.Title(language.English),
	}
}

// LinkStats summarizes one linker run.
type LinkStats struct {
	Mentions int
	Vehicles int
	DTCLinks int
}

// Run links every unprocessed vehicle mention originating from the
// document's chunks. Mentions without a usable vehicle match are still
// marked linked so they are not retried forever.
func (l *Linker) Run(ctx context.Context, docID uuid.UUID) (LinkStats, error) {
	var stats LinkStats

	mentions, err := l.documentMentions(ctx, docID)
	if err != nil {
		return stats, err
	}
	for _, m := range mentions {
		stats.Mentions++
		vehicles, links, err := l.linkMention(ctx, m)
		if err != nil {
			return stats, err
		}
		stats.Vehicles += vehicles
		stats.DTCLinks += links
		if _, err := l.pool.Exec(ctx,
			`UPDATE refined.vehicle_mentions SET linked = TRUE WHERE id = $1`, m.ID); err != nil {
			return stats, fmt.Errorf("failed to mark mention linked: %w", err)
		}
	}
	if stats.Mentions > 0 {
		l.logger.Info("vehicle mentions linked",
			"document_id", docID,
			"mentions", stats.Mentions,
			"vehicles", stats.Vehicles,
			"dtc_links", stats.DTCLinks)
	}
	return stats, nil
}

func (l *Linker) documentMentions(ctx context.Context, docID uuid.UUID) ([]models.VehicleMention, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT m.id, m.make, COALESCE(m.model, ''), COALESCE(m.year_start, 0), COALESCE(m.year_end, 0),
		       COALESCE(m.engine, ''), COALESCE(m.transmission, ''), m.related_dtc_codes, m.source_chunk_id
		FROM refined.vehicle_mentions m
		JOIN research.document_chunks c ON c.id = m.source_chunk_id
		WHERE c.document_id = $1 AND NOT m.linked
		ORDER BY m.id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document mentions: %w", err)
	}
	defer rows.Close()

	var mentions []models.VehicleMention
	for rows.Next() {
		var m models.VehicleMention
		if err := rows.Scan(&m.ID, &m.Make, &m.Model, &m.YearStart, &m.YearEnd,
			&m.Engine, &m.Transmission, &m.RelatedCodes, &m.SourceChunkID); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func (l *Linker) linkMention(ctx context.Context, m models.VehicleMention) (vehicles, dtcLinks int, err error) {
	make_ := l.title.String(strings.ToLower(strings.TrimSpace(m.Make)))
	model := strings.TrimSpace(m.Model)
	if make_ == "" {
		return 0, 0, nil
	}

	var vehicleIDs []uuid.UUID
	for _, year := range mentionYears(m) {
		id, created, err := l.findOrCreateVehicle(ctx, make_, model, year)
		if err != nil {
			return vehicles, dtcLinks, err
		}
		if id == uuid.Nil {
			continue
		}
		if created {
			vehicles++
		}
		vehicleIDs = append(vehicleIDs, id)
	}
	if len(vehicleIDs) == 0 {
		// Yearless mention with no catalog match: nothing to attach to.
		return vehicles, dtcLinks, nil
	}

	dtcIDs, err := l.resolveCodes(ctx, m.RelatedCodes)
	if err != nil {
		return vehicles, dtcLinks, err
	}

	for _, vid := range vehicleIDs {
		for _, dtcID := range dtcIDs {
			tag, err := l.pool.Exec(ctx, `
				INSERT INTO vehicle.vehicle_dtc_codes (vehicle_id, dtc_id, source_chunk_id, confidence_score)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING`,
				vid, dtcID, m.SourceChunkID, mentionLinkConfidence)
			if err != nil {
				return vehicles, dtcLinks, fmt.Errorf("failed to link dtc to vehicle: %w", err)
			}
			dtcLinks += int(tag.RowsAffected())
		}
		if err := l.linkEngine(ctx, vid, m.Engine, make_); err != nil {
			return vehicles, dtcLinks, err
		}
		if err := l.linkTransmission(ctx, vid, m.Transmission); err != nil {
			return vehicles, dtcLinks, err
		}
	}
	return vehicles, dtcLinks, nil
}

// mentionYears enumerates the model years a mention covers. A yearless
// mention yields a single zero (match-only, never create).
func mentionYears(m models.VehicleMention) []int {
	if m.YearStart == 0 {
		return []int{0}
	}
	if m.YearEnd == 0 || m.YearEnd < m.YearStart {
		return []int{m.YearStart}
	}
	years := make([]int, 0, m.YearEnd-m.YearStart+1)
	for y := m.YearStart; y <= m.YearEnd; y++ {
		years = append(years, y)
	}
	return years
}

// findOrCreateVehicle returns the catalog row for (make, model, year).
// Without a year the catalog is only searched; a vehicle is never
// created from a yearless mention.
func (l *Linker) findOrCreateVehicle(ctx context.Context, make_, model string, year int) (uuid.UUID, bool, error) {
	if year == 0 {
		var id uuid.UUID
		err := l.pool.QueryRow(ctx, `
			SELECT id FROM vehicle.vehicles
			WHERE LOWER(make) = LOWER($1) AND LOWER(model) = LOWER($2)
			ORDER BY year DESC
			LIMIT 1`, make_, model).Scan(&id)
		if err == pgx.ErrNoRows {
			return uuid.Nil, false, nil
		}
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to find vehicle: %w", err)
		}
		return id, false, nil
	}
	if model == "" {
		return uuid.Nil, false, nil
	}

	var id uuid.UUID
	var created bool
	err := l.pool.QueryRow(ctx, `
		INSERT INTO vehicle.vehicles (make, model, year)
		VALUES ($1, $2, $3)
		ON CONFLICT (year, make, model, COALESCE(generation, ''), COALESCE(trim, ''))
		DO UPDATE SET updated_at = NOW()
		RETURNING id, (xmax = 0)`, make_, model, year).Scan(&id, &created)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to upsert vehicle: %w", err)
	}
	return id, created, nil
}

func (l *Linker) resolveCodes(ctx context.Context, codes []string) ([]int64, error) {
	var ids []int64
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		var id int64
		err := l.pool.QueryRow(ctx,
			`SELECT id FROM refined.dtc_codes WHERE code = $1`, code).Scan(&id)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve code %s: %w", code, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *Linker) linkEngine(ctx context.Context, vehicleID uuid.UUID, engineCode, manufacturer string) error {
	engineCode = strings.TrimSpace(engineCode)
	if engineCode == "" {
		return nil
	}
	var engineID uuid.UUID
	err := l.pool.QueryRow(ctx, `
		INSERT INTO vehicle.engines (engine_code, manufacturer)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (engine_code) DO UPDATE SET updated_at = NOW()
		RETURNING id`, engineCode, manufacturer).Scan(&engineID)
	if err != nil {
		return fmt.Errorf("failed to upsert engine %s: %w", engineCode, err)
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO vehicle.vehicle_engines (vehicle_id, engine_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, vehicleID, engineID); err != nil {
		return fmt.Errorf("failed to link engine: %w", err)
	}
	return nil
}

func (l *Linker) linkTransmission(ctx context.Context, vehicleID uuid.UUID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	var transmissionID uuid.UUID
	err := l.pool.QueryRow(ctx, `
		INSERT INTO vehicle.transmissions (transmission_code, transmission_type)
		VALUES ($1, $2)
		ON CONFLICT (transmission_code) DO UPDATE SET updated_at = NOW()
		RETURNING id`, code, TransmissionType(code)).Scan(&transmissionID)
	if err != nil {
		return fmt.Errorf("failed to upsert transmission %s: %w", code, err)
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO vehicle.vehicle_transmissions (vehicle_id, transmission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, vehicleID, transmissionID); err != nil {
		return fmt.Errorf("failed to link transmission: %w", err)
	}
	return nil
}

// TransmissionType infers the transmission family from free-form text.
func TransmissionType(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "manual"):
		return "manual"
	case strings.Contains(lower, "auto"),
		strings.Contains(lower, "cvt"),
		strings.Contains(lower, "dct"),
		strings.Contains(lower, "dsg"):
		return "automatic"
	default:
		return "unknown"
	}
}
