package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// RefinedService manages the refined schema: extracted codes, causes,
// steps, sensors, TSBs and vehicle mentions, plus verification state.
type RefinedService struct {
	pool *pgxpool.Pool
}

// NewRefinedService creates a new RefinedService.
func NewRefinedService(pool *pgxpool.Pool) *RefinedService {
	return &RefinedService{pool: pool}
}

// ExtractionStats counts what one extraction stored.
type ExtractionStats struct {
	Codes    int
	Causes   int
	Steps    int
	Sensors  int
	TSBs     int
	Vehicles int
}

// Total sums stored entities across all categories.
func (s ExtractionStats) Total() int {
	return s.Codes + s.Causes + s.Steps + s.Sensors + s.TSBs + s.Vehicles
}

// StoreExtraction persists one chunk's extraction output in a single
// transaction. DTC codes upsert by code and accumulate source_count;
// causes and steps attach to the code they were stated for; sensors and
// TSBs upsert by their natural keys, merging related-code arrays.
func (s *RefinedService) StoreExtraction(ctx context.Context, chunkID int64, ex *models.Extraction) (ExtractionStats, error) {
	var stats ExtractionStats

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	codeIDs := make(map[string]int64)
	for _, c := range ex.DTCCodes {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" {
			continue
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO refined.dtc_codes (code, description, category, severity)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
			ON CONFLICT (code) DO UPDATE SET
				description = COALESCE(NULLIF(EXCLUDED.description, ''), refined.dtc_codes.description),
				category = COALESCE(NULLIF(EXCLUDED.category, ''), refined.dtc_codes.category),
				severity = COALESCE(NULLIF(EXCLUDED.severity, ''), refined.dtc_codes.severity),
				source_count = refined.dtc_codes.source_count + 1,
				updated_at = NOW()
			RETURNING id`,
			code, c.Description, c.Category, c.Severity,
		).Scan(&id)
		if err != nil {
			return stats, fmt.Errorf("failed to upsert dtc code %s: %w", code, err)
		}
		codeIDs[code] = id
		stats.Codes++

		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.dtc_code_chunks (dtc_id, chunk_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, chunkID); err != nil {
			return stats, fmt.Errorf("failed to link dtc code to chunk: %w", err)
		}
	}

	resolveCode := func(raw string) (int64, bool, error) {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			return 0, false, nil
		}
		if id, ok := codeIDs[code]; ok {
			return id, true, nil
		}
		var id int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM refined.dtc_codes WHERE code = $1`, code,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("failed to resolve dtc code %s: %w", code, err)
		}
		codeIDs[code] = id
		return id, true, nil
	}

	for _, c := range ex.Causes {
		if strings.TrimSpace(c.Description) == "" {
			continue
		}
		dtcID, ok, err := resolveCode(c.DTCCode)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.causes (dtc_id, description, likelihood, source_chunk_id)
			VALUES ($1, $2, NULLIF($3, ''), $4)`,
			dtcID, strings.TrimSpace(c.Description), strings.ToLower(c.Likelihood), chunkID); err != nil {
			return stats, fmt.Errorf("failed to insert cause: %w", err)
		}
		stats.Causes++
	}

	for _, st := range ex.DiagnosticSteps {
		if strings.TrimSpace(st.Description) == "" {
			continue
		}
		dtcID, ok, err := resolveCode(st.DTCCode)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.diagnostic_steps
				(dtc_id, step_order, description, tools_required, expected_values, source_chunk_id)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
			dtcID, st.StepOrder, strings.TrimSpace(st.Description),
			st.ToolsRequired, st.ExpectedValues, chunkID); err != nil {
			return stats, fmt.Errorf("failed to insert diagnostic step: %w", err)
		}
		stats.Steps++
	}

	for _, sn := range ex.Sensors {
		name := strings.TrimSpace(sn.Name)
		if name == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.sensors
				(name, sensor_type, typical_range, unit, related_dtc_codes, source_chunk_id)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
			ON CONFLICT (name, sensor_type) DO UPDATE SET
				typical_range = COALESCE(NULLIF(EXCLUDED.typical_range, ''), refined.sensors.typical_range),
				unit = COALESCE(NULLIF(EXCLUDED.unit, ''), refined.sensors.unit),
				related_dtc_codes = ARRAY(
					SELECT DISTINCT unnest(refined.sensors.related_dtc_codes || EXCLUDED.related_dtc_codes)
				)`,
			name, strings.TrimSpace(sn.SensorType), sn.TypicalRange, sn.Unit,
			upperCodes(sn.RelatedCodes), chunkID); err != nil {
			return stats, fmt.Errorf("failed to upsert sensor %s: %w", name, err)
		}
		stats.Sensors++
	}

	for _, t := range ex.TSBReferences {
		number := strings.TrimSpace(t.TSBNumber)
		if number == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.tsb_references
				(tsb_number, title, affected_models, related_dtc_codes, summary, source_chunk_id)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''), $6)
			ON CONFLICT (tsb_number) DO UPDATE SET
				title = COALESCE(NULLIF(EXCLUDED.title, ''), refined.tsb_references.title),
				affected_models = COALESCE(NULLIF(EXCLUDED.affected_models, ''), refined.tsb_references.affected_models),
				summary = COALESCE(NULLIF(EXCLUDED.summary, ''), refined.tsb_references.summary),
				related_dtc_codes = ARRAY(
					SELECT DISTINCT unnest(refined.tsb_references.related_dtc_codes || EXCLUDED.related_dtc_codes)
				)`,
			number, t.Title, t.AffectedModels, upperCodes(t.RelatedCodes), t.Summary, chunkID); err != nil {
			return stats, fmt.Errorf("failed to upsert tsb %s: %w", number, err)
		}
		stats.TSBs++
	}

	for _, v := range ex.Vehicles {
		if strings.TrimSpace(v.Make) == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.vehicle_mentions
				(make, model, year_start, year_end, engine, transmission, related_dtc_codes, source_chunk_id)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, 0), NULLIF($4, 0),
			        NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
			strings.TrimSpace(v.Make), strings.TrimSpace(v.Model), v.YearStart, v.YearEnd,
			v.Engine, v.Transmission, upperCodes(v.RelatedCodes), chunkID); err != nil {
			return stats, fmt.Errorf("failed to insert vehicle mention: %w", err)
		}
		stats.Vehicles++
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("failed to commit extraction: %w", err)
	}
	return stats, nil
}

// RecalculateConfidence recomputes confidence for every DTC touched by
// the document's chunks: 30% source volume (saturating at 5 sources),
// 70% average evaluated trust of the contributing chunks.
func (s *RefinedService) RecalculateConfidence(ctx context.Context, docID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refined.dtc_codes d
		SET confidence_score = LEAST(1.0,
			0.3 * LEAST(1.0, d.source_count / 5.0) +
			0.7 * COALESCE((
				SELECT AVG(e.trust_score)
				FROM refined.dtc_code_chunks cc
				JOIN research.chunk_evaluations e ON e.chunk_id = cc.chunk_id
				WHERE cc.dtc_id = d.id
			), 0.5)),
		    updated_at = NOW()
		WHERE d.id IN (
			SELECT cc.dtc_id
			FROM refined.dtc_code_chunks cc
			JOIN research.document_chunks c ON c.id = cc.chunk_id
			WHERE c.document_id = $1
		)`, docID)
	if err != nil {
		return 0, fmt.Errorf("failed to recalculate confidence: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DedupeCauses deletes textual duplicates within each DTC, keeping the
// oldest row.
func (s *RefinedService) DedupeCauses(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM refined.causes a
		USING refined.causes b
		WHERE a.dtc_id = b.dtc_id
		  AND LOWER(TRIM(a.description)) = LOWER(TRIM(b.description))
		  AND a.id > b.id`)
	if err != nil {
		return 0, fmt.Errorf("failed to dedupe causes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DedupeSteps deletes textual duplicates within each DTC, keeping the
// oldest row.
func (s *RefinedService) DedupeSteps(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM refined.diagnostic_steps a
		USING refined.diagnostic_steps b
		WHERE a.dtc_id = b.dtc_id
		  AND LOWER(TRIM(a.description)) = LOWER(TRIM(b.description))
		  AND a.id > b.id`)
	if err != nil {
		return 0, fmt.Errorf("failed to dedupe diagnostic steps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NextUnverified returns the most load-bearing unverified DTC: highest
// source count, then highest confidence. ErrNoWork when none remain.
func (s *RefinedService) NextUnverified(ctx context.Context) (*models.DTCCode, error) {
	var (
		d              models.DTCCode
		desc, cat, sev *string
		status         string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, description, category, severity, confidence_score, source_count,
		       verification_status, verified_at, pre_verification_confidence, created_at, updated_at
		FROM refined.dtc_codes
		WHERE verified_at IS NULL OR verification_status = 'unverified'
		ORDER BY source_count DESC, confidence_score DESC
		LIMIT 1`,
	).Scan(&d.ID, &d.Code, &desc, &cat, &sev, &d.ConfidenceScore, &d.SourceCount,
		&status, &d.VerifiedAt, &d.PreVerificationConfidence, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick unverified dtc: %w", err)
	}
	d.Description = deref(desc)
	d.Category = deref(cat)
	d.Severity = deref(sev)
	d.VerificationStatus = config.VerificationStatus(status)
	return &d, nil
}

// Causes lists a DTC's causes, most confident first.
func (s *RefinedService) Causes(ctx context.Context, dtcID int64) ([]models.Cause, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dtc_id, description, likelihood, COALESCE(source_chunk_id, 0),
		       confidence_score, created_at
		FROM refined.causes
		WHERE dtc_id = $1
		ORDER BY confidence_score DESC, id`, dtcID)
	if err != nil {
		return nil, fmt.Errorf("failed to list causes: %w", err)
	}
	defer rows.Close()

	var causes []models.Cause
	for rows.Next() {
		var c models.Cause
		var likelihood *string
		if err := rows.Scan(&c.ID, &c.DTCID, &c.Description, &likelihood,
			&c.SourceChunkID, &c.ConfidenceScore, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cause: %w", err)
		}
		c.Likelihood = deref(likelihood)
		causes = append(causes, c)
	}
	return causes, rows.Err()
}

// Steps lists a DTC's diagnostic steps in procedure order.
func (s *RefinedService) Steps(ctx context.Context, dtcID int64) ([]models.DiagnosticStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dtc_id, step_order, description, tools_required, expected_values,
		       COALESCE(source_chunk_id, 0), confidence_score, created_at
		FROM refined.diagnostic_steps
		WHERE dtc_id = $1
		ORDER BY step_order, id`, dtcID)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostic steps: %w", err)
	}
	defer rows.Close()

	var steps []models.DiagnosticStep
	for rows.Next() {
		var st models.DiagnosticStep
		var tools, expected *string
		if err := rows.Scan(&st.ID, &st.DTCID, &st.StepOrder, &st.Description,
			&tools, &expected, &st.SourceChunkID, &st.ConfidenceScore, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic step: %w", err)
		}
		st.ToolsRequired = deref(tools)
		st.ExpectedValues = deref(expected)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SensorsForCode lists sensors whose related-code array mentions the
// DTC code.
func (s *RefinedService) SensorsForCode(ctx context.Context, code string) ([]models.Sensor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, sensor_type, typical_range, unit, related_dtc_codes,
		       COALESCE(source_chunk_id, 0), confidence_score, created_at
		FROM refined.sensors
		WHERE $1 = ANY(related_dtc_codes)
		ORDER BY name`, strings.ToUpper(code))
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors for code: %w", err)
	}
	defer rows.Close()

	var sensors []models.Sensor
	for rows.Next() {
		var sn models.Sensor
		var typRange, unit *string
		if err := rows.Scan(&sn.ID, &sn.Name, &sn.SensorType, &typRange, &unit,
			&sn.RelatedCodes, &sn.SourceChunkID, &sn.ConfidenceScore, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		sn.TypicalRange = deref(typRange)
		sn.Unit = deref(unit)
		sensors = append(sensors, sn)
	}
	return sensors, rows.Err()
}

// StoreVerification persists per-field verification verdicts and the
// resulting status and confidence on the DTC record, in one transaction.
func (s *RefinedService) StoreVerification(ctx context.Context, dtcID int64, status config.VerificationStatus, newConfidence, preConfidence float64, keyID string, results []models.VerificationResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	model := ""
	for _, r := range results {
		response, err := json.Marshal(map[string]string{
			"correction": r.Correction,
			"notes":      r.Notes,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal verification response: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refined.verification_results
				(dtc_id, field_verified, verification_result, openai_response,
				 confidence_adjustment, model_used, api_key_id, tokens_used)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
			dtcID, r.Field, r.Verdict, response,
			r.ConfidenceAdjustment, r.Model, keyID, r.TokensUsed); err != nil {
			return fmt.Errorf("failed to insert verification result: %w", err)
		}
		if r.Model != "" {
			model = r.Model
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refined.dtc_codes
		SET verification_status = $2,
		    confidence_score = $3,
		    pre_verification_confidence = $4,
		    verification_model = NULLIF($5, ''),
		    verified_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`,
		dtcID, string(status), newConfidence, preConfidence, model); err != nil {
		return fmt.Errorf("failed to update dtc verification: %w", err)
	}
	return tx.Commit(ctx)
}

// VerificationCounts returns DTC counts grouped by verification status.
func (s *RefinedService) VerificationCounts(ctx context.Context) (map[config.VerificationStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT verification_status, COUNT(*)
		FROM refined.dtc_codes
		GROUP BY verification_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count verification statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[config.VerificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan verification count: %w", err)
		}
		counts[config.VerificationStatus(status)] = n
	}
	return counts, rows.Err()
}

// UnlinkedMentions lists vehicle mentions the linker has not processed.
func (s *RefinedService) UnlinkedMentions(ctx context.Context, limit int) ([]models.VehicleMention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, make, COALESCE(model, ''), COALESCE(year_start, 0), COALESCE(year_end, 0),
		       COALESCE(engine, ''), COALESCE(transmission, ''), related_dtc_codes,
		       source_chunk_id, linked, created_at
		FROM refined.vehicle_mentions
		WHERE NOT linked
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked mentions: %w", err)
	}
	defer rows.Close()

	var mentions []models.VehicleMention
	for rows.Next() {
		var m models.VehicleMention
		if err := rows.Scan(&m.ID, &m.Make, &m.Model, &m.YearStart, &m.YearEnd,
			&m.Engine, &m.Transmission, &m.RelatedCodes,
			&m.SourceChunkID, &m.Linked, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// MarkMentionLinked flags one vehicle mention as processed.
func (s *RefinedService) MarkMentionLinked(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refined.vehicle_mentions SET linked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark mention linked: %w", err)
	}
	return nil
}

// StoreCategory records one chunk's document-category vote.
func (s *RefinedService) StoreCategory(ctx context.Context, chunkID int64, category string) error {
	if category == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refined.document_categories (category, source_chunk_id)
		VALUES ($1, $2)`, strings.ToLower(category), chunkID)
	if err != nil {
		return fmt.Errorf("failed to store category vote: %w", err)
	}
	return nil
}

// MajorityCategory returns the most-voted category among the document's
// chunks, or "" when no votes exist.
func (s *RefinedService) MajorityCategory(ctx context.Context, docID uuid.UUID) (string, error) {
	var category string
	err := s.pool.QueryRow(ctx, `
		SELECT dc.category
		FROM refined.document_categories dc
		JOIN research.document_chunks c ON c.id = dc.source_chunk_id
		WHERE c.document_id = $1
		GROUP BY dc.category
		ORDER BY COUNT(*) DESC, dc.category
		LIMIT 1`, docID).Scan(&category)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to compute majority category: %w", err)
	}
	return category, nil
}

// DominantVehicle returns the most-mentioned make/model among the
// document's vehicle mentions, with the earliest mentioned year. All
// zero values when the document names no vehicle.
func (s *RefinedService) DominantVehicle(ctx context.Context, docID uuid.UUID) (make, model string, year int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT vm.make, COALESCE(vm.model, ''), COALESCE(MIN(NULLIF(vm.year_start, 0)), 0)
		FROM refined.vehicle_mentions vm
		JOIN research.document_chunks c ON c.id = vm.source_chunk_id
		WHERE c.document_id = $1
		GROUP BY vm.make, vm.model
		ORDER BY COUNT(*) DESC, vm.make, vm.model
		LIMIT 1`, docID).Scan(&make, &model, &year)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", 0, nil
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to find dominant vehicle: %w", err)
	}
	return make, model, year, nil
}

// WeakestCodes lists codes with the least supporting evidence, for
// targeted research.
func (s *RefinedService) WeakestCodes(ctx context.Context, limit int) ([]models.DTCCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, COALESCE(description, ''), confidence_score, source_count
		FROM refined.dtc_codes
		ORDER BY confidence_score, source_count, code
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list weakest codes: %w", err)
	}
	defer rows.Close()

	var codes []models.DTCCode
	for rows.Next() {
		var d models.DTCCode
		if err := rows.Scan(&d.ID, &d.Code, &d.Description, &d.ConfidenceScore, &d.SourceCount); err != nil {
			return nil, fmt.Errorf("failed to scan dtc code: %w", err)
		}
		codes = append(codes, d)
	}
	return codes, rows.Err()
}

func upperCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}
