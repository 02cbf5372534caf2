package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Upserter consolidates one document's extracted entities into the
// knowledge schema: score, merge, rescore, upsert with SQL-level
// accumulation, provenance rows for every contributing chunk, and a
// resolution log flushed before commit.
type Upserter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewUpserter creates a new Upserter.
func NewUpserter(pool *pgxpool.Pool, logger *slog.Logger) *Upserter {
	return &Upserter{pool: pool, logger: logger.With("component", "knowledge_upserter")}
}

// RunStats summarizes one upserter run.
type RunStats struct {
	RunID    uuid.UUID
	Masters  int
	Causes   int
	Steps    int
	Sensors  int
	Rejected int
	Skipped  bool
}

type resolutionAction struct {
	dtcMasterID int64
	action      string
	entityTable string
	entityID    string
	details     map[string]any
}

// knowledgeTables are the targets the upserter writes; each is guarded
// by an existence check so a partially provisioned schema degrades to a
// silent skip.
var knowledgeTables = []string{
	"dtc_master",
	"dtc_possible_causes",
	"dtc_diagnostic_steps",
	"sensor_types",
	"sensors",
	"dtc_related_sensors",
	"dtc_entity_sources",
	"resolution_log",
}

// Run consolidates the DTCs touched by one document, for the given
// vehicle context (zero value for generic resolution). The whole run is
// one transaction.
func (u *Upserter) Run(ctx context.Context, docID uuid.UUID, vctx Context) (RunStats, error) {
	stats := RunStats{RunID: uuid.New()}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	present, err := presentTables(ctx, tx)
	if err != nil {
		return stats, err
	}
	if !present["dtc_master"] {
		u.logger.Warn("knowledge schema not provisioned, skipping upsert")
		stats.Skipped = true
		return stats, nil
	}

	dtcs, err := touchedDTCs(ctx, tx, docID)
	if err != nil {
		return stats, err
	}

	var actions []resolutionAction
	for _, d := range dtcs {
		masterID, created, err := u.upsertMaster(ctx, tx, d)
		if err != nil {
			return stats, err
		}
		stats.Masters++
		action := "updated"
		if created {
			action = "created"
		}
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      action,
			entityTable: "dtc_master",
			entityID:    strconv.FormatInt(masterID, 10),
			details:     map[string]any{"code": d.code},
		})

		if present["dtc_possible_causes"] {
			n, rejected, acts, err := u.upsertCauses(ctx, tx, d.id, masterID, vctx, present["dtc_entity_sources"])
			if err != nil {
				return stats, err
			}
			stats.Causes += n
			stats.Rejected += rejected
			actions = append(actions, acts...)
		}
		if present["dtc_diagnostic_steps"] {
			n, rejected, acts, err := u.upsertSteps(ctx, tx, d.id, masterID, vctx, present["dtc_entity_sources"])
			if err != nil {
				return stats, err
			}
			stats.Steps += n
			stats.Rejected += rejected
			actions = append(actions, acts...)
		}
		if present["sensors"] && present["dtc_related_sensors"] {
			n, rejected, acts, err := u.upsertSensors(ctx, tx, d.code, masterID, vctx,
				present["sensor_types"], present["dtc_entity_sources"])
			if err != nil {
				return stats, err
			}
			stats.Sensors += n
			stats.Rejected += rejected
			actions = append(actions, acts...)
		}
	}

	if present["resolution_log"] {
		if err := flushResolutionLog(ctx, tx, stats.RunID, actions); err != nil {
			return stats, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("failed to commit knowledge upsert: %w", err)
	}

	u.logger.Info("knowledge upsert complete",
		"run_id", stats.RunID,
		"masters", stats.Masters,
		"causes", stats.Causes,
		"steps", stats.Steps,
		"sensors", stats.Sensors,
		"rejected", stats.Rejected)
	return stats, nil
}

func presentTables(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'knowledge' AND table_name = ANY($1)`,
		knowledgeTables)
	if err != nil {
		return nil, fmt.Errorf("failed to check knowledge tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(knowledgeTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		present[name] = true
	}
	return present, rows.Err()
}

type refinedDTC struct {
	id          int64
	code        string
	description string
	category    string
	severity    string
}

func touchedDTCs(ctx context.Context, tx pgx.Tx, docID uuid.UUID) ([]refinedDTC, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT d.id, d.code, COALESCE(d.description, ''),
		       COALESCE(d.category, ''), COALESCE(d.severity, '')
		FROM refined.dtc_codes d
		JOIN refined.dtc_code_chunks cc ON cc.dtc_id = d.id
		JOIN research.document_chunks c ON c.id = cc.chunk_id
		WHERE c.document_id = $1
		ORDER BY d.id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document dtc codes: %w", err)
	}
	defer rows.Close()

	var dtcs []refinedDTC
	for rows.Next() {
		var d refinedDTC
		if err := rows.Scan(&d.id, &d.code, &d.description, &d.category, &d.severity); err != nil {
			return nil, fmt.Errorf("failed to scan dtc: %w", err)
		}
		dtcs = append(dtcs, d)
	}
	return dtcs, rows.Err()
}

func (u *Upserter) upsertMaster(ctx context.Context, tx pgx.Tx, d refinedDTC) (int64, bool, error) {
	var id int64
	var created bool
	err := tx.QueryRow(ctx, `
		INSERT INTO knowledge.dtc_master
			(code, system_category, generic_description, severity_level, emissions_related)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (code) DO UPDATE SET
			system_category = CASE
				WHEN EXCLUDED.system_category <> 'unknown' THEN EXCLUDED.system_category
				ELSE knowledge.dtc_master.system_category
			END,
			generic_description = COALESCE(EXCLUDED.generic_description, knowledge.dtc_master.generic_description),
			severity_level = EXCLUDED.severity_level,
			updated_at = NOW()
		RETURNING id, (xmax = 0)`,
		d.code, SystemCategory(d.category), d.description,
		SeverityLevel(d.severity), EmissionsRelated(d.code),
	).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert dtc master %s: %w", d.code, err)
	}
	return id, created, nil
}

func (u *Upserter) upsertCauses(ctx context.Context, tx pgx.Tx, dtcID, masterID int64, vctx Context, provenance bool) (int, int, []resolutionAction, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.description, COALESCE(c.likelihood, ''),
		       COALESCE(c.source_chunk_id, 0),
		       COALESCE(e.trust_score, 0.5), COALESCE(e.relevance_score, 0.5)
		FROM refined.causes c
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = c.source_chunk_id
		WHERE c.dtc_id = $1
		ORDER BY c.id`, dtcID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to load cause candidates: %w", err)
	}
	candidates, err := scanCandidates(rows, KindCause)
	if err != nil {
		return 0, 0, nil, err
	}

	Rank(candidates, vctx)
	winners, rejected := MergeText(candidates)
	Rank(winners, vctx)

	var actions []resolutionAction
	for _, r := range rejected {
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "rejected",
			entityTable: "dtc_possible_causes",
			details: map[string]any{
				"reason":      r.RejectReason,
				"text":        r.Text,
				"merged_into": r.MergedInto,
			},
		})
	}

	stored := 0
	for _, w := range winners {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO knowledge.dtc_possible_causes
				(dtc_master_id, cause, probability_weight, evidence_count, avg_trust, avg_relevance)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dtc_master_id, lower(cause)) DO UPDATE SET
				probability_weight = GREATEST(knowledge.dtc_possible_causes.probability_weight, EXCLUDED.probability_weight),
				evidence_count = knowledge.dtc_possible_causes.evidence_count + EXCLUDED.evidence_count,
				avg_trust = (knowledge.dtc_possible_causes.avg_trust + EXCLUDED.avg_trust) / 2.0,
				avg_relevance = (knowledge.dtc_possible_causes.avg_relevance + EXCLUDED.avg_relevance) / 2.0
			RETURNING id`,
			masterID, w.Text, w.ProbabilityWeight, w.EvidenceCount, w.AvgTrust, w.AvgRelevance,
		).Scan(&id)
		if err != nil {
			return stored, len(rejected), actions, fmt.Errorf("failed to upsert cause: %w", err)
		}
		stored++
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "updated",
			entityTable: "dtc_possible_causes",
			entityID:    strconv.FormatInt(id, 10),
			details:     map[string]any{"score": w.Score, "evidence_count": w.EvidenceCount},
		})
		if provenance {
			if err := insertProvenance(ctx, tx, "dtc_possible_causes", id, w); err != nil {
				return stored, len(rejected), actions, err
			}
		}
	}
	return stored, len(rejected), actions, nil
}

func (u *Upserter) upsertSteps(ctx context.Context, tx pgx.Tx, dtcID, masterID int64, vctx Context, provenance bool) (int, int, []resolutionAction, error) {
	rows, err := tx.Query(ctx, `
		SELECT s.id, s.description, '',
		       COALESCE(s.source_chunk_id, 0),
		       COALESCE(e.trust_score, 0.5), COALESCE(e.relevance_score, 0.5),
		       s.step_order
		FROM refined.diagnostic_steps s
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = s.source_chunk_id
		WHERE s.dtc_id = $1
		ORDER BY s.step_order, s.id`, dtcID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to load step candidates: %w", err)
	}
	candidates, err := scanStepCandidates(rows)
	if err != nil {
		return 0, 0, nil, err
	}

	Rank(candidates, vctx)
	winners, rejected := MergeText(candidates)
	Rank(winners, vctx)

	var actions []resolutionAction
	for _, r := range rejected {
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "rejected",
			entityTable: "dtc_diagnostic_steps",
			details: map[string]any{
				"reason":      r.RejectReason,
				"text":        r.Text,
				"merged_into": r.MergedInto,
			},
		})
	}

	stored := 0
	for _, w := range winners {
		order := w.StepOrder
		if order < 1 {
			order = 1
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO knowledge.dtc_diagnostic_steps
				(dtc_master_id, step_order, instruction, evidence_count, avg_trust, avg_relevance)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dtc_master_id, step_order, lower(instruction)) DO NOTHING
			RETURNING id`,
			masterID, order, w.Text, w.EvidenceCount, w.AvgTrust, w.AvgRelevance,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Step already known; nothing to attribute.
			continue
		}
		if err != nil {
			return stored, len(rejected), actions, fmt.Errorf("failed to insert diagnostic step: %w", err)
		}
		stored++
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "created",
			entityTable: "dtc_diagnostic_steps",
			entityID:    strconv.FormatInt(id, 10),
			details:     map[string]any{"score": w.Score, "step_order": order},
		})
		if provenance {
			if err := insertProvenance(ctx, tx, "dtc_diagnostic_steps", id, w); err != nil {
				return stored, len(rejected), actions, err
			}
		}
	}
	return stored, len(rejected), actions, nil
}

func (u *Upserter) upsertSensors(ctx context.Context, tx pgx.Tx, code string, masterID int64, vctx Context, typesPresent, provenance bool) (int, int, []resolutionAction, error) {
	rows, err := tx.Query(ctx, `
		SELECT s.id, s.name, s.sensor_type,
		       COALESCE(s.source_chunk_id, 0),
		       COALESCE(e.trust_score, 0.5), COALESCE(e.relevance_score, 0.5)
		FROM refined.sensors s
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = s.source_chunk_id
		WHERE $1 = ANY(s.related_dtc_codes)
		ORDER BY s.id`, code)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to load sensor candidates: %w", err)
	}
	candidates, err := scanCandidates(rows, KindSensor)
	if err != nil {
		return 0, 0, nil, err
	}

	Rank(candidates, vctx)
	winners, rejected := MergeText(candidates)
	Rank(winners, vctx)

	var actions []resolutionAction
	for _, r := range rejected {
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "rejected",
			entityTable: "sensors",
			details: map[string]any{
				"reason":      r.RejectReason,
				"text":        r.Text,
				"merged_into": r.MergedInto,
			},
		})
	}

	stored := 0
	for rank, w := range winners {
		var typeID *int64
		if typesPresent && w.Likelihood != "" {
			// Likelihood carries the sensor type for sensor candidates.
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO knowledge.sensor_types (name)
				VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, w.Likelihood).Scan(&id)
			if err != nil {
				return stored, len(rejected), actions, fmt.Errorf("failed to upsert sensor type: %w", err)
			}
			typeID = &id
		}

		var sensorID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO knowledge.sensors (name, sensor_type_id, manufacturer)
			VALUES ($1, $2, NULL)
			ON CONFLICT (name, COALESCE(manufacturer, '')) DO UPDATE SET
				sensor_type_id = COALESCE(knowledge.sensors.sensor_type_id, EXCLUDED.sensor_type_id)
			RETURNING id`, w.Text, typeID).Scan(&sensorID)
		if err != nil {
			return stored, len(rejected), actions, fmt.Errorf("failed to upsert sensor: %w", err)
		}

		var relID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO knowledge.dtc_related_sensors
				(dtc_master_id, sensor_id, priority_rank, evidence_count, avg_trust, avg_relevance)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dtc_master_id, sensor_id) DO UPDATE SET
				priority_rank = LEAST(knowledge.dtc_related_sensors.priority_rank, EXCLUDED.priority_rank),
				evidence_count = knowledge.dtc_related_sensors.evidence_count + 1,
				avg_trust = (knowledge.dtc_related_sensors.avg_trust + EXCLUDED.avg_trust) / 2.0,
				avg_relevance = (knowledge.dtc_related_sensors.avg_relevance + EXCLUDED.avg_relevance) / 2.0
			RETURNING id`,
			masterID, sensorID, rank+1, w.EvidenceCount, w.AvgTrust, w.AvgRelevance,
		).Scan(&relID)
		if err != nil {
			return stored, len(rejected), actions, fmt.Errorf("failed to link sensor to dtc: %w", err)
		}
		stored++
		actions = append(actions, resolutionAction{
			dtcMasterID: masterID,
			action:      "updated",
			entityTable: "dtc_related_sensors",
			entityID:    strconv.FormatInt(relID, 10),
			details:     map[string]any{"sensor": w.Text, "rank": rank + 1},
		})
		if provenance {
			if err := insertProvenance(ctx, tx, "sensors", sensorID, w); err != nil {
				return stored, len(rejected), actions, err
			}
		}
	}
	return stored, len(rejected), actions, nil
}

func insertProvenance(ctx context.Context, tx pgx.Tx, table string, entityID int64, w Candidate) error {
	for _, chunkID := range w.ChunkIDs {
		if chunkID == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO knowledge.dtc_entity_sources
				(entity_table, entity_id, chunk_id, trust_score, relevance_score)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			table, entityID, chunkID, w.AvgTrust, w.AvgRelevance); err != nil {
			return fmt.Errorf("failed to insert provenance: %w", err)
		}
	}
	return nil
}

func flushResolutionLog(ctx context.Context, tx pgx.Tx, runID uuid.UUID, actions []resolutionAction) error {
	for _, a := range actions {
		details, err := json.Marshal(a.details)
		if err != nil {
			return fmt.Errorf("failed to marshal resolution details: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO knowledge.resolution_log
				(dtc_master_id, run_id, action, entity_table, entity_id, details)
			VALUES (NULLIF($1, 0), $2, $3, $4, NULLIF($5, ''), $6)`,
			a.dtcMasterID, runID, a.action, a.entityTable, a.entityID, details); err != nil {
			return fmt.Errorf("failed to append resolution log: %w", err)
		}
	}
	return nil
}

// scanCandidates reads (id, text, aux, chunk_id, trust, relevance)
// rows. For causes aux is the likelihood; for sensors it is the sensor
// type.
func scanCandidates(rows pgx.Rows, kind Kind) ([]Candidate, error) {
	defer rows.Close()
	var candidates []Candidate
	for rows.Next() {
		var (
			c       Candidate
			aux     string
			chunkID int64
		)
		if err := rows.Scan(&c.ID, &c.Text, &aux, &chunkID, &c.AvgTrust, &c.AvgRelevance); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.Kind = kind
		c.EvidenceCount = 1
		c.Likelihood = aux
		if kind == KindCause {
			c.ProbabilityWeight = LikelihoodWeight(aux)
		}
		if chunkID != 0 {
			c.ChunkIDs = []int64{chunkID}
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func scanStepCandidates(rows pgx.Rows) ([]Candidate, error) {
	defer rows.Close()
	var candidates []Candidate
	for rows.Next() {
		var (
			c       Candidate
			aux     string
			chunkID int64
		)
		if err := rows.Scan(&c.ID, &c.Text, &aux, &chunkID, &c.AvgTrust, &c.AvgRelevance, &c.StepOrder); err != nil {
			return nil, fmt.Errorf("failed to scan step candidate: %w", err)
		}
		c.Kind = KindStep
		c.EvidenceCount = 1
		if chunkID != 0 {
			c.ChunkIDs = []int64{chunkID}
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
