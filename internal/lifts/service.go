package lifts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies required for lift data sync.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores lift data per account and answers incremental pulls.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// PushResult summarises a push. Accepted counts envelopes that were stored;
// envelopes that lost on timestamp are dropped silently.
type PushResult struct {
	Accepted   int
	Rejected   []wire.Rejection
	ServerTime time.Time
}

// Response renders the result for the wire.
func (r PushResult) Response() wire.PushResponse {
	return wire.PushResponse{
		Accepted:     r.Accepted,
		ServerTimeMs: r.ServerTime.UnixMilli(),
		Rejected:     r.Rejected,
	}
}

// PullResult carries every record updated after the requested cursor.
type PullResult struct {
	ServerTime  time.Time
	Preferences *wire.PayloadEnvelope
	Movements   []wire.PayloadEnvelope
	PrEntries   []wire.PayloadEnvelope
}

// Response renders the result for the wire.
func (r PullResult) Response() wire.PullResponse {
	return wire.PullResponse{
		ServerTimeMs: r.ServerTime.UnixMilli(),
		Preferences:  r.Preferences,
		Movements:    r.Movements,
		PrEntries:    r.PrEntries,
	}
}

type writeOutcome int

const (
	outcomeStored writeOutcome = iota
	outcomeStale
	outcomeTenantConflict
)

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: cfg.Logger,
	}, nil
}

// Push applies every envelope independently with last-writer-wins on
// updatedAtMs. A stored row is replaced only when the incoming timestamp is
// strictly newer and the row belongs to the same account; the comparison and
// the write happen in one statement.
func (s *Service) Push(ctx context.Context, accountID AccountID, request wire.PushRequest) (PushResult, error) {
	if s == nil || s.db == nil {
		return PushResult{}, newServiceError(opPush, "missing_database", errMissingDatabase)
	}
	if accountID == "" {
		return PushResult{}, newServiceError(opPush, "missing_account", errMissingAccount)
	}

	now := s.clock().UTC()
	nowMs := now.UnixMilli()
	db := s.db.WithContext(ctx)
	result := PushResult{ServerTime: now}

	if request.Preferences != nil {
		outcome, err := s.writePreferences(db, accountID, stampMissing(*request.Preferences, nowMs))
		if err != nil {
			s.logError(opPush, "preferences_write_failed", err, zap.String("account_id", accountID.String()))
			return PushResult{}, newServiceError(opPush, "preferences_write_failed", err)
		}
		result.record(outcome, wire.KindPreferences, wire.PreferencesID)
	}

	for _, envelope := range request.Movements {
		if err := envelope.Validate(); err != nil {
			return PushResult{}, newServiceError(opPush, "invalid_envelope", err)
		}
		outcome, err := s.writeMovement(db, accountID, stampMissing(envelope, nowMs))
		if err != nil {
			s.logError(opPush, "movement_write_failed", err,
				zap.String("account_id", accountID.String()),
				zap.String("movement_id", envelope.ID()),
			)
			return PushResult{}, newServiceError(opPush, "movement_write_failed", err)
		}
		result.record(outcome, wire.KindMovement, envelope.ID())
	}

	for _, envelope := range request.PrEntries {
		if err := envelope.Validate(); err != nil {
			return PushResult{}, newServiceError(opPush, "invalid_envelope", err)
		}
		outcome, err := s.writePrEntry(db, accountID, stampMissing(envelope, nowMs))
		if err != nil {
			s.logError(opPush, "pr_entry_write_failed", err,
				zap.String("account_id", accountID.String()),
				zap.String("pr_entry_id", envelope.ID()),
			)
			return PushResult{}, newServiceError(opPush, "pr_entry_write_failed", err)
		}
		result.record(outcome, wire.KindPrEntry, envelope.ID())
	}

	if len(result.Rejected) > 0 {
		s.loggerOrDefault().Warn("push envelopes rejected",
			zap.String("account_id", accountID.String()),
			zap.Int("rejected", len(result.Rejected)),
		)
	}
	return result, nil
}

// Pull returns the preferences record when one exists and every movement and
// PR entry of the account with updatedAtMs > sinceMs, ordered by
// (updatedAtMs, id) ascending. Soft-deleted rows are included.
func (s *Service) Pull(ctx context.Context, accountID AccountID, sinceMs int64) (PullResult, error) {
	if s == nil || s.db == nil {
		return PullResult{}, newServiceError(opPull, "missing_database", errMissingDatabase)
	}
	if accountID == "" {
		return PullResult{}, newServiceError(opPull, "missing_account", errMissingAccount)
	}
	if sinceMs < 0 {
		sinceMs = 0
	}

	result := PullResult{
		ServerTime: s.clock().UTC(),
		Movements:  []wire.PayloadEnvelope{},
		PrEntries:  []wire.PayloadEnvelope{},
	}
	db := s.db.WithContext(ctx)

	var preferences Preferences
	err := db.Where("account_id = ?", accountID.String()).Take(&preferences).Error
	switch {
	case err == nil:
		envelope := toEnvelope(wire.PreferencesID, preferences.ValueJSON, preferences.UpdatedAtMs, preferences.DeletedAtMs)
		result.Preferences = &envelope
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logError(opPull, "preferences_select_failed", err, zap.String("account_id", accountID.String()))
		return PullResult{}, newServiceError(opPull, "preferences_select_failed", err)
	}

	var movements []Movement
	err = db.Where("account_id = ? AND updated_at_ms > ?", accountID.String(), sinceMs).
		Order("updated_at_ms ASC").
		Order("id ASC").
		Find(&movements).
		Error
	if err != nil {
		s.logError(opPull, "movements_select_failed", err, zap.String("account_id", accountID.String()))
		return PullResult{}, newServiceError(opPull, "movements_select_failed", err)
	}
	for _, movement := range movements {
		result.Movements = append(result.Movements, toEnvelope(movement.ID, movement.ValueJSON, movement.UpdatedAtMs, movement.DeletedAtMs))
	}

	var entries []PrEntry
	err = db.Where("account_id = ? AND updated_at_ms > ?", accountID.String(), sinceMs).
		Order("updated_at_ms ASC").
		Order("id ASC").
		Find(&entries).
		Error
	if err != nil {
		s.logError(opPull, "pr_entries_select_failed", err, zap.String("account_id", accountID.String()))
		return PullResult{}, newServiceError(opPull, "pr_entries_select_failed", err)
	}
	for _, entry := range entries {
		result.PrEntries = append(result.PrEntries, toEnvelope(entry.ID, entry.ValueJSON, entry.UpdatedAtMs, entry.DeletedAtMs))
	}

	return result, nil
}

func (s *Service) writePreferences(db *gorm.DB, accountID AccountID, envelope wire.PayloadEnvelope) (writeOutcome, error) {
	row := Preferences{
		AccountID:   accountID.String(),
		ValueJSON:   payloadText(envelope),
		UpdatedAtMs: envelope.UpdatedAtMs(),
		DeletedAtMs: envelope.DeletedAtPtr(),
	}
	guard := fmt.Sprintf("%s.updated_at_ms < excluded.updated_at_ms", preferencesTable)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns(assignedColumns(envelope)),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: guard}}},
	}).Create(&row)
	if result.Error != nil {
		return outcomeStale, result.Error
	}
	if result.RowsAffected == 0 {
		return outcomeStale, nil
	}
	return outcomeStored, nil
}

func (s *Service) writeMovement(db *gorm.DB, accountID AccountID, envelope wire.PayloadEnvelope) (writeOutcome, error) {
	row := Movement{
		ID:          envelope.ID(),
		AccountID:   accountID.String(),
		ValueJSON:   payloadText(envelope),
		UpdatedAtMs: envelope.UpdatedAtMs(),
		DeletedAtMs: envelope.DeletedAtPtr(),
	}
	return s.upsertOwned(db, movementsTable, &row, envelope.ID(), accountID, assignedColumns(envelope))
}

func (s *Service) writePrEntry(db *gorm.DB, accountID AccountID, envelope wire.PayloadEnvelope) (writeOutcome, error) {
	row := PrEntry{
		ID:          envelope.ID(),
		AccountID:   accountID.String(),
		MovementID:  payloadMovementID(envelope),
		ValueJSON:   payloadText(envelope),
		UpdatedAtMs: envelope.UpdatedAtMs(),
		DeletedAtMs: envelope.DeletedAtPtr(),
	}
	columns := assignedColumns(envelope)
	if row.MovementID != nil {
		columns = append(columns, "movement_id")
	}
	return s.upsertOwned(db, prEntriesTable, &row, envelope.ID(), accountID, columns)
}

// upsertOwned inserts row or overwrites the stored row when the incoming
// timestamp is newer and the row belongs to accountID. When nothing changed
// it re-reads the owner to tell a stale write from a cross-account collision.
func (s *Service) upsertOwned(db *gorm.DB, table string, row interface{}, id string, accountID AccountID, columns []string) (writeOutcome, error) {
	guard := fmt.Sprintf("%[1]s.updated_at_ms < excluded.updated_at_ms AND %[1]s.account_id = excluded.account_id", table)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: guard}}},
	}).Create(row)
	if result.Error != nil {
		return outcomeStale, result.Error
	}
	if result.RowsAffected > 0 {
		return outcomeStored, nil
	}

	var owners []string
	if err := db.Table(table).Where("id = ?", id).Pluck("account_id", &owners).Error; err != nil {
		return outcomeStale, err
	}
	if len(owners) > 0 && owners[0] != accountID.String() {
		s.loggerOrDefault().Warn("push envelope collides with another account",
			zap.String("table", table),
			zap.String("id", id),
			zap.String("account_id", accountID.String()),
		)
		return outcomeTenantConflict, nil
	}
	return outcomeStale, nil
}

func (r *PushResult) record(outcome writeOutcome, kind, id string) {
	switch outcome {
	case outcomeStored:
		r.Accepted++
	case outcomeTenantConflict:
		r.Rejected = append(r.Rejected, wire.Rejection{Kind: kind, ID: id, Reason: wire.ReasonTenantConflict})
	}
}

// A tombstone only moves the timestamps; the last known payload is kept.
func assignedColumns(envelope wire.PayloadEnvelope) []string {
	if envelope.IsTombstone() {
		return []string{"updated_at_ms", "deleted_at_ms"}
	}
	return []string{"value_json", "updated_at_ms", "deleted_at_ms"}
}

func stampMissing(envelope wire.PayloadEnvelope, nowMs int64) wire.PayloadEnvelope {
	if envelope.UpdatedAtMs() > 0 {
		return envelope
	}
	return envelope.WithUpdatedAt(nowMs)
}

func payloadText(envelope wire.PayloadEnvelope) *string {
	value, ok := envelope.Value()
	if !ok || len(value) == 0 || string(value) == "null" {
		return nil
	}
	text := string(value)
	return &text
}

func payloadMovementID(envelope wire.PayloadEnvelope) *string {
	value, ok := envelope.Value()
	if !ok {
		return nil
	}
	var payload struct {
		MovementID string `json:"movementId"`
	}
	if err := json.Unmarshal(value, &payload); err != nil {
		return nil
	}
	movementID := strings.TrimSpace(payload.MovementID)
	if movementID == "" {
		return nil
	}
	return &movementID
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.loggerOrDefault()
	baseFields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		baseFields = append(baseFields, zap.Error(err))
	}
	logger.Error("lifts service failure", append(baseFields, fields...)...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
