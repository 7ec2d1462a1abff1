package trees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTrees    = errors.New("at least one tree is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps unexpected store failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the `<operation>.<reason>` identifier of the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "trees.service.new"
	opUpsertTrees   = "trees.upsert_trees"
	opTreesByOwner  = "trees.trees_by_owner"
	opTreeOwner     = "trees.tree_owner"
	opCanRead       = "trees.can_read"
	opPullCards     = "trees.pull_cards"
	opApplyPush     = "trees.apply_push"
	fieldTreeID     = "tree_id"
	fieldCardID     = "card_id"
	fieldUserID     = "user_id"
	fieldCheckpoint = "checkpoint"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the tree store.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service is the tree store and delta engine. All card mutation flows through ApplyPush.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// UpsertResult reports the outcome of a tree upsert.
type UpsertResult struct {
	// EarliestUpdatedAt is the updatedAt of the written tree with the smallest createdAt.
	EarliestUpdatedAt int64
	// Owners lists the distinct owners of the written trees.
	Owners []string
	// Rejected lists the ids of trees the acting user may not write.
	Rejected []string
}

// Written reports whether at least one tree row was stored.
func (r UpsertResult) Written() bool {
	return len(r.Owners) > 0
}

// UpsertTrees writes every tree owned by userID as a whole row inside one
// transaction. Rows naming another owner, or replacing a tree stored under
// another owner, are skipped and reported in Rejected.
func (s *Service) UpsertTrees(ctx context.Context, userID string, trees []Tree) (UpsertResult, error) {
	if s.db == nil {
		s.logError(opUpsertTrees, reasonMissingDatabase, errMissingDatabase)
		return UpsertResult{}, newServiceError(opUpsertTrees, reasonMissingDatabase, errMissingDatabase)
	}
	actor, err := NewUserID(userID)
	if err != nil {
		return UpsertResult{}, newServiceError(opUpsertTrees, reasonInvalidInput, err)
	}
	if len(trees) == 0 {
		return UpsertResult{}, newServiceError(opUpsertTrees, reasonInvalidInput, errMissingTrees)
	}
	for _, tree := range trees {
		if _, err := NewTreeID(tree.ID); err != nil {
			return UpsertResult{}, newServiceError(opUpsertTrees, reasonInvalidInput, err)
		}
		if _, err := NewUserID(tree.Owner); err != nil {
			return UpsertResult{}, newServiceError(opUpsertTrees, reasonInvalidInput, err)
		}
	}

	var written []Tree
	var rejected []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range trees {
			tree := trees[index]
			if tree.Owner != actor.String() {
				rejected = append(rejected, tree.ID)
				continue
			}
			var stored Tree
			lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id", "owner").
				Where("id = ?", tree.ID).
				Take(&stored).Error
			switch {
			case lookupErr == nil && stored.Owner != actor.String():
				rejected = append(rejected, tree.ID)
				continue
			case lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound):
				s.logError(opUpsertTrees, reasonQueryFailed, lookupErr, zap.String(fieldTreeID, tree.ID))
				return newServiceError(opUpsertTrees, reasonQueryFailed, lookupErr)
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tree).Error; err != nil {
				s.logError(opUpsertTrees, reasonUpsertFailed, err, zap.String(fieldTreeID, tree.ID))
				return newServiceError(opUpsertTrees, reasonUpsertFailed, err)
			}
			written = append(written, tree)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	if len(rejected) > 0 {
		s.loggerOrDefault().Warn("tree upsert skipped foreign trees",
			zap.String(fieldUserID, actor.String()),
			zap.Strings("tree_ids", rejected))
	}
	if len(written) == 0 {
		return UpsertResult{Rejected: rejected}, nil
	}

	ordered := append([]Tree(nil), written...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAtMillis < ordered[j].CreatedAtMillis
	})

	return UpsertResult{
		EarliestUpdatedAt: ordered[0].UpdatedAtMillis,
		Owners:            []string{actor.String()},
		Rejected:          rejected,
	}, nil
}

// TreesByOwner lists every tree owned by the user.
func (s *Service) TreesByOwner(ctx context.Context, owner string) ([]Tree, error) {
	if s.db == nil {
		s.logError(opTreesByOwner, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opTreesByOwner, reasonMissingDatabase, errMissingDatabase)
	}
	var trees []Tree
	if err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at_ms ASC").
		Find(&trees).Error; err != nil {
		s.logError(opTreesByOwner, reasonQueryFailed, err, zap.String(fieldUserID, owner))
		return nil, newServiceError(opTreesByOwner, reasonQueryFailed, err)
	}
	return trees, nil
}

// TreeOwner returns the owner of a tree, or an empty string when the tree is unknown.
func (s *Service) TreeOwner(ctx context.Context, treeID string) (string, error) {
	if s.db == nil {
		s.logError(opTreeOwner, reasonMissingDatabase, errMissingDatabase)
		return "", newServiceError(opTreeOwner, reasonMissingDatabase, errMissingDatabase)
	}
	var tree Tree
	err := s.db.WithContext(ctx).Select("owner").Where("id = ?", treeID).Take(&tree).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logError(opTreeOwner, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
		return "", newServiceError(opTreeOwner, reasonQueryFailed, err)
	}
	return tree.Owner, nil
}

// CanRead reports whether the user owns the tree or is listed among its
// collaborators. Unknown trees are not readable.
func (s *Service) CanRead(ctx context.Context, treeID string, userID string) (bool, error) {
	if s.db == nil {
		s.logError(opCanRead, reasonMissingDatabase, errMissingDatabase)
		return false, newServiceError(opCanRead, reasonMissingDatabase, errMissingDatabase)
	}
	var tree Tree
	err := s.db.WithContext(ctx).Select("owner", "collaborators").Where("id = ?", treeID).Take(&tree).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opCanRead, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
		return false, newServiceError(opCanRead, reasonQueryFailed, err)
	}
	if tree.Owner == userID {
		return true, nil
	}
	return listsCollaborator(tree.Collaborators, userID), nil
}

// listsCollaborator accepts either plain ids or objects carrying an id or email.
func listsCollaborator(raw []byte, userID string) bool {
	if len(raw) == 0 || userID == "" {
		return false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false
	}
	for _, entry := range entries {
		var plain string
		if json.Unmarshal(entry, &plain) == nil {
			if plain == userID {
				return true
			}
			continue
		}
		var described struct {
			ID     string `json:"id"`
			UserID string `json:"userId"`
			Email  string `json:"email"`
		}
		if json.Unmarshal(entry, &described) == nil &&
			(described.ID == userID || described.UserID == userID || described.Email == userID) {
			return true
		}
	}
	return false
}

// PullCards returns the cards a client needs to catch up from checkpoint.
// CheckpointAll yields every undeleted card; any other token yields cards
// (deleted or not) whose updatedAt sorts after it. Results ascend by updatedAt.
func (s *Service) PullCards(ctx context.Context, treeID string, checkpoint string) ([]Card, error) {
	if s.db == nil {
		s.logError(opPullCards, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opPullCards, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Where("tree_id = ?", treeID)
	if checkpoint == CheckpointAll {
		query = query.Where("deleted = ?", false)
	} else {
		query = query.Where("updated_at > ?", checkpoint)
	}
	var cards []Card
	if err := query.Order("updated_at ASC").Order("id ASC").Find(&cards).Error; err != nil {
		s.logError(opPullCards, reasonQueryFailed, err,
			zap.String(fieldTreeID, treeID),
			zap.String(fieldCheckpoint, checkpoint))
		return nil, newServiceError(opPullCards, reasonQueryFailed, err)
	}
	return cards, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("trees service error", attrs...)
}
