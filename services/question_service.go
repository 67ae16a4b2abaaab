package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"productquiz/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrInvalidInput marks a request rejected at the boundary; nothing was persisted.
	ErrInvalidInput = errors.New("invalid question data")
	// ErrQuestionNotFound marks an operation on an id with no persisted question.
	ErrQuestionNotFound = errors.New("question not found")
)

const (
	questionListCacheKey = "questions:all"
	questionListGenKey   = "questions:gen"
	questionListCacheTTL = 5 * time.Minute
)

type QuestionService struct {
	db    *gorm.DB
	cache *redis.Client
	log   *zap.Logger
}

// NewQuestionService builds a service around an injected DB handle. The cache
// client is optional; a nil client disables list caching.
func NewQuestionService(db *gorm.DB, cache *redis.Client, log *zap.Logger) *QuestionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuestionService{db: db, cache: cache, log: log}
}

type OptionInput struct {
	Text       string   `json:"text"`
	ProductIDs []string `json:"productIds"`
}

type QuestionInput struct {
	Text    string        `json:"text"`
	Type    string        `json:"type"`
	Options []OptionInput `json:"options"`
}

// validate applies the boundary rules shared by Create and Replace: text and
// type are required, type must be a recognized value, and options must have
// been an actual JSON array (absent and null both decode to nil). Individual
// option entries are deliberately not validated.
func (in *QuestionInput) validate() error {
	if in.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	if in.Type != models.QuestionTypeSingle && in.Type != models.QuestionTypeMultiple {
		return fmt.Errorf("%w: unknown question type %q", ErrInvalidInput, in.Type)
	}
	if in.Options == nil {
		return fmt.Errorf("%w: options must be an array", ErrInvalidInput)
	}
	return nil
}

func (s *QuestionService) ListQuestions(ctx context.Context) ([]models.Question, error) {
	if cached, ok := s.cachedList(ctx); ok {
		return cached, nil
	}

	// Sample the write generation before reading the DB: a fill is only
	// valid for the generation its snapshot was taken under.
	gen, genOK := s.listGeneration(ctx)

	questions := make([]models.Question, 0)
	err := s.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("options.position")
		}).
		Order("created_at").
		Find(&questions).Error
	if err != nil {
		s.log.Error("list questions failed", zap.Error(err))
		return nil, fmt.Errorf("list questions: %w", err)
	}

	for i := range questions {
		normalizeQuestion(&questions[i])
	}

	if genOK {
		s.storeList(ctx, questions, gen)
	}
	return questions, nil
}

func (s *QuestionService) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	var question models.Question
	err := s.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("options.position")
		}).
		First(&question, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		s.log.Error("get question failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("get question: %w", err)
	}

	normalizeQuestion(&question)
	return &question, nil
}

// CreateQuestion persists a question and its options as one transaction and
// returns the stored entity.
func (s *QuestionService) CreateQuestion(ctx context.Context, in *QuestionInput) (*models.Question, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	question := models.Question{
		Text: in.Text,
		Type: in.Type,
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.Create(&question).Error; err != nil {
		tx.Rollback()
		s.log.Error("create question failed", zap.Error(err))
		return nil, fmt.Errorf("create question: %w", err)
	}

	if err := createOptions(tx, question.ID, in.Options); err != nil {
		tx.Rollback()
		s.log.Error("create question options failed", zap.String("id", question.ID), zap.Error(err))
		return nil, fmt.Errorf("create question: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		s.log.Error("create question commit failed", zap.Error(err))
		return nil, fmt.Errorf("create question: %w", err)
	}

	s.invalidateList(ctx)
	return s.GetQuestion(ctx, question.ID)
}

// ReplaceQuestion updates text/type and swaps the entire option set in a
// single transaction, so readers see either the old generation or the new
// one, never a mix.
func (s *QuestionService) ReplaceQuestion(ctx context.Context, id string, in *QuestionInput) (*models.Question, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	// Lookup inside the transaction, so a concurrent delete cannot slip in
	// between the existence check and the write.
	var question models.Question
	err := tx.First(&question, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		tx.Rollback()
		s.log.Error("replace question lookup failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("replace question: %w", err)
	}

	// Full replace: the previous option set is discarded wholesale.
	if err := tx.Where("question_id = ?", id).Delete(&models.Option{}).Error; err != nil {
		tx.Rollback()
		s.log.Error("replace question delete options failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("replace question: %w", err)
	}

	question.Text = in.Text
	question.Type = in.Type
	if err := tx.Save(&question).Error; err != nil {
		tx.Rollback()
		s.log.Error("replace question update failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("replace question: %w", err)
	}

	if err := createOptions(tx, id, in.Options); err != nil {
		tx.Rollback()
		s.log.Error("replace question options failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("replace question: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		s.log.Error("replace question commit failed", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("replace question: %w", err)
	}

	s.invalidateList(ctx)
	return s.GetQuestion(ctx, id)
}

// DeleteQuestion removes the question and its options atomically. The cascade
// constraint on the relation is the backstop; the explicit two-step delete
// keeps the store authoritative even on backends without enforced FKs.
func (s *QuestionService) DeleteQuestion(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var question models.Question
	err := tx.First(&question, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return ErrQuestionNotFound
	}
	if err != nil {
		tx.Rollback()
		s.log.Error("delete question lookup failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete question: %w", err)
	}

	if err := tx.Where("question_id = ?", id).Delete(&models.Option{}).Error; err != nil {
		tx.Rollback()
		s.log.Error("delete question options failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete question: %w", err)
	}

	if err := tx.Delete(&models.Question{}, "id = ?", id).Error; err != nil {
		tx.Rollback()
		s.log.Error("delete question failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete question: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		s.log.Error("delete question commit failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete question: %w", err)
	}

	s.invalidateList(ctx)
	return nil
}

func createOptions(tx *gorm.DB, questionID string, inputs []OptionInput) error {
	for i, optIn := range inputs {
		productIDs := optIn.ProductIDs
		if productIDs == nil {
			productIDs = []string{}
		}
		option := models.Option{
			QuestionID: questionID,
			Text:       optIn.Text,
			ProductIDs: datatypes.JSONSlice[string](productIDs),
			Position:   i,
		}
		if err := tx.Create(&option).Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeQuestion keeps JSON shapes stable: a question always serializes
// with an options array and every option with a productIds array.
func normalizeQuestion(q *models.Question) {
	if q.Options == nil {
		q.Options = []models.Option{}
	}
	for i := range q.Options {
		if q.Options[i].ProductIDs == nil {
			q.Options[i].ProductIDs = datatypes.JSONSlice[string]{}
		}
	}
}

func (s *QuestionService) cachedList(ctx context.Context) ([]models.Question, bool) {
	if s.cache == nil {
		return nil, false
	}
	payload, err := s.cache.Get(ctx, questionListCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.log.Warn("question list cache read failed", zap.Error(err))
		return nil, false
	}
	var questions []models.Question
	if err := json.Unmarshal(payload, &questions); err != nil {
		s.log.Warn("question list cache decode failed", zap.Error(err))
		return nil, false
	}
	return questions, true
}

// listGeneration reads the current write-generation counter. A missing
// counter (fresh cache) reads as the empty generation.
func (s *QuestionService) listGeneration(ctx context.Context) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	gen, err := s.cache.Get(ctx, questionListGenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		s.log.Warn("question list generation read failed", zap.Error(err))
		return "", false
	}
	return gen, true
}

// storeList fills the list cache, but only if no mutation has bumped the
// generation since the DB snapshot was taken. Without the guard a slow reader
// could overwrite a mutation's invalidation with pre-write data and serve the
// old generation until the TTL expired.
func (s *QuestionService) storeList(ctx context.Context, questions []models.Question, gen string) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(questions)
	if err != nil {
		s.log.Warn("question list cache encode failed", zap.Error(err))
		return
	}
	err = s.cache.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, questionListGenKey).Result()
		if errors.Is(err, redis.Nil) {
			cur = ""
		} else if err != nil {
			return err
		}
		if cur != gen {
			// A write landed after our snapshot; the fill is stale.
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, questionListCacheKey, payload, questionListCacheTTL)
			return nil
		})
		return err
	}, questionListGenKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		s.log.Warn("question list cache write failed", zap.Error(err))
	}
}

func (s *QuestionService) invalidateList(ctx context.Context) {
	if s.cache == nil {
		return
	}
	pipe := s.cache.TxPipeline()
	pipe.Incr(ctx, questionListGenKey)
	pipe.Del(ctx, questionListCacheKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("question list cache invalidation failed", zap.Error(err))
	}
}
