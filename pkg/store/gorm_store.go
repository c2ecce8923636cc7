package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

const migrateLockID int64 = 82571101

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&DocumentModel{},
			&ConversationModel{},
			&MessageModel{},
			&SummaryModel{},
			&BulkAnswersModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser registers a user.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("lower(email) = ?", strings.ToLower(email)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns every account, oldest first.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UpsertDocument inserts or refreshes (userId, fingerprint). uploaded_at is
// only written on insert.
func (s *GormStore) UpsertDocument(ctx context.Context, d domain.Document) (domain.Document, error) {
	model := documentToModel(d)
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "size", "upload_timestamp", "storage_key", "last_accessed_at"}),
	}).Create(&model).Error; err != nil {
		return domain.Document{}, err
	}
	stored, ok, err := s.GetDocument(ctx, d.UserID, d.Fingerprint)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return stored, nil
}

func (s *GormStore) GetDocument(ctx context.Context, userID, fingerprint string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND fingerprint = ?", userID, fingerprint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocuments returns the user's documents, most recently accessed first.
func (s *GormStore) ListDocuments(ctx context.Context, userID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("last_accessed_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// AppendMessage creates the conversation on first message, then appends
// under a row lock so concurrent writers get consecutive sequence numbers.
func (s *GormStore) AppendMessage(ctx context.Context, userID string, ref domain.ConversationRef, msg domain.Message) (domain.Conversation, error) {
	var result domain.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		candidate := ConversationModel{
			ID:                  util.NewID(),
			ConversationID:      ref.ConversationID,
			UserID:              userID,
			DocumentID:          ref.DocumentID,
			DocumentName:        ref.DocumentName,
			DocumentFingerprint: ref.DocumentFingerprint,
			UploadTimestamp:     ref.UploadTimestamp,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
			DoNothing: true,
		}).Create(&candidate).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		var model ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND conversation_id = ?", userID, ref.ConversationID).
			First(&model).Error; err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}
		row := messageToModel(model.ID, model.MessageCount, msg)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		model.MessageCount++
		model.UpdatedAt = now
		if err := tx.Model(&ConversationModel{}).Where("id = ?", model.ID).Updates(map[string]any{
			"message_count": model.MessageCount,
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		convs, err := withMessages(tx, []ConversationModel{model})
		if err != nil {
			return err
		}
		result = convs[0]
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return result, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *GormStore) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]domain.Conversation, error) {
	db := s.db.WithContext(ctx)
	query := db.Where("user_id = ?", userID)
	if fp := strings.TrimSpace(filter.Fingerprint); fp != "" {
		query = query.Where("document_fingerprint = ?", fp)
	} else if id := strings.TrimSpace(filter.DocumentID); id != "" {
		query = query.Where("document_id = ?", id)
	}
	var models []ConversationModel
	if err := query.Order("updated_at DESC").Order("id ASC").
		Limit(filter.EffectiveLimit()).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return withMessages(db, models)
}

// GetConversation finds a conversation by row id or conversation id.
func (s *GormStore) GetConversation(ctx context.Context, userID, id string) (domain.Conversation, bool, error) {
	db := s.db.WithContext(ctx)
	var model ConversationModel
	if err := db.Where("user_id = ? AND (id = ? OR conversation_id = ?)", userID, id, id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	convs, err := withMessages(db, []ConversationModel{model})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return convs[0], true, nil
}

// DeleteConversation removes one conversation (messages cascade).
func (s *GormStore) DeleteConversation(ctx context.Context, userID, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND (id = ? OR conversation_id = ?)", userID, id, id).
		Delete(&ConversationModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteAllConversations removes every conversation of the user.
func (s *GormStore) DeleteAllConversations(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&ConversationModel{})
	return res.RowsAffected, res.Error
}

// UpsertSummary stores the summary of (userId, fingerprint).
func (s *GormStore) UpsertSummary(ctx context.Context, sum domain.Summary) (domain.Summary, error) {
	now := time.Now().UTC()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now
	}
	sum.UpdatedAt = now
	model := summaryToModel(sum)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"document_name", "content", "method", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.Summary{}, err
	}
	stored, ok, err := s.GetSummary(ctx, sum.UserID, sum.DocumentFingerprint)
	if err != nil {
		return domain.Summary{}, err
	}
	if !ok {
		return domain.Summary{}, ErrNotFound
	}
	return stored, nil
}

func (s *GormStore) GetSummary(ctx context.Context, userID, fingerprint string) (domain.Summary, bool, error) {
	var model SummaryModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND document_fingerprint = ?", userID, fingerprint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Summary{}, false, nil
		}
		return domain.Summary{}, false, err
	}
	return summaryFromModel(model), true, nil
}

// ListSummaries returns the user's summaries, newest first.
func (s *GormStore) ListSummaries(ctx context.Context, userID string) ([]domain.Summary, error) {
	var models []SummaryModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Summary, 0, len(models))
	for _, m := range models {
		res = append(res, summaryFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SaveBulkAnswers(ctx context.Context, b domain.BulkAnswers) error {
	raw, err := json.Marshal(b.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	now := time.Now().UTC()
	model := BulkAnswersModel{
		UserID:              b.UserID,
		DocumentFingerprint: b.DocumentFingerprint,
		Answers:             raw,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"answers", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetBulkAnswers(ctx context.Context, userID, fingerprint string) (domain.BulkAnswers, bool, error) {
	var model BulkAnswersModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND document_fingerprint = ?", userID, fingerprint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BulkAnswers{}, false, nil
		}
		return domain.BulkAnswers{}, false, err
	}
	var answers []domain.QuestionAnswer
	if len(model.Answers) > 0 {
		if err := json.Unmarshal(model.Answers, &answers); err != nil {
			return domain.BulkAnswers{}, false, fmt.Errorf("decode answers: %w", err)
		}
	}
	return domain.BulkAnswers{
		UserID:              model.UserID,
		DocumentFingerprint: model.DocumentFingerprint,
		Answers:             answers,
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
	}, true, nil
}

// withMessages loads the messages of models in one query, in append order.
func withMessages(db *gorm.DB, models []ConversationModel) ([]domain.Conversation, error) {
	out := make([]domain.Conversation, 0, len(models))
	if len(models) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var rows []MessageModel
	if err := db.Where("conversation_id IN ?", ids).
		Order("conversation_id ASC").Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	byConv := make(map[string][]domain.Message, len(models))
	for _, row := range rows {
		byConv[row.ConversationID] = append(byConv[row.ConversationID], messageFromModel(row))
	}
	for _, m := range models {
		conv := conversationFromModel(m)
		if msgs := byConv[m.ID]; msgs != nil {
			conv.Messages = msgs
		}
		out = append(out, conv)
	}
	return out, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		UserID:          d.UserID,
		Fingerprint:     d.Fingerprint,
		Name:            d.Name,
		Size:            d.Size,
		UploadTimestamp: d.UploadTimestamp,
		StorageKey:      d.StorageKey,
		UploadedAt:      d.UploadedAt,
		LastAccessedAt:  d.LastAccessedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		UserID:          m.UserID,
		Fingerprint:     m.Fingerprint,
		Name:            m.Name,
		Size:            m.Size,
		UploadTimestamp: m.UploadTimestamp,
		StorageKey:      m.StorageKey,
		UploadedAt:      m.UploadedAt,
		LastAccessedAt:  m.LastAccessedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:                  m.ID,
		ConversationID:      m.ConversationID,
		UserID:              m.UserID,
		DocumentID:          m.DocumentID,
		DocumentName:        m.DocumentName,
		DocumentFingerprint: m.DocumentFingerprint,
		UploadTimestamp:     m.UploadTimestamp,
		Messages:            []domain.Message{},
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func messageToModel(conversationID string, seq int, msg domain.Message) MessageModel {
	return MessageModel{
		ConversationID: conversationID,
		Seq:            seq,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Timestamp:      msg.Timestamp.UTC(),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		Role:      domain.MessageRole(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func summaryToModel(s domain.Summary) SummaryModel {
	return SummaryModel{
		UserID:              s.UserID,
		DocumentFingerprint: s.DocumentFingerprint,
		DocumentName:        s.DocumentName,
		Content:             s.Content,
		Method:              string(s.Method),
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func summaryFromModel(m SummaryModel) domain.Summary {
	return domain.Summary{
		UserID:              m.UserID,
		DocumentFingerprint: m.DocumentFingerprint,
		DocumentName:        m.DocumentName,
		Content:             m.Content,
		Method:              domain.SummaryMethod(m.Method),
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}
