package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"web3university/pkg/domain"
)

const checkpointRowID int64 = 1

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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&UserModel{}, &CourseModel{}, &PurchaseModel{},
		&CheckpointModel{}, &ChainEventModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// UpsertUser registers a user or refreshes their signature and nickname.
func (s *GormStore) UpsertUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_signature", "nickname", "updated_at"}),
	}).Create(&model).Error
}

// GetUser looks up a user by canonical address.
func (s *GormStore) GetUser(address string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "address = ?", domain.NormalizeAddress(address)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateNickname changes the nickname of an existing user.
func (s *GormStore) UpdateNickname(address, nickname string) error {
	res := s.db.Model(&UserModel{}).
		Where("address = ?", domain.NormalizeAddress(address)).
		Updates(map[string]any{
			"nickname":   nickname,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCourse stores or replaces course metadata.
func (s *GormStore) SaveCourse(c domain.Course) error {
	model := courseToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "cover", "description", "content", "price"}),
	}).Create(&model).Error
}

// GetCourse retrieves one course with protected content.
func (s *GormStore) GetCourse(id string) (domain.Course, bool, error) {
	var model CourseModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Course{}, false, nil
		}
		return domain.Course{}, false, err
	}
	return courseFromModel(model), true, nil
}

// ListCourses returns all courses ordered by created_at.
func (s *GormStore) ListCourses() ([]domain.Course, error) {
	var models []CourseModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return coursesFromModels(models), nil
}

// ListCoursesByBuyer returns the courses the address has purchased.
func (s *GormStore) ListCoursesByBuyer(address string) ([]domain.Course, error) {
	var models []CourseModel
	err := s.db.
		Joins("INNER JOIN purchase_models p ON p.course_id = course_models.id").
		Where("p.buyer = ?", domain.NormalizeAddress(address)).
		Order("course_models.created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return coursesFromModels(models), nil
}

// UpsertPurchase inserts the record unless the (course_id, buyer) pair
// already exists. Re-delivered ledger events land here as applied=false
// without touching the existing row.
func (s *GormStore) UpsertPurchase(r domain.PurchaseRecord) (bool, error) {
	model := purchaseToModel(r)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "buyer"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetPurchase looks up one purchase record.
func (s *GormStore) GetPurchase(courseID, buyer string) (domain.PurchaseRecord, bool, error) {
	var model PurchaseModel
	err := s.db.First(&model, "course_id = ? AND buyer = ?", courseID, domain.NormalizeAddress(buyer)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.PurchaseRecord{}, false, nil
		}
		return domain.PurchaseRecord{}, false, err
	}
	return purchaseFromModel(model), true, nil
}

// ListPurchasesByBuyer returns all purchases of an address.
func (s *GormStore) ListPurchasesByBuyer(address string) ([]domain.PurchaseRecord, error) {
	var models []PurchaseModel
	if err := s.db.Where("buyer = ?", domain.NormalizeAddress(address)).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.PurchaseRecord, 0, len(models))
	for _, m := range models {
		res = append(res, purchaseFromModel(m))
	}
	return res, nil
}

// SaveCheckpoint persists the ingest watermark.
func (s *GormStore) SaveCheckpoint(cp domain.Checkpoint) error {
	model := CheckpointModel{
		ID:          checkpointRowID,
		BlockNumber: cp.BlockNumber,
		EventID:     cp.EventID,
		UpdatedAt:   time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "event_id", "updated_at"}),
	}).Create(&model).Error
}

// GetCheckpoint loads the ingest watermark.
func (s *GormStore) GetCheckpoint() (domain.Checkpoint, bool, error) {
	var model CheckpointModel
	if err := s.db.First(&model, "id = ?", checkpointRowID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, err
	}
	return domain.Checkpoint{
		BlockNumber: model.BlockNumber,
		EventID:     model.EventID,
		UpdatedAt:   model.UpdatedAt,
	}, true, nil
}

// RecordEvent keeps the raw ledger payload for audit; duplicate event
// IDs are ignored.
func (s *GormStore) RecordEvent(eventID string, blockNumber uint64, payload []byte) error {
	model := ChainEventModel{
		EventID:     eventID,
		BlockNumber: blockNumber,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

func userToModel(u domain.User) UserModel {
	now := time.Now().UTC()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return UserModel{
		Address:       domain.NormalizeAddress(u.Address),
		LastSignature: u.LastSignature,
		Nickname:      u.Nickname,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		Address:       m.Address,
		LastSignature: m.LastSignature,
		Nickname:      m.Nickname,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func courseToModel(c domain.Course) CourseModel {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return CourseModel{
		ID:          c.ID,
		Author:      domain.NormalizeAddress(c.Author),
		Title:       c.Title,
		Cover:       c.Cover,
		Description: c.Description,
		Content:     c.Content,
		Price:       c.Price,
		CreatedAt:   createdAt,
	}
}

func courseFromModel(m CourseModel) domain.Course {
	return domain.Course{
		ID:          m.ID,
		Author:      m.Author,
		Title:       m.Title,
		Cover:       m.Cover,
		Description: m.Description,
		Content:     m.Content,
		Price:       m.Price,
		CreatedAt:   m.CreatedAt,
	}
}

func coursesFromModels(models []CourseModel) []domain.Course {
	res := make([]domain.Course, 0, len(models))
	for _, m := range models {
		res = append(res, courseFromModel(m))
	}
	return res
}

func purchaseToModel(r domain.PurchaseRecord) PurchaseModel {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return PurchaseModel{
		CourseID:    r.CourseID,
		Buyer:       domain.NormalizeAddress(r.Buyer),
		PriceYD:     r.PriceYD,
		EventID:     r.EventID,
		BlockNumber: r.BlockNumber,
		CreatedAt:   createdAt,
	}
}

func purchaseFromModel(m PurchaseModel) domain.PurchaseRecord {
	return domain.PurchaseRecord{
		CourseID:    m.CourseID,
		Buyer:       m.Buyer,
		PriceYD:     m.PriceYD,
		EventID:     m.EventID,
		BlockNumber: m.BlockNumber,
		CreatedAt:   m.CreatedAt,
	}
}
