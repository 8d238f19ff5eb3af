package stubserver

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Storage mirrors the chat slice of the original backend's schema, just
// enough for the client to run against.

type Chat struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id_chat"`
	Title            string    `gorm:"type:varchar(200)" json:"titulo"`
	ExchangeComplete bool      `json:"estado_intercambio"`
	CreatedAt        time.Time `json:"fecha_inicio"`
}

func (Chat) TableName() string { return "chats" }

type Participant struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    int64  `gorm:"index:uniq_chat_student,unique,priority:1;not null" json:"chat"`
	StudentID int64  `gorm:"index:uniq_chat_student,unique,priority:2;not null" json:"estudiante"`
	Role      string `gorm:"type:varchar(20);not null" json:"rol"`
	Rated     bool   `json:"calificado"`
}

func (Participant) TableName() string { return "chat_participants" }

const (
	RoleAuthor   = "autor"
	RoleReceiver = "receptor"
)

type Message struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id_mensaje"`
	ChatID    int64     `gorm:"index;not null" json:"chat"`
	StudentID int64     `gorm:"not null" json:"estudiante"`
	Text      string    `gorm:"type:text;not null" json:"texto"`
	CreatedAt time.Time `json:"fecha"`

	AuthorAlias string `gorm:"-" json:"autor_alias"`
}

func (Message) TableName() string { return "messages" }

type ChatRating struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id_calificacion"`
	ChatID    int64     `gorm:"index:uniq_chat_rater,unique,priority:1;not null" json:"chat"`
	RaterID   int64     `gorm:"index:uniq_chat_rater,unique,priority:2;not null" json:"evaluador"`
	Score     int       `gorm:"not null" json:"puntaje"`
	Comment   string    `gorm:"type:text" json:"comentario"`
	CreatedAt time.Time `json:"fecha"`
}

func (ChatRating) TableName() string { return "chat_ratings" }

type Profile struct {
	StudentID int64  `gorm:"primaryKey" json:"estudiante"`
	Alias     string `gorm:"type:varchar(15)" json:"alias"`
}

func (Profile) TableName() string { return "profiles" }

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Chat{}, &Participant{}, &Message{}, &ChatRating{}, &Profile{})
}

func (r *Repo) CreateChat(ctx context.Context, title string, authorID, receiverID int64) (*Chat, error) {
	chat := &Chat{Title: title}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		if err := tx.Create(&Participant{ChatID: chat.ID, StudentID: authorID, Role: RoleAuthor}).Error; err != nil {
			return err
		}
		return tx.Create(&Participant{ChatID: chat.ID, StudentID: receiverID, Role: RoleReceiver}).Error
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (r *Repo) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := r.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *Repo) Participants(ctx context.Context, chatID int64) ([]Participant, error) {
	var ps []Participant
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&ps).Error; err != nil {
		return nil, err
	}
	return ps, nil
}

func (r *Repo) Participant(ctx context.Context, chatID, studentID int64) (*Participant, error) {
	var p Participant
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND student_id = ?", chatID, studentID).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListMessages returns the thread in creation order, aliases resolved.
func (r *Repo) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].AuthorAlias = r.aliasOf(ctx, msgs[i].StudentID)
	}
	return msgs, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	m.AuthorAlias = r.aliasOf(ctx, m.StudentID)
	return nil
}

func (r *Repo) CompleteExchange(ctx context.Context, chatID int64) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", chatID).
		Update("exchange_complete", true).Error
}

func (r *Repo) InsertRating(ctx context.Context, rating *ChatRating) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rating).Error; err != nil {
			return err
		}
		return tx.Model(&Participant{}).
			Where("chat_id = ? AND student_id = ?", rating.ChatID, rating.RaterID).
			Update("rated", true).Error
	})
}

func (r *Repo) HasRated(ctx context.Context, chatID, raterID int64) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&ChatRating{}).
		Where("chat_id = ? AND rater_id = ?", chatID, raterID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) UpsertProfile(ctx context.Context, studentID int64, alias string) error {
	p := Profile{StudentID: studentID, Alias: alias}
	return r.db.WithContext(ctx).Save(&p).Error
}

func (r *Repo) aliasOf(ctx context.Context, studentID int64) string {
	var p Profile
	if err := r.db.WithContext(ctx).First(&p, "student_id = ?", studentID).Error; err != nil {
		return ""
	}
	return p.Alias
}
