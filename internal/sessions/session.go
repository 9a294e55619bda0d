package sessions

import (
	"time"

	"gorm.io/gorm"

	"github.com/dcrodman/tapserver/internal/core/client"
)

// Session is the record of one finished client connection.
type Session struct {
	ID             uint64 `gorm:"primaryKey"`
	RemoteAddr     string `gorm:"index; not null"`
	ConnectedAt    time.Time
	DisconnectedAt time.Time `gorm:"index"`
	FramesIn       uint64
	FramesOut      uint64
	BytesIn        uint64
	BytesOut       uint64
	Dropped        uint64
	Reason         string
	ErrClass       string
}

func fromSummary(s client.Summary) *Session {
	return &Session{
		RemoteAddr:     s.RemoteAddr,
		ConnectedAt:    s.ConnectedAt,
		DisconnectedAt: s.DisconnectedAt,
		FramesIn:       s.FramesIn,
		FramesOut:      s.FramesOut,
		BytesIn:        s.BytesIn,
		BytesOut:       s.BytesOut,
		Dropped:        s.Dropped,
		Reason:         s.Reason,
		ErrClass:       s.ErrClass,
	}
}

func CreateSession(db *gorm.DB, session *Session) error {
	return db.Create(session).Error
}

// FindRecentSessions returns up to limit sessions, most recently ended first.
func FindRecentSessions(db *gorm.DB, limit int) ([]Session, error) {
	var sessions []Session
	err := db.Order("disconnected_at desc").Order("id desc").Limit(limit).Find(&sessions).Error
	return sessions, err
}

// FindSessionsByAddr returns every session of a remote host:port address.
func FindSessionsByAddr(db *gorm.DB, remoteAddr string) ([]Session, error) {
	var sessions []Session
	err := db.Where("remote_addr = ?", remoteAddr).Order("id").Find(&sessions).Error
	return sessions, err
}
