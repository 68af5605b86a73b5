// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger records what each runbook session created, so stages run in
// separate invocations can pick up the outputs of earlier ones.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trainrun/pkg/logging"
	"trainrun/pkg/session"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a session or artifact does not exist.
	ErrNotFound = errors.New("not found in ledger")
	// ErrNotInSession is returned when an artifact was not produced by the
	// session that tries to use it.
	ErrNotInSession = errors.New("not recorded in this session")
)

// Kind is the type of a recorded artifact.
type Kind string

const (
	KindDataset    Kind = "dataset"
	KindWeights    Kind = "weights"
	KindImage      Kind = "image"
	KindSource     Kind = "source"
	KindFilesystem Kind = "filesystem"
	KindJob        Kind = "job"
)

const (
	StateActive  = "active"
	StateDeleted = "deleted"
)

// Session is one run of the runbook against an account and region.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Region    string    `gorm:"size:32;not null" json:"region"`
	Account   string    `gorm:"size:12;not null" json:"account"`
	Role      string    `json:"role"`
	Bucket    string    `json:"bucket"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// Artifact is something a stage produced: an object storage URI, an image
// reference, a filesystem id or a job name.
type Artifact struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	SessionID string     `gorm:"size:36;not null;index" json:"sessionId"`
	Kind      Kind       `gorm:"size:16;not null;index" json:"kind"`
	Ref       string     `gorm:"not null" json:"ref"`
	Detail    string     `json:"detail,omitempty"`
	State     string     `gorm:"size:16;default:'active'" json:"state"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Ledger is a SQLite-backed store of sessions and artifacts.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// DefaultPath is ~/.trainrun/ledger.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".trainrun", "ledger.db")
	}
	return filepath.Join(home, ".trainrun", "ledger.db")
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Session{}, &Artifact{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger %s: %w", path, err)
	}
	logging.Debug("Opened ledger %s", path)
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewSession starts a session for ident writing to bucket.
func (l *Ledger) NewSession(ident *session.Identity, bucket string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Region:    ident.Region,
		Account:   ident.Account,
		Role:      ident.Role,
		Bucket:    bucket,
		CreatedAt: l.now(),
	}
	if err := l.db.Create(s).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logging.Info("Started session %s", s.ID)
	return s, nil
}

// Session returns the session with the given id.
func (l *Ledger) Session(id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	var s Session
	if err := l.db.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, "session %s", id)
	}
	return &s, nil
}

// LatestSession returns the most recently started session.
func (l *Ledger) LatestSession() (*Session, error) {
	var s Session
	if err := l.db.Order("created_at desc").First(&s).Error; err != nil {
		return nil, notFound(err, "latest session")
	}
	return &s, nil
}

// Sessions lists all sessions, newest first.
func (l *Ledger) Sessions() ([]Session, error) {
	var all []Session
	if err := l.db.Order("created_at desc").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return all, nil
}

// Record stores an artifact produced in the session.
func (l *Ledger) Record(sessionID string, kind Kind, ref, detail string) (*Artifact, error) {
	if _, err := l.Session(sessionID); err != nil {
		return nil, err
	}
	a := &Artifact{
		SessionID: sessionID,
		Kind:      kind,
		Ref:       ref,
		Detail:    detail,
		State:     StateActive,
		CreatedAt: l.now(),
	}
	if err := l.db.Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to record %s %s: %w", kind, ref, err)
	}
	logging.Debug("Recorded %s %s in session %s", kind, ref, sessionID)
	return a, nil
}

// Latest returns the newest active artifact of kind in the session.
func (l *Ledger) Latest(sessionID string, kind Kind) (*Artifact, error) {
	var a Artifact
	err := l.db.
		Where("session_id = ? AND kind = ? AND state = ?", sessionID, kind, StateActive).
		Order("created_at desc").Order("id desc").
		First(&a).Error
	if err != nil {
		return nil, notFound(err, "%s in session %s", kind, sessionID)
	}
	return &a, nil
}

// Find returns the artifact of kind with ref in the session. An artifact
// recorded only in another session yields ErrNotInSession.
func (l *Ledger) Find(sessionID string, kind Kind, ref string) (*Artifact, error) {
	var a Artifact
	err := l.db.
		Where("session_id = ? AND kind = ? AND ref = ?", sessionID, kind, ref).
		Order("id desc").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, ErrNotInSession)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s %s: %w", kind, ref, err)
	}
	return &a, nil
}

// MarkDeleted marks a as deleted. It reports false when a was already deleted.
func (l *Ledger) MarkDeleted(a *Artifact) (bool, error) {
	if a.State == StateDeleted {
		return false, nil
	}
	now := l.now()
	err := l.db.Model(a).Updates(map[string]any{"state": StateDeleted, "deleted_at": now}).Error
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s deleted: %w", a.Kind, a.Ref, err)
	}
	a.State = StateDeleted
	a.DeletedAt = &now
	return true, nil
}

// Artifacts lists the artifacts of the session in recording order.
func (l *Ledger) Artifacts(sessionID string) ([]Artifact, error) {
	var all []Artifact
	if err := l.db.Where("session_id = ?", sessionID).Order("id").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to list artifacts of session %s: %w", sessionID, err)
	}
	return all, nil
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to look up %s: %w", what, err)
}
