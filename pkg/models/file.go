package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type FileType string

const (
	SQLFileType   FileType = "sql"
	DBMLFileType  FileType = "dbml"
	TableFileType FileType = "table"
)

func (t FileType) Valid() bool {
	return t == SQLFileType || t == DBMLFileType || t == TableFileType
}

// File holds the content a workflow step evaluates.
type File struct {
	ID         string    `json:"id" db:"id"`
	DatabaseID string    `json:"databaseId" db:"database_id"`
	Name       string    `json:"name" db:"name"`
	Type       FileType  `json:"type" db:"type"`
	Content    string    `json:"content" db:"content"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

func NewFile(databaseID, name string, t FileType, content string) File {
	now := time.Now().UTC()
	return File{
		ID:         uuid.NewString(),
		DatabaseID: databaseID,
		Name:       name,
		Type:       t,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Blank reports whether the content is empty or whitespace only.
func (f File) Blank() bool {
	return strings.TrimSpace(f.Content) == ""
}
