// Пакет wal — файловый журнал намерений для операций хранилища каталога.
// Каждая транзакция — отдельный файл <tx_id>.wal.json в директории WAL.
// Журнал фиксирует, какие записи затрагивала операция, чтобы после сбоя
// сверка знала, где искать недописанное состояние.
package wal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpFileWrite — вставка или перезапись содержимого вместе с метаданными
	OpFileWrite OperationType = "file_write"
	// OpMetadataUpdate — замена метаданных (возможно, со сменой раздела)
	OpMetadataUpdate OperationType = "metadata_update"
	// OpFileDelete — каскадное удаление записи и зависимых
	OpFileDelete OperationType = "file_delete"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`

	// FileID — основная запись операции
	FileID uuid.UUID `json:"file_id"`

	// Affected — дополнительные записи (зависимые при каскадном удалении)
	Affected []uuid.UUID `json:"affected,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IDs возвращает все записи, затронутые транзакцией.
func (e *Entry) IDs() []uuid.UUID {
	return append([]uuid.UUID{e.FileID}, e.Affected...)
}

const fileSuffix = ".wal.json"

func walFileName(txID string) string {
	return txID + fileSuffix
}

func txIDFromFileName(name string) string {
	return strings.TrimSuffix(name, fileSuffix)
}
