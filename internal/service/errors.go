// errors.go — ошибки операций хранилища.
package service

import "errors"

// Ошибки операций изменения хранилища. Пути чтения их не возвращают:
// отсутствующая, недоступная или записываемая запись просто не видна.
var (
	// ErrAccessDenied — политика доступа запретила операцию
	ErrAccessDenied = errors.New("доступ запрещён")
	// ErrNotFound — записи с таким идентификатором нет
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись уже существует без overwrite или идентификатор
	// занят другой записью. Причина конфликта наружу не раскрывается.
	ErrConflict = errors.New("конфликт операции")
	// ErrValidation — метаданные не прошли проверку
	ErrValidation = errors.New("некорректные метаданные")
)
