package phone

import (
	"fmt"
)

// ErrorCategory категории ошибок командного слоя
type ErrorCategory string

const (
	// Ошибки предусловий: не инициализировано, нет поля, нет вызова
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	ErrorCategoryState      ErrorCategory = "STATE"

	// Разрешения хост-платформы
	ErrorCategoryPermission ErrorCategory = "PERMISSION"

	// Ресурсы: некорректный SIP адрес
	ErrorCategoryAddress ErrorCategory = "ADDRESS"

	// Синхронные отказы движка
	ErrorCategoryEngine ErrorCategory = "ENGINE"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// PhoneError структурированная ошибка команды.
// errors.Is сравнивает ошибки по коду, поэтому обернутая ошибка
// совпадает с соответствующим sentinel значением.
type PhoneError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Fields   map[string]interface{}
	Cause    error
}

// Error реализует интерфейс error
func (e *PhoneError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As с исходной ошибкой
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// Is сравнивает по коду ошибки
func (e *PhoneError) Is(target error) bool {
	t, ok := target.(*PhoneError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет поле контекста
func (e *PhoneError) WithField(key string, value interface{}) *PhoneError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

var (
	ErrNotInitialized = &PhoneError{
		Code:     "NOT_INITIALIZED",
		Message:  "сессия не инициализирована, сначала вызовите Initialize()",
		Category: ErrorCategoryState,
	}
	ErrMissingField = &PhoneError{
		Code:     "MISSING_FIELD",
		Message:  "отсутствуют обязательные параметры: server, user, password",
		Category: ErrorCategoryValidation,
	}
	ErrInvalidAddress = &PhoneError{
		Code:     "INVALID_ADDRESS",
		Message:  "некорректный SIP адрес",
		Category: ErrorCategoryAddress,
	}
	ErrNoActiveCall = &PhoneError{
		Code:     "NO_ACTIVE_CALL",
		Message:  "нет активного вызова",
		Category: ErrorCategoryState,
	}
	ErrEmptyDTMF = &PhoneError{
		Code:     "EMPTY_DTMF",
		Message:  "пустая DTMF последовательность",
		Category: ErrorCategoryValidation,
	}
	ErrInvalidDTMF = &PhoneError{
		Code:     "INVALID_DTMF",
		Message:  "недопустимый DTMF символ",
		Category: ErrorCategoryValidation,
	}
	ErrPermissionDenied = &PhoneError{
		Code:     "PERMISSION_DENIED",
		Message:  "для SIP вызовов требуется разрешение на микрофон",
		Category: ErrorCategoryPermission,
	}
	ErrPermissionSuperseded = &PhoneError{
		Code:     "PERMISSION_SUPERSEDED",
		Message:  "отложенная регистрация заменена новым запросом",
		Category: ErrorCategoryPermission,
	}
	ErrEngine = &PhoneError{
		Code:     "ENGINE_FAILURE",
		Message:  "ошибка движка",
		Category: ErrorCategoryEngine,
	}
	ErrDestroyed = &PhoneError{
		Code:     "DESTROYED",
		Message:  "сессия уничтожена",
		Category: ErrorCategoryState,
	}
)

// wrapError создает копию sentinel ошибки с причиной и уточненным сообщением
func wrapError(base *PhoneError, cause error, format string, args ...interface{}) *PhoneError {
	msg := base.Message
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &PhoneError{
		Code:     base.Code,
		Message:  msg,
		Category: base.Category,
		Cause:    cause,
	}
}
