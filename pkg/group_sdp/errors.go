package group_sdp

import (
	"fmt"
)

// CodecErrorCode код ошибки кодека описаний
type CodecErrorCode int

const (
	ErrorCodeMalformedDescription CodecErrorCode = iota + 3000
	ErrorCodeMissingIceCredentials
	ErrorCodeAmbiguousIceCredentials
	ErrorCodeEncoding
	ErrorCodeCertificate
)

// String возвращает строковое представление кода ошибки
func (code CodecErrorCode) String() string {
	switch code {
	case ErrorCodeMalformedDescription:
		return "MalformedDescription"
	case ErrorCodeMissingIceCredentials:
		return "MissingIceCredentials"
	case ErrorCodeAmbiguousIceCredentials:
		return "AmbiguousIceCredentials"
	case ErrorCodeEncoding:
		return "Encoding"
	case ErrorCodeCertificate:
		return "Certificate"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// CodecError ошибка кодирования или разбора описания сессии
type CodecError struct {
	Code    CodecErrorCode
	Message string
	Wrapped error
}

// Сигнальные ошибки для errors.Is. Сравнение идет по коду.
var (
	ErrMalformedDescription    = &CodecError{Code: ErrorCodeMalformedDescription, Message: "некорректное описание сессии"}
	ErrMissingIceCredentials   = &CodecError{Code: ErrorCodeMissingIceCredentials, Message: "нет ice-ufrag/ice-pwd"}
	ErrAmbiguousIceCredentials = &CodecError{Code: ErrorCodeAmbiguousIceCredentials, Message: "несколько ice-ufrag/ice-pwd"}
)

// NewCodecError создает ошибку кодека
func NewCodecError(code CodecErrorCode, format string, args ...interface{}) *CodecError {
	return &CodecError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapCodecError оборачивает ошибку нижнего уровня
func WrapCodecError(code CodecErrorCode, err error, format string, args ...interface{}) *CodecError {
	return &CodecError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("group_sdp [%s]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *CodecError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *CodecError) Is(target error) bool {
	t, ok := target.(*CodecError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
