package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	callIDKey contextKey = iota
	exchangeIDKey
)

// WithCallID кладет идентификатор звонка в контекст
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// WithExchangeID кладет идентификатор раунда согласования в контекст
func WithExchangeID(ctx context.Context, exchangeID uint32) context.Context {
	return context.WithValue(ctx, exchangeIDKey, exchangeID)
}

// CallIDFromContext извлекает идентификатор звонка
func CallIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callIDKey).(string)
	return id, ok
}

func fieldsFromContext(ctx context.Context) []Field {
	var fields []Field
	if id, ok := ctx.Value(callIDKey).(string); ok {
		fields = append(fields, zap.String("call_id", id))
	}
	if id, ok := ctx.Value(exchangeIDKey).(uint32); ok {
		fields = append(fields, zap.Uint32("exchange_id", id))
	}
	return fields
}
