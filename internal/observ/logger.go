package observ

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}

// ConnFields are the fields every per-connection log line carries.
// userID is uuid.Nil until the connection authenticates.
func ConnFields(connID string, userID uuid.UUID) []zap.Field {
	fields := []zap.Field{zap.String("conn_id", connID)}
	if userID != uuid.Nil {
		fields = append(fields, zap.String("user_id", userID.String()))
	}
	return fields
}
