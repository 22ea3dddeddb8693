package events

import (
	"go.uber.org/zap"
)

// LogSink writes events to a zap logger. Transactions are logged at debug
// level, framing errors at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Consume(e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID.String()),
	}
	if e.SlaveID != 0 {
		fields = append(fields, zap.Uint8("slave_id", e.SlaveID))
	}
	if e.RegisterType != "" {
		fields = append(fields,
			zap.String("register_type", string(e.RegisterType)),
			zap.Uint16("address", e.Address))
	}
	if len(e.Values) > 0 {
		fields = append(fields, zap.Uint16s("values", e.Values))
	}
	if e.Origin != "" {
		fields = append(fields, zap.String("origin", string(e.Origin)))
	}
	if e.Listener != "" {
		fields = append(fields, zap.String("listener", e.Listener))
	}
	if e.FunctionCode != 0 {
		fields = append(fields, zap.Uint8("function_code", e.FunctionCode))
	}
	if e.Exception != 0 {
		fields = append(fields, zap.Stringer("exception", e.Exception))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}

	switch e.Type {
	case TypeTransaction:
		s.logger.Debug("Modbus transaction", fields...)
	case TypeFramingError:
		s.logger.Warn("Framing error", fields...)
	default:
		s.logger.Info(string(e.Type), fields...)
	}
}
