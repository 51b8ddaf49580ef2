package llm

import (
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
