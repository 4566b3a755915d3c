package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 配置全局 logger：dev 环境输出控制台格式并放开 debug 级别，其余输出 JSON。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	var out zerolog.Logger
	if env == "dev" {
		level = zerolog.DebugLevel
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		out = zerolog.New(cw)
	} else {
		out = zerolog.New(os.Stdout)
	}
	log.Logger = out.Level(level).With().
		Timestamp().
		Str("service", "explorouen-chat").
		Logger()
}
