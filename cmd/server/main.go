package main

import (
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/config"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/db"
	clog "github.com/PETYTH/EXPLOROUEN-sub000/internal/log"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/server"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	r := server.SetupRouter(cfg, gdb)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
