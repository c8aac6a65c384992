package main

import (
	"context"
	"fmt"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/services"
)

// 根据配置的运行模式构造对应的 KVService 实现，调用方负责 Close
func buildKVService(ctx context.Context, appCfg *configs.AppConfig) (services.KVService, error) {
	switch appCfg.Mode {
	case configs.ModeStandalone:
		return services.NewStandaloneKVService(ctx, appCfg)

	case configs.ModeRaft:
		svc, err := services.NewRaftKVService(ctx, appCfg)
		if err != nil {
			return nil, fmt.Errorf("build raft mode: %w", err)
		}
		return svc, nil

	default:
		return nil, errors.ErrUnSupportedMode
	}
}
