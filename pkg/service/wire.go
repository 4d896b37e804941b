//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/routing"
)

func InitializeServer(conf *config.Config, currentNode *routing.LocalNode) (*CallServer, error) {
	wire.Build(
		ServiceSet,
	)
	return &CallServer{}, nil
}
