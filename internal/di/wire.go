//go:build wireinject
// +build wireinject

package di

import (
	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/pkg/config"
	"TrapFlow/pkg/metrics"
	"TrapFlow/pkg/server"

	"github.com/google/wire"
)

var infraSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	wire.Bind(new(domrepo.Metrics), new(*metrics.Recorder)),
	ProvideStateStore,
	ProvideLogDigest,
	ProvidePostgres,
	ProvideArchiver,
	ProvideKafkaProducer,
	ProvideMetricsPusher,
)

var pipelineSet = wire.NewSet(
	ProvideQueue,
	ProvideTrapRepository,
	ProvidePersister,
	ProvideNotifier,
	ProvideContextProvider,
	ProvideStats,
	ProvideSupervisor,
	ProvideHealthLoop,
)

// InitializeApp wires up all dependencies and returns the application.
// The cleanup closes infrastructure clients and must run after App.Run.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		infraSet,
		pipelineSet,
		ProvideAdminHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
