package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"ArenaLedger/internal/ingestion"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// EngineServiceName is the fully qualified gRPC service name.
const EngineServiceName = "arena.v1.Engine"

// jsonCodec carries request and response structs as JSON. Clients select it with
// grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCServer serves arena.v1.Engine and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with all services registered.
func NewGRPCServer(addr string, api *API, logger zerolog.Logger, opts ...grpc.ServerOption) *GRPCServer {
	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&engineServiceDesc, api)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(EngineServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// Serve serves on lis until ctx is done (blocking).
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// engineServer is the handler type of arena.v1.Engine.
type engineServer interface {
	Submit(ctx context.Context, kind ingestion.Kind, w ingestion.Wire) (interface{}, error)
}

// unary declares one JSON-coded method. call runs against the *API registered
// with the service.
func unary[Req any](name string, call func(ctx context.Context, api *API, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, GRPCError(invalidParam("request", err))
			}
			api := srv.(*API)
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				res, err := call(ctx, api, r.(*Req))
				return res, GRPCError(err)
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + EngineServiceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func submit(kind ingestion.Kind) func(ctx context.Context, api *API, w *ingestion.Wire) (interface{}, error) {
	return func(ctx context.Context, api *API, w *ingestion.Wire) (interface{}, error) {
		return api.Submit(ctx, kind, *w)
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: EngineServiceName,
	HandlerType: (*engineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitTrade", submit(ingestion.KindTrade)),
		unary("SubmitSnapshot", submit(ingestion.KindSnapshot)),
		unary("SubmitTradeStatus", submit(ingestion.KindTradeStatus)),
		unary("TransitionTournament", submit(ingestion.KindTournamentStatus)),
		unary("RegisterParticipant", submit(ingestion.KindParticipantRegistered)),
		unary("DeactivateParticipant", submit(ingestion.KindParticipantDeactivated)),
		unary("CreateTournament", func(ctx context.Context, api *API, req *CreateTournamentRequest) (interface{}, error) {
			return api.CreateTournament(ctx, *req)
		}),
		unary("GetTournament", func(ctx context.Context, api *API, req *TournamentRequest) (interface{}, error) {
			return api.GetTournament(ctx, *req)
		}),
		unary("GetLeaderboard", func(ctx context.Context, api *API, req *LeaderboardRequest) (interface{}, error) {
			return api.Leaderboard(ctx, *req)
		}),
		unary("GetParticipant", func(ctx context.Context, api *API, req *ParticipantRequest) (interface{}, error) {
			return api.Participant(ctx, *req)
		}),
		unary("GetParticipantRank", func(ctx context.Context, api *API, req *ParticipantRequest) (interface{}, error) {
			return api.ParticipantRank(ctx, *req)
		}),
		unary("GetLatestPerformance", func(ctx context.Context, api *API, req *ParticipantRequest) (interface{}, error) {
			return api.LatestPerformance(ctx, *req)
		}),
		unary("GetPerformanceHistory", func(ctx context.Context, api *API, req *ParticipantRequest) (interface{}, error) {
			return api.PerformanceHistory(ctx, *req)
		}),
		unary("RecordPerformance", func(ctx context.Context, api *API, req *RecordPerformanceRequest) (interface{}, error) {
			return api.RecordPerformance(ctx, *req)
		}),
		unary("ListTrades", func(ctx context.Context, api *API, req *TradeQuery) (interface{}, error) {
			return api.Trades(ctx, *req)
		}),
		unary("GetTradingStatistics", func(ctx context.Context, api *API, req *StatsQuery) (interface{}, error) {
			return api.Statistics(ctx, *req)
		}),
		unary("GetAuditLogs", func(ctx context.Context, api *API, req *AuditQuery) (interface{}, error) {
			return api.AuditLogs(ctx, *req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arena/v1/engine.proto",
}
