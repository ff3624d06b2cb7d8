package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// Deps are the components a Service fronts.
type Deps struct {
	SessionName string
	Coordinator *chatsync.Coordinator
	Pipeline    *outbox.Pipeline
	Presence    *presence.Tracker
	Typing      *typing.Channel
	DB          *store.DB
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements ChatSyncServer.
type Service struct {
	sessionName string
	startedAt   time.Time
	coord       *chatsync.Coordinator
	pipeline    *outbox.Pipeline
	presence    *presence.Tracker
	typing      *typing.Channel
	db          *store.DB
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: d.SessionName,
		startedAt:   time.Now(),
		coord:       d.Coordinator,
		pipeline:    d.Pipeline,
		presence:    d.Presence,
		typing:      d.Typing,
		db:          d.DB,
		bus:         d.Bus,
		logger:      logger,
	}
}

var _ ChatSyncServer = (*Service)(nil)

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.sessionName,
		"status":    string(s.coord.Status()),
		"user_id":   s.coord.UserID(),
		"online":    s.presence.Online(),
		"uptime_ms": float64(time.Since(s.startedAt).Milliseconds()),
		"dropped":   float64(s.bus.Dropped()),
	}
	if reason := s.coord.StatusReason(); reason != "" {
		resp["reason"] = reason
	}
	if convs, msgs, err := s.db.Counts(); err == nil {
		resp["conversations"] = float64(convs)
		resp["messages"] = float64(msgs)
	} else {
		s.logger.Warn("failed to count cached records", zap.Error(err))
	}
	observed, err := s.coord.Observed(ctx)
	if err != nil {
		return nil, rpcError("status", err)
	}
	resp["observed"] = strList(observed)
	return object(resp)
}

func (s *Service) Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := argsOf(req).str("user_id")
	if userID == "" {
		return nil, missing("user_id")
	}
	if err := s.coord.Configure(ctx, userID); err != nil {
		return nil, rpcError("configure", err)
	}
	return s.GetStatus(ctx, nil)
}

func (s *Service) SignOut(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.presence.SignOut(ctx); err != nil {
		s.logger.Warn("failed to publish offline presence", zap.Error(err))
	}
	if err := s.coord.SignOut(ctx); err != nil {
		return nil, rpcError("sign out", err)
	}
	return empty(), nil
}

func (s *Service) Presence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.presence.User() == "" {
		return nil, errNotConfigured
	}
	switch event := argsOf(req).str("event"); event {
	case "active":
		s.presence.BecameActive()
	case "background":
		s.presence.EnteredBackground()
	case "activity":
		s.presence.RecordActivity()
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown presence event %q", event)
	}
	return object(map[string]any{"online": s.presence.Online()})
}

func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(argsOf(req).str("prefix"), watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			m := eventMap(uuid.NewString(), evt)
			m["session"] = s.sessionName
			out, err := object(m)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
