package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const generateMethod = "/strangerchat.assistant.v1.Assistant/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// serviceDesc describes the assistant sidecar: one server-streaming method
// taking a Struct {messages: [{role, content}]} and streaming StringValue
// chunks. Both payloads are well-known protobuf types, so no generated code
// is needed on either side.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "strangerchat.assistant.v1.Assistant",
	HandlerType: (*Generator)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Generate",
			Handler:       generateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "strangerchat/assistant/v1/assistant.proto",
}

// RegisterGrpcService serves gen as the assistant sidecar on s.
func RegisterGrpcService(s grpc.ServiceRegistrar, gen Generator) {
	s.RegisterService(&serviceDesc, gen)
}

func generateHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	turns, err := turnsFromStruct(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	for chunk, err := range srv.(Generator).Generate(stream.Context(), turns) {
		if err != nil {
			return status.Errorf(codes.Unavailable, "generate: %v", err)
		}
		if err := stream.SendMsg(wrapperspb.String(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// GrpcConfig holds configuration for the gRPC generator.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcGenerator forwards generation to an assistant sidecar.
type GrpcGenerator struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// Compile-time interface check.
var _ Generator = (*GrpcGenerator)(nil)

// NewGrpcGenerator connects to the sidecar at cfg.Address and fails fast if
// it is not reachable.
func NewGrpcGenerator(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to assistant at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("assistant at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to assistant sidecar", "address", cfg.Address)
	return &GrpcGenerator{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GrpcGenerator) Close() {
	if err := g.conn.Close(); err != nil {
		g.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Generate streams the sidecar's reply.
func (g *GrpcGenerator) Generate(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req, err := structFromTurns(turns)
		if err != nil {
			yield("", fmt.Errorf("encode generate request: %w", err))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := g.conn.NewStream(ctx, &serviceDesc.Streams[0], generateMethod)
		if err != nil {
			yield("", fmt.Errorf("generate request failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield("", fmt.Errorf("send generate request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close generate request: %w", err))
			return
		}

		for {
			chunk := new(wrapperspb.StringValue)
			err := stream.RecvMsg(chunk)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("generate stream error: %w", err))
				return
			}
			if chunk.GetValue() == "" {
				continue
			}
			if !yield(chunk.GetValue(), nil) {
				return
			}
		}
	}
}

func structFromTurns(turns []domain.Turn) (*structpb.Struct, error) {
	messages := make([]any, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, map[string]any{"role": t.Role, "content": t.Content})
	}
	return structpb.NewStruct(map[string]any{"messages": messages})
}

func turnsFromStruct(s *structpb.Struct) ([]domain.Turn, error) {
	list := s.GetFields()["messages"].GetListValue()
	if list == nil {
		return nil, errors.New("messages list is required")
	}
	turns := make([]domain.Turn, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		turns = append(turns, domain.Turn{
			Role:    fields["role"].GetStringValue(),
			Content: fields["content"].GetStringValue(),
		})
	}
	return NormalizeTurns(turns)
}
