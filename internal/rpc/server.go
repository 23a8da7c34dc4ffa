package rpc

import (
	"context"
	"strings"

	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "socialauth.internal.v1.AuthService"

// AuthServiceServer is the internal channel implemented by Server.
type AuthServiceServer interface {
	Register(ctx context.Context, request *RegisterRequest) (*AuthResponse, error)
	Login(ctx context.Context, request *LoginRequest) (*AuthResponse, error)
	GoogleAuth(ctx context.Context, request *GoogleAuthRequest) (*AuthResponse, error)
	RefreshToken(ctx context.Context, request *RefreshTokenRequest) (*AuthResponse, error)
	Logout(ctx context.Context, request *LogoutRequest) (*Empty, error)
	LogoutAll(ctx context.Context, request *LogoutAllRequest) (*RevokedResponse, error)
	ValidateToken(ctx context.Context, request *ValidateTokenRequest) (*ValidateTokenResponse, error)
	Deactivate(ctx context.Context, request *UserRequest) (*Empty, error)
	Reactivate(ctx context.Context, request *UserRequest) (*Empty, error)
	UserDeleted(ctx context.Context, request *UserRequest) (*RevokedResponse, error)
}

// ServiceDesc describes AuthServiceServer to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Register", AuthServiceServer.Register),
		unaryMethod("Login", AuthServiceServer.Login),
		unaryMethod("GoogleAuth", AuthServiceServer.GoogleAuth),
		unaryMethod("RefreshToken", AuthServiceServer.RefreshToken),
		unaryMethod("Logout", AuthServiceServer.Logout),
		unaryMethod("LogoutAll", AuthServiceServer.LogoutAll),
		unaryMethod("ValidateToken", AuthServiceServer.ValidateToken),
		unaryMethod("Deactivate", AuthServiceServer.Deactivate),
		unaryMethod("Reactivate", AuthServiceServer.Reactivate),
		unaryMethod("UserDeleted", AuthServiceServer.UserDeleted),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "socialauth/internal/v1/auth_service",
}

func unaryMethod[Request any, Response any](name string, call func(AuthServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(Request)
			if err := decode(request); err != nil {
				return nil, err
			}
			server := srv.(AuthServiceServer)
			if interceptor == nil {
				return call(server, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Request))
			})
		},
	}
}

// Server adapts the issuance service to AuthServiceServer.
type Server struct {
	service *authkit.Service
	logger  *zap.Logger
}

// NewServer wraps service for the internal channel.
func NewServer(service *authkit.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{service: service, logger: logger}
}

// Security configures the admission interceptors of NewGRPCServer.
type Security struct {
	ServiceKey string
	Limiter    *admission.Limiter
	Policies   map[string]admission.Policy
}

// NewGRPCServer builds a grpc.Server with the interceptor chain and AuthService registered.
func NewGRPCServer(server *Server, logger *zap.Logger, security Security, options ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	options = append(options, grpc.ChainUnaryInterceptor(
		RecoverUnary(logger),
		RequestIDsUnary(),
		LoggingUnary(logger),
		ServiceKeyUnary(security.ServiceKey),
		RateLimitUnary(security.Limiter, security.Policies),
	))
	grpcServer := grpc.NewServer(options...)
	grpcServer.RegisterService(&ServiceDesc, server)
	return grpcServer
}

func (server *Server) Register(ctx context.Context, request *RegisterRequest) (*AuthResponse, error) {
	result, err := server.service.Register(ctx, authkit.RegisterInput{
		Email:    request.Email,
		Username: request.Username,
		Password: request.Password,
	}, request.Client.issueMetadata())
	if err != nil {
		return nil, statusError(err)
	}
	return authResponse(result), nil
}

func (server *Server) Login(ctx context.Context, request *LoginRequest) (*AuthResponse, error) {
	result, err := server.service.Login(ctx, authkit.LoginInput{Email: request.Email, Password: request.Password}, request.Client.issueMetadata())
	if err != nil {
		return nil, statusError(err)
	}
	return authResponse(result), nil
}

func (server *Server) GoogleAuth(ctx context.Context, request *GoogleAuthRequest) (*AuthResponse, error) {
	result, err := server.service.GoogleAuth(ctx, authkit.GoogleAuthInput{
		Token:     request.Token,
		TokenType: request.TokenType,
		Nonce:     request.Nonce,
	}, request.Client.issueMetadata())
	if err != nil {
		return nil, statusError(err)
	}
	return authResponse(result), nil
}

func (server *Server) RefreshToken(ctx context.Context, request *RefreshTokenRequest) (*AuthResponse, error) {
	refreshToken := strings.TrimSpace(request.RefreshToken)
	if refreshToken == "" {
		return nil, statusError(authkit.NewError(authkit.KindValidation, "refreshToken is required", nil))
	}
	result, err := server.service.Refresh(ctx, refreshToken, request.Client.issueMetadata())
	if err != nil {
		return nil, statusError(err)
	}
	return authResponse(result), nil
}

func (server *Server) Logout(ctx context.Context, request *LogoutRequest) (*Empty, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return nil, statusError(authkit.NewError(authkit.KindValidation, "userId is required", nil))
	}
	if err := server.service.Logout(ctx, request.UserID, strings.TrimSpace(request.RefreshToken)); err != nil {
		return nil, statusError(err)
	}
	return &Empty{}, nil
}

func (server *Server) LogoutAll(ctx context.Context, request *LogoutAllRequest) (*RevokedResponse, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return nil, statusError(authkit.NewError(authkit.KindValidation, "userId is required", nil))
	}
	revoked, err := server.service.LogoutAll(ctx, request.UserID)
	if err != nil {
		return nil, statusError(err)
	}
	return &RevokedResponse{Revoked: revoked}, nil
}

// ValidateToken answers Valid=false for unusable tokens and fails only on internal errors.
func (server *Server) ValidateToken(ctx context.Context, request *ValidateTokenRequest) (*ValidateTokenResponse, error) {
	identity, err := server.service.Validate(ctx, strings.TrimSpace(request.Token))
	if err != nil {
		kind := authkit.KindOf(err)
		if kind == authkit.KindInternal {
			return nil, statusError(err)
		}
		return &ValidateTokenResponse{Valid: false, Reason: kind.Code()}, nil
	}
	return &ValidateTokenResponse{Valid: true, UserID: identity.UserID, Email: identity.Email, Role: identity.Role}, nil
}

func (server *Server) Deactivate(ctx context.Context, request *UserRequest) (*Empty, error) {
	if err := server.service.Deactivate(ctx, request.UserID); err != nil {
		return nil, statusError(err)
	}
	return &Empty{}, nil
}

func (server *Server) Reactivate(ctx context.Context, request *UserRequest) (*Empty, error) {
	if err := server.service.Reactivate(ctx, request.UserID); err != nil {
		return nil, statusError(err)
	}
	return &Empty{}, nil
}

func (server *Server) UserDeleted(ctx context.Context, request *UserRequest) (*RevokedResponse, error) {
	revoked, err := server.service.UserDeleted(ctx, request.UserID)
	if err != nil {
		return nil, statusError(err)
	}
	server.logger.Info("user deleted event handled", zap.String("code", "rpc.user_deleted"), zap.String("user_id", request.UserID), zap.Int64("revoked", revoked))
	return &RevokedResponse{Revoked: revoked}, nil
}
