package rpc

import (
	"context"

	"github.com/tyemirov/socialauth/internal/admission"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls AuthService on behalf of a gateway or another internal service.
// Failed calls return *authkit.Error values rebuilt from the status.
type Client struct {
	connection grpc.ClientConnInterface
	serviceKey string
}

// NewClient wraps connection. serviceKey is sent as bearer metadata when non-empty.
func NewClient(connection grpc.ClientConnInterface, serviceKey string) *Client {
	return &Client{connection: connection, serviceKey: serviceKey}
}

func (client *Client) Register(ctx context.Context, request *RegisterRequest) (*AuthResponse, error) {
	return call[AuthResponse](ctx, client, "Register", request)
}

func (client *Client) Login(ctx context.Context, request *LoginRequest) (*AuthResponse, error) {
	return call[AuthResponse](ctx, client, "Login", request)
}

func (client *Client) GoogleAuth(ctx context.Context, request *GoogleAuthRequest) (*AuthResponse, error) {
	return call[AuthResponse](ctx, client, "GoogleAuth", request)
}

func (client *Client) RefreshToken(ctx context.Context, request *RefreshTokenRequest) (*AuthResponse, error) {
	return call[AuthResponse](ctx, client, "RefreshToken", request)
}

func (client *Client) Logout(ctx context.Context, request *LogoutRequest) error {
	return client.invoke(ctx, "Logout", request, new(Empty))
}

func (client *Client) LogoutAll(ctx context.Context, request *LogoutAllRequest) (*RevokedResponse, error) {
	return call[RevokedResponse](ctx, client, "LogoutAll", request)
}

func (client *Client) ValidateToken(ctx context.Context, token string) (*ValidateTokenResponse, error) {
	return call[ValidateTokenResponse](ctx, client, "ValidateToken", &ValidateTokenRequest{Token: token})
}

func (client *Client) Deactivate(ctx context.Context, userID string) error {
	return client.invoke(ctx, "Deactivate", &UserRequest{UserID: userID}, new(Empty))
}

func (client *Client) Reactivate(ctx context.Context, userID string) error {
	return client.invoke(ctx, "Reactivate", &UserRequest{UserID: userID}, new(Empty))
}

func (client *Client) UserDeleted(ctx context.Context, userID string) (*RevokedResponse, error) {
	return call[RevokedResponse](ctx, client, "UserDeleted", &UserRequest{UserID: userID})
}

func call[Response any](ctx context.Context, client *Client, method string, request any) (*Response, error) {
	response := new(Response)
	if err := client.invoke(ctx, method, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) invoke(ctx context.Context, method string, request any, response any) error {
	pairs := make([]string, 0, 6)
	if client.serviceKey != "" {
		pairs = append(pairs, metadataAuthorization, "Bearer "+client.serviceKey)
	}
	if requestID := admission.RequestIDFromContext(ctx); requestID != "" {
		pairs = append(pairs, MetadataRequestID, requestID)
	}
	if correlationID := admission.CorrelationIDFromContext(ctx); correlationID != "" {
		pairs = append(pairs, MetadataCorrelationID, correlationID)
	}
	if len(pairs) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}
	err := client.connection.Invoke(ctx, "/"+ServiceName+"/"+method, request, response, grpc.CallContentSubtype(CodecName))
	return ErrorFromStatus(err)
}
