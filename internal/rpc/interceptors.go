package rpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Metadata keys carrying the admission ids between services.
const (
	MetadataRequestID     = "x-request-id"
	MetadataCorrelationID = "x-correlation-id"
	MetadataForwardedFor  = "x-forwarded-for"
	metadataAuthorization = "authorization"
)

// RequestIDsUnary adopts inbound request and correlation ids, generating missing ones.
func RequestIDsUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		requestID := firstMetadataValue(ctx, MetadataRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		correlationID := firstMetadataValue(ctx, MetadataCorrelationID)
		if correlationID == "" {
			correlationID = requestID
		}
		return next(admission.WithRequestIDs(ctx, requestID, correlationID), req)
	}
}

// LoggingUnary logs method, status code, duration and peer of each call. Payloads are never logged.
func LoggingUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		startTime := time.Now()
		resp, err := next(ctx, req)

		var remote string
		if peerInfo, ok := peer.FromContext(ctx); ok && peerInfo.Addr != nil {
			remote = peerInfo.Addr.String()
		}
		logger.Info("grpc", append(admission.LogFields(ctx),
			zap.String("method", info.FullMethod),
			zap.String("status", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(startTime)),
			zap.String("peer", remote),
		)...)
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("grpc handler panic",
					zap.String("code", "rpc.panic"),
					zap.Any("reason", recovered),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// ServiceKeyUnary requires "authorization: Bearer <serviceKey>" metadata. An empty key rejects every call.
func ServiceKeyUnary(serviceKey string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		presented, found := strings.CutPrefix(firstMetadataValue(ctx, metadataAuthorization), "Bearer ")
		if serviceKey == "" || !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(serviceKey)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "service credentials required")
		}
		return next(ctx, req)
	}
}

// CredentialPolicies assigns the login budget to the credential methods and the refresh budget to RefreshToken.
func CredentialPolicies(login admission.Policy, refresh admission.Policy) map[string]admission.Policy {
	prefix := "/" + ServiceName + "/"
	return map[string]admission.Policy{
		prefix + "Register":     login,
		prefix + "Login":        login,
		prefix + "GoogleAuth":   login,
		prefix + "RefreshToken": refresh,
	}
}

// RateLimitUnary applies the policy registered for a method, keyed by the end-user address.
// Methods without a policy pass through.
func RateLimitUnary(limiter *admission.Limiter, policies map[string]admission.Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		policy, limited := policies[info.FullMethod]
		if limiter == nil || !limited {
			return next(ctx, req)
		}
		decision := limiter.Admit(ctx, policy, clientAddress(ctx, req))
		if decision.Allowed {
			return next(ctx, req)
		}
		return nil, rateLimitStatus(decision)
	}
}

func rateLimitStatus(decision admission.Decision) error {
	retryAfterSeconds := decision.RetryAfterSeconds()
	base := status.New(codes.ResourceExhausted, fmt.Sprintf("too many requests, retry in %d seconds", retryAfterSeconds))
	detailed, detailErr := base.WithDetails(
		&errdetails.ErrorInfo{Reason: authkit.KindRateLimitExceeded.Code(), Domain: ErrorDomain},
		&errdetails.RetryInfo{RetryDelay: durationpb.New(time.Duration(retryAfterSeconds) * time.Second)},
	)
	if detailErr != nil {
		return base.Err()
	}
	return detailed.Err()
}

// clientAddress prefers the first x-forwarded-for hop, then the request's client address, then the peer host.
func clientAddress(ctx context.Context, req any) string {
	if forwarded := firstMetadataValue(ctx, MetadataForwardedFor); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if addressed, ok := req.(clientAddressed); ok {
		if address := strings.TrimSpace(addressed.clientIPAddress()); address != "" {
			return address
		}
	}
	peerInfo, ok := peer.FromContext(ctx)
	if !ok || peerInfo.Addr == nil {
		return "unknown"
	}
	host, _, splitErr := net.SplitHostPort(peerInfo.Addr.String())
	if splitErr != nil {
		return peerInfo.Addr.String()
	}
	return host
}

func firstMetadataValue(ctx context.Context, key string) string {
	incoming, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := incoming.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
