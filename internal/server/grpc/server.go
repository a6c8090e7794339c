package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "portfolio.auth.v1.Auth"

// AuthServer is the handler set behind ServiceDesc.
type AuthServer interface {
	Login(context.Context, *LoginRequest) (*RefreshToken, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	Me(context.Context, *Empty) (*MeResponse, error)
	ListSessions(context.Context, *Empty) (*ListSessionsResponse, error)
	RevokeSession(context.Context, *RevokeSessionRequest) (*Empty, error)
	RevokeAllSessions(context.Context, *Empty) (*Empty, error)
	ResetPassword(context.Context, *ResetPasswordRequest) (*Empty, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*Empty, error)
}

// ServiceDesc describes the auth service. Messages travel with the json
// codec, so no generated code is involved.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Login", AuthServer.Login),
		unary("Refresh", AuthServer.Refresh),
		unary("Me", AuthServer.Me),
		unary("ListSessions", AuthServer.ListSessions),
		unary("RevokeSession", AuthServer.RevokeSession),
		unary("RevokeAllSessions", AuthServer.RevokeAllSessions),
		unary("ResetPassword", AuthServer.ResetPassword),
		unary("ChangePassword", AuthServer.ChangePassword),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "portfolio/auth/v1",
}

// Register attaches srv to gs.
func Register(gs grpc.ServiceRegistrar, srv AuthServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(AuthServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// UserLookup resolves the account an unauthenticated reset call names.
type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// Server maps the auth service onto gRPC handlers. Handlers return domain
// errors; ErrorsUnary turns them into status codes.
type Server struct {
	auth  service.AuthService
	users UserLookup
	log   *zap.Logger
}

var _ AuthServer = (*Server)(nil)

// New constructs the handler set.
func New(auth service.AuthService, users UserLookup, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, users: users, log: log}
}

// Login exchanges email and password for a new refresh token lineage.
func (s *Server) Login(ctx context.Context, req *LoginRequest) (*RefreshToken, error) {
	if req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: empty email/password", errs.ErrInvalidInput)
	}
	data, err := s.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	return refreshToken(*data), nil
}

// Refresh rotates a refresh token and returns a new access token.
func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	id, err := parseID(req.TokenID)
	if err != nil {
		return nil, err
	}
	g, err := s.auth.IssueAccessToken(ctx, req.Email, id, req.Secret)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{
		AccessToken:     g.AccessToken,
		AccessExpiresAt: g.AccessExpiresAt,
		Refresh:         *refreshToken(g.Refresh),
	}, nil
}

// Me returns the caller's account.
func (s *Server) Me(ctx context.Context, _ *Empty) (*MeResponse, error) {
	u, tokenID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return &MeResponse{
		UserID:   u.ID.String(),
		Email:    u.Email,
		FullName: u.FullName,
		TokenID:  tokenID.String(),
	}, nil
}

// ListSessions lists the caller's refresh token lineages.
func (s *Server) ListSessions(ctx context.Context, _ *Empty) (*ListSessionsResponse, error) {
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.auth.ListRefreshTokens(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	out := &ListSessionsResponse{Sessions: make([]Session, 0, len(list))}
	for _, t := range list {
		out.Sessions = append(out.Sessions, Session{TokenID: t.ID.String(), CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt})
	}
	return out, nil
}

// RevokeSession deletes one of the caller's lineages.
func (s *Server) RevokeSession(ctx context.Context, req *RevokeSessionRequest) (*Empty, error) {
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID(req.TokenID)
	if err != nil {
		return nil, err
	}
	ok, err := s.auth.RevokeRefreshToken(ctx, u.ID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &Empty{}, nil
}

// RevokeAllSessions deletes every lineage of the caller, including the one
// the call was made with.
func (s *Server) RevokeAllSessions(ctx context.Context, _ *Empty) (*Empty, error) {
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.RevokeAllRefreshTokens(ctx, u.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ResetPassword mails a reset code. An unknown email succeeds silently so
// the call does not reveal which accounts exist. While the cooldown runs the
// remaining seconds are sent in the retry-after trailer.
func (s *Server) ResetPassword(ctx context.Context, req *ResetPasswordRequest) (*Empty, error) {
	var userID uuid.UUID
	if req.Email != "" {
		u, err := s.users.GetByEmail(ctx, model.NormalizeEmail(req.Email))
		switch {
		case errors.Is(err, errs.ErrNotFound):
			s.log.Debug("password reset for unknown email")
			return &Empty{}, nil
		case err != nil:
			return nil, err
		}
		userID = u.ID
	} else {
		u, _, err := s.caller(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: email or bearer token required", errs.ErrInvalidInput)
		}
		userID = u.ID
	}

	wait, err := s.auth.BeginPasswordReset(ctx, userID)
	if errors.Is(err, errs.ErrRateLimited) {
		secs := int64((wait + time.Second - 1) / time.Second)
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.FormatInt(secs, 10)))
	}
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ChangePassword completes a reset. The account is named by email, or by
// the bearer token when the email is unknown or empty.
func (s *Server) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*Empty, error) {
	var userID uuid.UUID
	if req.Email != "" {
		u, err := s.users.GetByEmail(ctx, model.NormalizeEmail(req.Email))
		switch {
		case err == nil:
			userID = u.ID
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
	}
	if userID == uuid.Nil {
		u, _, err := s.caller(ctx)
		if err != nil {
			return nil, errs.ErrUnauthorized
		}
		userID = u.ID
	}

	if err := s.auth.CompletePasswordReset(ctx, userID, req.Code, req.NewPassword, req.RevokeAllTokens); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// caller authenticates the bearer access token of the incoming call.
func (s *Server) caller(ctx context.Context) (*model.User, uuid.UUID, error) {
	raw, err := bearerTokenFromMD(ctx)
	if err != nil {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}
	return s.auth.Authenticate(ctx, raw)
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad token id", errs.ErrInvalidInput)
	}
	return id, nil
}

func refreshToken(d model.RefreshTokenData) *RefreshToken {
	return &RefreshToken{TokenID: d.TokenID.String(), Secret: d.Secret, ExpiresAt: d.ExpiresAt}
}
