package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/identity"
)

const refreshCookieName = "refresh_token"

// forgotPasswordMessage is returned whether or not the email is registered.
const forgotPasswordMessage = "If an account exists for that email, a password reset link has been sent."

const resendVerificationMessage = "If the account is awaiting verification, a new link has been sent."

type AuthService interface {
	Register(ctx context.Context, in identity.RegisterInput) (identity.AuthResult, error)
	Login(ctx context.Context, email, password string) (identity.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (identity.AuthResult, error)
	Logout(ctx context.Context, in identity.LogoutInput)
	ForgotPassword(ctx context.Context, email string)
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, token string) (user.Public, error)
	ResendVerification(ctx context.Context, email string)
	GetCurrentUser(ctx context.Context, userID string) (user.Public, error)
}

type AuthHandler struct {
	svc    AuthService
	log    *slog.Logger
	secure bool
}

// NewAuthHandler builds the /auth handlers. secureCookies should be false
// only for local plain-HTTP development.
func NewAuthHandler(svc AuthService, log *slog.Logger, secureCookies bool) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{svc: svc, log: log, secure: secureCookies}
}

type RegisterRequest struct {
	Email      string            `json:"email" binding:"required,max=254"`
	Password   string            `json:"password" binding:"required,max=128"`
	FirstName  string            `json:"firstName" binding:"required"`
	LastName   string            `json:"lastName" binding:"required"`
	Role       string            `json:"role" binding:"required,oneof=STUDENT TEACHER PARENT ADMIN"`
	Phone      string            `json:"phone"`
	Attributes map[string]string `json:"attributes"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type VerifyEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

type sessionResponse struct {
	User            *user.Public `json:"user,omitempty"`
	AccessToken     string       `json:"accessToken"`
	AccessExpiresAt time.Time    `json:"accessExpiresAt"`
}

// POST /auth/register
func (h *AuthHandler) Register(ctx *gin.Context) {
	var req RegisterRequest
	if !BindJSON(ctx, &req) {
		return
	}

	res, err := h.svc.Register(ctx.Request.Context(), identity.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     user.Role(req.Role),
		Profile: user.Profile{
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Phone:      req.Phone,
			Attributes: req.Attributes,
		},
	})
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	h.setRefreshCookie(ctx, res.RefreshToken, res.RefreshExpiresAt)
	ctx.JSON(http.StatusCreated, sessionResponse{
		User:            &res.User,
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
	})
}

// POST /auth/login
func (h *AuthHandler) Login(ctx *gin.Context) {
	var req LoginRequest
	if !BindJSON(ctx, &req) {
		return
	}

	res, err := h.svc.Login(ctx.Request.Context(), req.Email, req.Password)
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	h.setRefreshCookie(ctx, res.RefreshToken, res.RefreshExpiresAt)
	ctx.JSON(http.StatusOK, sessionResponse{
		User:            &res.User,
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
	})
}

// POST /auth/refresh. The refresh token comes from the cookie, or from the
// body for clients that cannot hold cookies.
func (h *AuthHandler) Refresh(ctx *gin.Context) {
	var req RefreshRequest
	if !BindOptionalJSON(ctx, &req) {
		return
	}

	raw := h.refreshTokenFrom(ctx, req.RefreshToken)
	if raw == "" {
		RespondUnAuthorized(ctx, "no_refresh", "Missing refresh token")
		return
	}

	res, err := h.svc.Refresh(ctx.Request.Context(), raw)
	if err != nil {
		if identity.KindOf(err) == identity.KindAuthentication {
			h.clearRefreshCookie(ctx)
		}
		RespondIdentityError(ctx, h.log, err)
		return
	}

	h.setRefreshCookie(ctx, res.RefreshToken, res.RefreshExpiresAt)
	ctx.JSON(http.StatusOK, sessionResponse{
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
	})
}

// POST /auth/logout. Always succeeds for an authenticated caller.
func (h *AuthHandler) Logout(ctx *gin.Context) {
	claims, ok := middlewares.ClaimsFromContext(ctx)
	if !ok {
		RespondUnAuthorized(ctx, "unauthorized", "Authentication required.")
		return
	}

	var req RefreshRequest
	_ = ctx.ShouldBindJSON(&req)

	h.svc.Logout(ctx.Request.Context(), identity.LogoutInput{
		UserID:          claims.UserID,
		RefreshToken:    h.refreshTokenFrom(ctx, req.RefreshToken),
		AccessJTI:       claims.JTI,
		AccessExpiresAt: claims.Expiry(),
	})

	h.clearRefreshCookie(ctx)
	ctx.JSON(http.StatusOK, gin.H{"message": "Logged out."})
}

// POST /auth/forgot-password. The response never depends on whether the
// email is registered.
func (h *AuthHandler) ForgotPassword(ctx *gin.Context) {
	var req EmailRequest
	_ = ctx.ShouldBindJSON(&req)

	if req.Email != "" {
		h.svc.ForgotPassword(ctx.Request.Context(), req.Email)
	}

	ctx.JSON(http.StatusOK, gin.H{"message": forgotPasswordMessage})
}

// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(ctx *gin.Context) {
	var req ResetPasswordRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if err := h.svc.ResetPassword(ctx.Request.Context(), req.Token, req.Password); err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	h.clearRefreshCookie(ctx)
	ctx.JSON(http.StatusOK, gin.H{"message": "Password has been reset. Please log in again."})
}

// POST /auth/verify-email
func (h *AuthHandler) VerifyEmail(ctx *gin.Context) {
	var req VerifyEmailRequest
	if !BindJSON(ctx, &req) {
		return
	}

	u, err := h.svc.VerifyEmail(ctx.Request.Context(), req.Token)
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Email verified.", "user": u})
}

// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(ctx *gin.Context) {
	var req EmailRequest
	_ = ctx.ShouldBindJSON(&req)

	if req.Email != "" {
		h.svc.ResendVerification(ctx.Request.Context(), req.Email)
	}

	ctx.JSON(http.StatusOK, gin.H{"message": resendVerificationMessage})
}

// GET /auth/me
func (h *AuthHandler) Me(ctx *gin.Context) {
	userID, ok := actorctx.UserIDFrom(ctx.Request.Context())
	if !ok {
		RespondUnAuthorized(ctx, "unauthorized", "Authentication required.")
		return
	}

	u, err := h.svc.GetCurrentUser(ctx.Request.Context(), userID)
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"user": u})
}

func (h *AuthHandler) refreshTokenFrom(ctx *gin.Context, fromBody string) string {
	if raw, err := ctx.Cookie(refreshCookieName); err == nil && raw != "" {
		return raw
	}
	return fromBody
}

func (h *AuthHandler) setRefreshCookie(ctx *gin.Context, raw string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		return
	}

	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(refreshCookieName, raw, maxAge, "/auth", "", h.secure, true)
}

func (h *AuthHandler) clearRefreshCookie(ctx *gin.Context) {
	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(refreshCookieName, "", -1, "/auth", "", h.secure, true)
}
