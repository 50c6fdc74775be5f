// Package auth は接続時の認証情報の発行と検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/pairchat/internal/model"
)

// Issuer はトークンのiss クレームに設定する値。
const Issuer = "pairchat"

// Claims はトークンに格納するクレーム。
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator はHS256署名のトークンを発行・検証する。
// WebSocketのハンドシェイクとREST APIのBearer認証で共有する。
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator はAuthenticatorを生成する。
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue は指定ユーザーのトークンを発行する。
func (a *Authenticator) Issue(identity string) (string, error) {
	if identity == "" {
		return "", model.NewInvalidIdentityError("empty identity")
	}

	now := a.now()
	claims := &Claims{
		UserID: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証し、ユーザーIDを返す。
// トークンが空の場合はMISSING_CREDENTIAL、署名不正・期限切れ・形式不正・
// アルゴリズム不一致・ユーザーID欠落の場合はINVALID_CREDENTIALを返す。
func (a *Authenticator) Verify(token string) (string, error) {
	if token == "" {
		return "", model.NewMissingCredentialError()
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", model.NewInvalidCredentialError(credentialReason(err))
	}
	if !parsed.Valid {
		return "", model.NewInvalidCredentialError("invalid token")
	}
	if claims.UserID == "" {
		return "", model.NewInvalidCredentialError("missing user id")
	}

	return claims.UserID, nil
}

// credentialReason はjwtライブラリのエラーを短い理由に変換する。
func credentialReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported signing method"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid issuer"
	default:
		return "invalid token"
	}
}

// TokenFromRequest はリクエストからトークンを取り出す。
// Authorizationヘッダー（Bearer）、クエリパラメータtokenの順に探し、
// 見つからなければ空文字列を返す。
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
