package api

import (
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// AccessToken はIDプロバイダーが発行するアクセストークンのクレームです
type AccessToken struct {
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

const actorKey = "actor"

// newAccessTokenVerifier は Authorization: Bearer のトークンを検証するミドルウェアを返します
func newAccessTokenVerifier(secret string) iris.Handler {
	verifier := jwt.NewVerifier(jwt.HS256, []byte(secret))
	verifier.WithDefaultBlocklist()
	return verifier.Verify(func() interface{} {
		return new(AccessToken)
	})
}

// ActorMiddleware は検証済みのクレームを model.Actor に変換してコンテキストに格納します
func ActorMiddleware(ctx iris.Context) {
	claims, ok := jwt.Get(ctx).(*AccessToken)
	if !ok || strings.TrimSpace(claims.Email) == "" {
		JSONError(ctx, iris.StatusUnauthorized, "unauthorized", "email claim required")
		return
	}
	ctx.Values().Set(actorKey, model.Actor{
		Email:   strings.TrimSpace(claims.Email),
		IsAdmin: claims.Admin,
	})
	ctx.Next()
}

// AdminOnlyMiddleware は管理者以外を 403 で拒否します
func AdminOnlyMiddleware(ctx iris.Context) {
	if !actorFrom(ctx).IsAdmin {
		JSONError(ctx, iris.StatusForbidden, "forbidden", "admin access required")
		return
	}
	ctx.Next()
}

func actorFrom(ctx iris.Context) model.Actor {
	actor, _ := ctx.Values().Get(actorKey).(model.Actor)
	return actor
}
